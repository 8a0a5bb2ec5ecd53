package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"meterpay/core/types"
	"meterpay/storage"
)

var (
	accountPrefix = []byte("account/")

	// ErrNotInitialised marks usage of a manager without a backing database.
	ErrNotInitialised = errors.New("state: manager not initialised")
)

// vaultAddress is the module account holding all escrowed funds. It is
// derived from a fixed label so every deployment shares the same well-known
// address and no private key can ever exist for it.
var vaultAddress = func() [20]byte {
	digest := ethcrypto.Keccak256([]byte("meterpay/escrow-vault/v1"))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}()

// Manager exposes the keyed state used by the protocol engines. Writes are
// buffered in an overlay until Commit so a top-level operation either fully
// commits or leaves the backing store untouched.
type Manager struct {
	mu      sync.Mutex
	db      storage.Database
	overlay map[string][]byte
}

// NewManager constructs a manager over the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:      db,
		overlay: make(map[string][]byte),
	}
}

// KVPut encodes value as JSON and buffers the write in the overlay.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if m == nil || m.db == nil {
		return ErrNotInitialised
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overlay[string(key)] = encoded
	return nil
}

// KVGet decodes the stored value into out, consulting pending overlay writes
// first. The boolean reports whether the key exists.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if m == nil || m.db == nil {
		return false, ErrNotInitialised
	}
	m.mu.Lock()
	raw, ok := m.overlay[string(key)]
	m.mu.Unlock()
	if !ok {
		stored, err := m.db.Get(key)
		if err != nil {
			if errors.Is(err, storage.ErrKeyNotFound) {
				return false, nil
			}
			return false, err
		}
		raw = stored
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

// KVHas reports whether a key exists in the overlay or backing store.
func (m *Manager) KVHas(key []byte) (bool, error) {
	if m == nil || m.db == nil {
		return false, ErrNotInitialised
	}
	m.mu.Lock()
	_, ok := m.overlay[string(key)]
	m.mu.Unlock()
	if ok {
		return true, nil
	}
	return m.db.Has(key)
}

// Commit flushes all buffered writes to the backing store as one atomic
// batch and clears the overlay. Keys are ordered for deterministic
// persistence, and a crash can never leave a partially applied operation.
func (m *Manager) Commit() error {
	if m == nil || m.db == nil {
		return ErrNotInitialised
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.overlay))
	for key := range m.overlay {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	entries := make([]storage.BatchEntry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, storage.BatchEntry{Key: []byte(key), Value: m.overlay[key]})
	}
	if err := m.db.WriteBatch(entries); err != nil {
		return err
	}
	m.overlay = make(map[string][]byte)
	return nil
}

// Discard drops all buffered writes, restoring the view of the last commit.
func (m *Manager) Discard() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overlay = make(map[string][]byte)
}

// Pending reports the number of buffered writes awaiting commit.
func (m *Manager) Pending() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.overlay)
}

func accountKey(addr []byte) []byte {
	return append(append([]byte(nil), accountPrefix...), []byte(fmt.Sprintf("%x", addr))...)
}

// GetAccount loads the account for addr, returning a zeroed account when the
// address has never been seen.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	account := types.NewAccount()
	ok, err := m.KVGet(accountKey(addr), account)
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.NewAccount(), nil
	}
	if account.Balance == nil {
		account.Balance = types.NewAccount().Balance
	}
	return account, nil
}

// PutAccount buffers the account write.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return errors.New("state: nil account")
	}
	return m.KVPut(accountKey(addr), account)
}

// bondVaultAddress is the module account holding seller collateral,
// separate from escrowed payment funds.
var bondVaultAddress = func() [20]byte {
	digest := ethcrypto.Keccak256([]byte("meterpay/bond-vault/v1"))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}()

// EscrowVaultAddress returns the module account that holds escrowed funds.
func (m *Manager) EscrowVaultAddress() [20]byte {
	return vaultAddress
}

// BondVaultAddress returns the module account that holds seller collateral.
func (m *Manager) BondVaultAddress() [20]byte {
	return bondVaultAddress
}

// AppendID appends id to the [32]byte identifier list stored at key. The
// read-modify-write happens inside the overlay, so it participates in the
// enclosing operation's atomic commit.
func (m *Manager) AppendID(key []byte, id [32]byte) error {
	var ids [][32]byte
	if _, err := m.KVGet(key, &ids); err != nil {
		return err
	}
	ids = append(ids, id)
	return m.KVPut(key, ids)
}

// ListIDs returns the identifier list stored at key, empty when absent.
func (m *Manager) ListIDs(key []byte) ([][32]byte, error) {
	var ids [][32]byte
	if _, err := m.KVGet(key, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}
