package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"meterpay/crypto"
)

// Config carries the node and protocol parameters loaded from TOML.
type Config struct {
	ListenAddress           string `toml:"ListenAddress"`
	DataDir                 string `toml:"DataDir"`
	InstanceID              string `toml:"InstanceID"`
	Environment             string `toml:"Environment"`
	LogFile                 string `toml:"LogFile"`
	ProtocolFeeBps          uint32 `toml:"ProtocolFeeBps"`
	DeliveryDeadlineSeconds int64  `toml:"DeliveryDeadlineSeconds"`
	BondLockSeconds         int64  `toml:"BondLockSeconds"`
	Treasury                string `toml:"Treasury"`
	Arbitrator              string `toml:"Arbitrator"`
	Operator                string `toml:"Operator"`
}

// MaxProtocolFeeBps mirrors the escrow engine's protocol-wide fee cap.
const MaxProtocolFeeBps uint32 = 500

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./mpay-data"
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		cfg.InstanceID = "mpay-local"
	}
	if cfg.DeliveryDeadlineSeconds <= 0 {
		cfg.DeliveryDeadlineSeconds = 24 * 60 * 60
	}
	if cfg.BondLockSeconds <= 0 {
		cfg.BondLockSeconds = 7 * 24 * 60 * 60
	}
}

// Validate bounds-checks the protocol parameters and address fields.
func (c *Config) Validate() error {
	if c.ProtocolFeeBps > MaxProtocolFeeBps {
		return fmt.Errorf("config: ProtocolFeeBps %d exceeds cap %d", c.ProtocolFeeBps, MaxProtocolFeeBps)
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"Treasury", c.Treasury},
		{"Arbitrator", c.Arbitrator},
		{"Operator", c.Operator},
	} {
		if strings.TrimSpace(field.value) == "" {
			continue
		}
		if _, err := crypto.DecodeAddress(field.value); err != nil {
			return fmt.Errorf("config: invalid %s address: %w", field.name, err)
		}
	}
	return nil
}

// Address decodes a configured bech32 address into its raw 20-byte form. An
// empty value yields the zero address.
func Address(value string) ([20]byte, error) {
	var out [20]byte
	if strings.TrimSpace(value) == "" {
		return out, nil
	}
	addr, err := crypto.DecodeAddress(value)
	if err != nil {
		return out, err
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
