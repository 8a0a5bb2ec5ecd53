package reputation

// MaxLeaderboardSize bounds the seller leaderboard.
const MaxLeaderboardSize = 50

var leaderboardKey = []byte("reputation/leaderboard")

// LeaderboardEntry pairs a seller with the composite score it held when the
// board was last touched for that seller.
type LeaderboardEntry struct {
	Seller [20]byte
	Score  uint64
}

// updateLeaderboard refreshes the candidate's board position after a recorded
// outcome. The board is a bounded selection: a seller already present has its
// score refreshed in place; otherwise it fills a free slot, or replaces the
// current minimum only when its score is strictly higher. Equal scores never
// displace an incumbent. The rescan is linear, which is acceptable at the
// fixed board size.
func (e *Engine) updateLeaderboard(stats *SellerStats) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	score := e.sellerScore(stats)
	var board []LeaderboardEntry
	if _, err := e.state.KVGet(leaderboardKey, &board); err != nil {
		return err
	}
	for i := range board {
		if board[i].Seller == stats.Seller {
			board[i].Score = score
			return e.state.KVPut(leaderboardKey, board)
		}
	}
	if len(board) < MaxLeaderboardSize {
		board = append(board, LeaderboardEntry{Seller: stats.Seller, Score: score})
		return e.state.KVPut(leaderboardKey, board)
	}
	minIdx := 0
	for i := 1; i < len(board); i++ {
		if board[i].Score < board[minIdx].Score {
			minIdx = i
		}
	}
	if score > board[minIdx].Score {
		board[minIdx] = LeaderboardEntry{Seller: stats.Seller, Score: score}
		return e.state.KVPut(leaderboardKey, board)
	}
	return nil
}

// Leaderboard returns the current board entries in slot order.
func (e *Engine) Leaderboard() ([]LeaderboardEntry, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var board []LeaderboardEntry
	if _, err := e.state.KVGet(leaderboardKey, &board); err != nil {
		return nil, err
	}
	return board, nil
}
