package memory

import (
	"context"
	"time"
)

// TurnRecord stores one user or assistant utterance from a completed turn.
type TurnRecord struct {
	ID      string    `json:"id"`
	CallSID string    `json:"call_sid"`
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Created time.Time `json:"created_at"`
}

// Store persists per-call conversation transcripts. Persistence is best
// effort: the live turn state machine keeps its own in-process history and
// never reads back from here during a call.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentTurns(ctx context.Context, callSID string, limit int) ([]TurnRecord, error)
	Close() error
}
