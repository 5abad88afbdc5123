// Package store persists negotiation runs, their message/offer history, and
// terminal outcomes, plus the ambient admin-surface records (API keys,
// audit log, vault blob) the HTTP API needs across restarts.
package store

import (
	"context"
	"time"
)

// RunRecord is the persisted header row for one negotiation run.
type RunRecord struct {
	RunID                string    `json:"run_id"`
	Status               string    `json:"status"`
	BuyerName            string    `json:"buyer_name"`
	ItemID               string    `json:"item_id"`
	ItemName             string    `json:"item_name"`
	MaxRounds            int       `json:"max_rounds"`
	MinNegotiationRounds int       `json:"min_negotiation_rounds"`
	Seed                 int64     `json:"seed"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// MessageRecord is one append-only turn in a run's transcript.
type MessageRecord struct {
	RunID            string    `json:"run_id"`
	MessageID        string    `json:"message_id"`
	RoundNumber      int       `json:"round_number"`
	TurnIndex        int       `json:"turn_index"`
	SenderType       string    `json:"sender_type"`
	SenderID         string    `json:"sender_id"`
	Content          string    `json:"content"`
	MentionedSellers string    `json:"mentioned_sellers"` // JSON array
	Visibility       string    `json:"visibility"`        // JSON array
	TargetSellerID   string    `json:"target_seller_id,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// OfferRecord is one seller offer, append-only except for the accepted flip.
type OfferRecord struct {
	RunID          string  `json:"run_id"`
	OfferID        string  `json:"offer_id"`
	SellerID       string  `json:"seller_id"`
	Price          float64 `json:"price"`
	Quantity       int     `json:"quantity"`
	Status         string  `json:"status"`
	CreatedAtRound int     `json:"created_at_round"`
	MessageID      string  `json:"message_id"`
}

// OutcomeRecord is the single terminal result of a run.
type OutcomeRecord struct {
	RunID          string    `json:"run_id"`
	WinnerID       string    `json:"winner_id,omitempty"`
	WinningOfferID string    `json:"winning_offer_id,omitempty"`
	TotalRounds    int       `json:"total_rounds"`
	Reason         string    `json:"reason"`
	DecidedAt      time.Time `json:"decided_at"`
}

// SkipRecord logs why SellerSelector excluded a candidate seller from a run.
type SkipRecord struct {
	RunID     string    `json:"run_id"`
	SellerID  string    `json:"seller_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// APIKeyRecord is the persisted form of a client API key scoped to the
// run-management endpoints.
type APIKeyRecord struct {
	ID           string     `json:"id"`
	KeyHash      string     `json:"-"`
	KeyPrefix    string     `json:"key_prefix"`
	Name         string     `json:"name"`
	Scopes       string     `json:"scopes"` // JSON array: runs:create, runs:read, runs:cancel
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RotationDays int        `json:"rotation_days"`
	Enabled      bool       `json:"enabled"`
}

// AuditEntry captures an admin mutation for audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Detail    string    `json:"detail,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Store defines the persistence interface for negotiatord.
type Store interface {
	CreateRun(ctx context.Context, r RunRecord) error
	UpdateRunStatus(ctx context.Context, runID, status string) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit, offset int) ([]RunRecord, error)

	AppendMessage(ctx context.Context, m MessageRecord) error
	ListMessages(ctx context.Context, runID string) ([]MessageRecord, error)

	AppendOffer(ctx context.Context, o OfferRecord) error
	UpdateOfferStatus(ctx context.Context, runID, offerID, status string) error
	ListOffers(ctx context.Context, runID string) ([]OfferRecord, error)

	SaveOutcome(ctx context.Context, o OutcomeRecord) error
	GetOutcome(ctx context.Context, runID string) (*OutcomeRecord, error)

	LogSkip(ctx context.Context, s SkipRecord) error
	ListSkips(ctx context.Context, runID string) ([]SkipRecord, error)

	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	CreateAPIKey(ctx context.Context, key APIKeyRecord) error
	GetAPIKey(ctx context.Context, id string) (*APIKeyRecord, error)
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error)
	ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error)
	ListExpiredRotationKeys(ctx context.Context) ([]APIKeyRecord, error)
	UpdateAPIKey(ctx context.Context, key APIKeyRecord) error
	DeleteAPIKey(ctx context.Context, id string) error

	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit, offset int) ([]AuditEntry, error)

	PruneOldLogs(ctx context.Context, retention time.Duration) (int64, error)

	Migrate(ctx context.Context) error
	Close() error
}
