package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			buyer_name TEXT NOT NULL,
			item_id TEXT NOT NULL,
			item_name TEXT NOT NULL,
			max_rounds INTEGER NOT NULL,
			min_negotiation_rounds INTEGER NOT NULL,
			seed INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS messages (
			run_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			round_number INTEGER NOT NULL,
			turn_index INTEGER NOT NULL,
			sender_type TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			mentioned_sellers TEXT NOT NULL DEFAULT '[]',
			visibility TEXT NOT NULL DEFAULT '[]',
			target_seller_id TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			PRIMARY KEY (run_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_run ON messages(run_id, turn_index)`,
		`CREATE TABLE IF NOT EXISTS offers (
			run_id TEXT NOT NULL,
			offer_id TEXT NOT NULL,
			seller_id TEXT NOT NULL,
			price REAL NOT NULL,
			quantity INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at_round INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			PRIMARY KEY (run_id, offer_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_run ON offers(run_id)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			run_id TEXT PRIMARY KEY,
			winner_id TEXT NOT NULL DEFAULT '',
			winning_offer_id TEXT NOT NULL DEFAULT '',
			total_rounds INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			decided_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS skip_reasons (
			run_id TEXT NOT NULL,
			seller_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_skip_reasons_run ON skip_reasons(run_id)`,
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			data TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL,
			key_prefix TEXT NOT NULL,
			name TEXT NOT NULL,
			scopes TEXT NOT NULL DEFAULT '["runs:create","runs:read"]',
			created_at TEXT NOT NULL,
			last_used_at TEXT,
			expires_at TEXT,
			rotation_days INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, r RunRecord) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, status, buyer_name, item_id, item_name, max_rounds, min_negotiation_rounds, seed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Status, r.BuyerName, r.ItemID, r.ItemName, r.MaxRounds, r.MinNegotiationRounds, r.Seed, now, now)
	return err
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), runID)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var r RunRecord
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, status, buyer_name, item_id, item_name, max_rounds, min_negotiation_rounds, seed, created_at, updated_at
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&r.RunID, &r.Status, &r.BuyerName, &r.ItemID, &r.ItemName, &r.MaxRounds, &r.MinNegotiationRounds, &r.Seed, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, status, buyer_name, item_id, item_name, max_rounds, min_negotiation_rounds, seed, created_at, updated_at
		 FROM runs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var created, updated string
		if err := rows.Scan(&r.RunID, &r.Status, &r.BuyerName, &r.ItemID, &r.ItemName, &r.MaxRounds, &r.MinNegotiationRounds, &r.Seed, &created, &updated); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, created)
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Messages

func (s *SQLiteStore) AppendMessage(ctx context.Context, m MessageRecord) error {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (run_id, message_id, round_number, turn_index, sender_type, sender_id, content, mentioned_sellers, visibility, target_seller_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, m.MessageID, m.RoundNumber, m.TurnIndex, m.SenderType, m.SenderID, m.Content,
		m.MentionedSellers, m.Visibility, m.TargetSellerID, ts.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) ListMessages(ctx context.Context, runID string) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, message_id, round_number, turn_index, sender_type, sender_id, content, mentioned_sellers, visibility, target_seller_id, timestamp
		 FROM messages WHERE run_id = ? ORDER BY turn_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []MessageRecord
	for rows.Next() {
		var m MessageRecord
		var ts string
		if err := rows.Scan(&m.RunID, &m.MessageID, &m.RoundNumber, &m.TurnIndex, &m.SenderType, &m.SenderID, &m.Content, &m.MentionedSellers, &m.Visibility, &m.TargetSellerID, &ts); err != nil {
			return nil, err
		}
		m.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Offers

func (s *SQLiteStore) AppendOffer(ctx context.Context, o OfferRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offers (run_id, offer_id, seller_id, price, quantity, status, created_at_round, message_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.RunID, o.OfferID, o.SellerID, o.Price, o.Quantity, o.Status, o.CreatedAtRound, o.MessageID)
	return err
}

func (s *SQLiteStore) UpdateOfferStatus(ctx context.Context, runID, offerID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE offers SET status = ? WHERE run_id = ? AND offer_id = ?`, status, runID, offerID)
	return err
}

func (s *SQLiteStore) ListOffers(ctx context.Context, runID string) ([]OfferRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, offer_id, seller_id, price, quantity, status, created_at_round, message_id
		 FROM offers WHERE run_id = ? ORDER BY created_at_round ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []OfferRecord
	for rows.Next() {
		var o OfferRecord
		if err := rows.Scan(&o.RunID, &o.OfferID, &o.SellerID, &o.Price, &o.Quantity, &o.Status, &o.CreatedAtRound, &o.MessageID); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Outcomes

func (s *SQLiteStore) SaveOutcome(ctx context.Context, o OutcomeRecord) error {
	decidedAt := o.DecidedAt
	if decidedAt.IsZero() {
		decidedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (run_id, winner_id, winning_offer_id, total_rounds, reason, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   winner_id=excluded.winner_id, winning_offer_id=excluded.winning_offer_id,
		   total_rounds=excluded.total_rounds, reason=excluded.reason, decided_at=excluded.decided_at`,
		o.RunID, o.WinnerID, o.WinningOfferID, o.TotalRounds, o.Reason, decidedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) GetOutcome(ctx context.Context, runID string) (*OutcomeRecord, error) {
	var o OutcomeRecord
	var decidedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, winner_id, winning_offer_id, total_rounds, reason, decided_at FROM outcomes WHERE run_id = ?`, runID).
		Scan(&o.RunID, &o.WinnerID, &o.WinningOfferID, &o.TotalRounds, &o.Reason, &decidedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o.DecidedAt, _ = time.Parse(time.RFC3339, decidedAt)
	return &o, nil
}

// Skip reasons

func (s *SQLiteStore) LogSkip(ctx context.Context, sk SkipRecord) error {
	ts := sk.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO skip_reasons (run_id, seller_id, reason, timestamp) VALUES (?, ?, ?, ?)`,
		sk.RunID, sk.SellerID, sk.Reason, ts.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) ListSkips(ctx context.Context, runID string) ([]SkipRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seller_id, reason, timestamp FROM skip_reasons WHERE run_id = ? ORDER BY timestamp ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SkipRecord
	for rows.Next() {
		var sk SkipRecord
		var ts string
		if err := rows.Scan(&sk.RunID, &sk.SellerID, &sk.Reason, &ts); err != nil {
			return nil, err
		}
		sk.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, sk)
	}
	return out, rows.Err()
}

// Vault

func (s *SQLiteStore) SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error {
	j, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal vault data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_blob (id, salt, data) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET salt=excluded.salt, data=excluded.data`,
		salt, string(j))
	return err
}

func (s *SQLiteStore) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	var salt []byte
	var dataStr string
	err := s.db.QueryRowContext(ctx, `SELECT salt, data FROM vault_blob WHERE id = 1`).Scan(&salt, &dataStr)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		return nil, nil, fmt.Errorf("unmarshal vault data: %w", err)
	}
	return salt, data, nil
}

// Audit logs

func (s *SQLiteStore) LogAudit(ctx context.Context, entry AuditEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, action, resource, detail, request_id) VALUES (?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339), entry.Action, entry.Resource, entry.Detail, entry.RequestID)
	return err
}

func (s *SQLiteStore) ListAuditLogs(ctx context.Context, limit, offset int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, action, resource, detail, request_id FROM audit_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Action, &e.Resource, &e.Detail, &e.RequestID); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// API keys

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key APIKeyRecord) error {
	var lastUsed, expires *string
	if key.LastUsedAt != nil {
		t := key.LastUsedAt.UTC().Format(time.RFC3339)
		lastUsed = &t
	}
	if key.ExpiresAt != nil {
		t := key.ExpiresAt.UTC().Format(time.RFC3339)
		expires = &t
	}
	enabledInt := 0
	if key.Enabled {
		enabledInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, key_prefix, name, scopes, created_at, last_used_at, expires_at, rotation_days, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.Name, key.Scopes,
		key.CreatedAt.UTC().Format(time.RFC3339), lastUsed, expires, key.RotationDays, enabledInt)
	return err
}

func scanAPIKey(row interface{ Scan(...any) error }) (*APIKeyRecord, error) {
	var k APIKeyRecord
	var created string
	var lastUsed, expires sql.NullString
	var enabledInt int
	if err := row.Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, &k.Scopes, &created, &lastUsed, &expires, &k.RotationDays, &enabledInt); err != nil {
		return nil, err
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339, created)
	if lastUsed.Valid {
		t, _ := time.Parse(time.RFC3339, lastUsed.String)
		k.LastUsedAt = &t
	}
	if expires.Valid {
		t, _ := time.Parse(time.RFC3339, expires.String)
		k.ExpiresAt = &t
	}
	k.Enabled = enabledInt != 0
	return &k, nil
}

func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (*APIKeyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, key_hash, key_prefix, name, scopes, created_at, last_used_at, expires_at, rotation_days, enabled
		 FROM api_keys WHERE id = ?`, id)
	k, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return k, err
}

func (s *SQLiteStore) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key_hash, key_prefix, name, scopes, created_at, last_used_at, expires_at, rotation_days, enabled
		 FROM api_keys WHERE key_prefix = ?`, prefix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []APIKeyRecord
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key_hash, key_prefix, name, scopes, created_at, last_used_at, expires_at, rotation_days, enabled
		 FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []APIKeyRecord
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListExpiredRotationKeys(ctx context.Context) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key_hash, key_prefix, name, scopes, created_at, last_used_at, expires_at, rotation_days, enabled
		 FROM api_keys WHERE rotation_days > 0 AND enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []APIKeyRecord
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		if time.Since(k.CreatedAt) > time.Duration(k.RotationDays)*24*time.Hour {
			out = append(out, *k)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateAPIKey(ctx context.Context, key APIKeyRecord) error {
	var lastUsed, expires *string
	if key.LastUsedAt != nil {
		t := key.LastUsedAt.UTC().Format(time.RFC3339)
		lastUsed = &t
	}
	if key.ExpiresAt != nil {
		t := key.ExpiresAt.UTC().Format(time.RFC3339)
		expires = &t
	}
	enabledInt := 0
	if key.Enabled {
		enabledInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET name=?, scopes=?, last_used_at=?, expires_at=?, rotation_days=?, enabled=? WHERE id=?`,
		key.Name, key.Scopes, lastUsed, expires, key.RotationDays, enabledInt, key.ID)
	return err
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}

// Log retention

func (s *SQLiteStore) PruneOldLogs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339)
	var total int64
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return total, err
	}
	n, _ := res.RowsAffected()
	total += n
	res, err = s.db.ExecContext(ctx, `DELETE FROM runs WHERE status IN ('completed','failed') AND updated_at < ?`, cutoff)
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	total += n
	return total, nil
}
