package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/community-ingest/internal/pipeline"
)

// SQLiteStore persists everything in one embedded SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore wraps an opened database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// SetClock overrides the wall clock, used by tests to drive cache expiry.
func (s *SQLiteStore) SetClock(now func() time.Time) { s.now = now }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Init applies the schema.
func (s *SQLiteStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS integrations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			segment_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			status TEXT NOT NULL,
			settings TEXT NOT NULL DEFAULT '{}',
			identifier TEXT,
			token TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS members (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			emails TEXT NOT NULL DEFAULT '[]',
			attributes TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS member_identities (
			tenant_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			username TEXT NOT NULL,
			source_id TEXT,
			member_id TEXT NOT NULL REFERENCES members(id),
			PRIMARY KEY (tenant_id, platform, username)
		);`,
		`CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			segment_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			type TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			source_id TEXT NOT NULL,
			source_parent_id TEXT,
			title TEXT,
			body TEXT,
			url TEXT,
			channel TEXT,
			score INTEGER NOT NULL DEFAULT 0,
			is_contribution INTEGER NOT NULL DEFAULT 0,
			attributes TEXT NOT NULL DEFAULT '{}',
			member_id TEXT NOT NULL REFERENCES members(id),
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (tenant_id, platform, source_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_activities_member ON activities(member_id, timestamp DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_activities_tenant ON activities(tenant_id, timestamp DESC);`,
		`CREATE TABLE IF NOT EXISTS webhooks (
			id TEXT PRIMARY KEY,
			integration_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			payload TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'pending',
			error TEXT,
			received_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			processed_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT '',
			count INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER NOT NULL DEFAULT 0
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) UpsertIntegration(ctx context.Context, integration pipeline.Integration) error {
	settings := string(integration.Settings)
	if settings == "" {
		settings = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO integrations(id, tenant_id, segment_id, platform, status, settings, identifier, token)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			settings = excluded.settings,
			identifier = excluded.identifier,
			token = excluded.token,
			updated_at = CURRENT_TIMESTAMP`,
		integration.ID, integration.TenantID, integration.SegmentID, integration.Platform,
		integration.Status, settings, integration.Identifier, integration.Token,
	)
	if err != nil {
		return fmt.Errorf("upsert integration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetIntegration(ctx context.Context, id string) (pipeline.Integration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, segment_id, platform, status, settings, COALESCE(identifier, ''), COALESCE(token, '')
		 FROM integrations WHERE id = ?`, id)
	return scanIntegration(row)
}

func (s *SQLiteStore) ListIntegrations(ctx context.Context) ([]pipeline.Integration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, segment_id, platform, status, settings, COALESCE(identifier, ''), COALESCE(token, '')
		 FROM integrations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	var integrations []pipeline.Integration
	for rows.Next() {
		integration, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, integration)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter integrations: %w", err)
	}
	return integrations, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanIntegration(row rowScanner) (pipeline.Integration, error) {
	var (
		integration pipeline.Integration
		settings    string
	)
	err := row.Scan(&integration.ID, &integration.TenantID, &integration.SegmentID,
		&integration.Platform, &integration.Status, &settings,
		&integration.Identifier, &integration.Token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pipeline.Integration{}, ErrNotFound
		}
		return pipeline.Integration{}, fmt.Errorf("scan integration: %w", err)
	}
	integration.Settings = json.RawMessage(settings)
	return integration, nil
}

func (s *SQLiteStore) UpdateIntegrationStatus(ctx context.Context, id string, status pipeline.IntegrationStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update integration status: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateIntegrationSettings(ctx context.Context, id string, settings json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET settings = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(settings), id)
	if err != nil {
		return fmt.Errorf("update integration settings: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertActivity resolves the embedded member, then writes the activity row.
// Re-ingesting the same (tenant, platform, source id) updates in place.
func (s *SQLiteStore) UpsertActivity(ctx context.Context, tenantID, segmentID string, activity pipeline.Activity) (string, bool, error) {
	if len(activity.Member.Identities) == 0 {
		return "", false, errors.New("activity member has no identities")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin upsert activity: %w", err)
	}
	defer tx.Rollback()

	memberID, err := s.resolveMember(ctx, tx, tenantID, activity.Member)
	if err != nil {
		return "", false, err
	}

	attrs, err := json.Marshal(activity.Attributes)
	if err != nil {
		return "", false, fmt.Errorf("marshal activity attributes: %w", err)
	}
	id := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO activities(id, tenant_id, segment_id, platform, type, timestamp, source_id,
			source_parent_id, title, body, url, channel, score, is_contribution, attributes, member_id)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, platform, source_id) DO UPDATE SET
			type = excluded.type,
			timestamp = excluded.timestamp,
			source_parent_id = excluded.source_parent_id,
			title = excluded.title,
			body = excluded.body,
			url = excluded.url,
			channel = excluded.channel,
			score = excluded.score,
			is_contribution = excluded.is_contribution,
			attributes = excluded.attributes,
			member_id = excluded.member_id,
			updated_at = CURRENT_TIMESTAMP`,
		id, tenantID, segmentID, activity.Platform, activity.Type, activity.Timestamp.UTC(),
		activity.SourceID, nullIfEmpty(activity.SourceParentID), nullIfEmpty(activity.Title),
		nullIfEmpty(activity.Body), nullIfEmpty(activity.URL), nullIfEmpty(activity.Channel),
		activity.Score, activity.IsContribution, string(attrs), memberID,
	)
	if err != nil {
		return "", false, fmt.Errorf("upsert activity: %w", err)
	}
	// Both paths report one affected row; recover the surviving row id and
	// tell insert from update by whether our candidate id won.
	var storedID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM activities WHERE tenant_id = ? AND platform = ? AND source_id = ?`,
		tenantID, activity.Platform, activity.SourceID).Scan(&storedID)
	if err != nil {
		return "", false, fmt.Errorf("read back activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit upsert activity: %w", err)
	}
	return storedID, storedID == id, nil
}

// resolveMember finds the member owning any of the given identities, creating
// one when none exists, and fills in profile fields and missing identities.
func (s *SQLiteStore) resolveMember(ctx context.Context, tx *sql.Tx, tenantID string, member pipeline.Member) (string, error) {
	var memberID string
	for _, identity := range member.Identities {
		err := tx.QueryRowContext(ctx,
			`SELECT member_id FROM member_identities WHERE tenant_id = ? AND platform = ? AND username = ?`,
			tenantID, identity.Platform, identity.Username).Scan(&memberID)
		if err == nil {
			break
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("lookup member identity: %w", err)
		}
	}

	emails, err := json.Marshal(member.Emails)
	if err != nil {
		return "", fmt.Errorf("marshal member emails: %w", err)
	}
	attrs, err := json.Marshal(member.Attributes)
	if err != nil {
		return "", fmt.Errorf("marshal member attributes: %w", err)
	}

	if memberID == "" {
		memberID = uuid.NewString()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO members(id, tenant_id, display_name, emails, attributes) VALUES(?, ?, ?, ?, ?)`,
			memberID, tenantID, member.DisplayName, string(emails), string(attrs))
		if err != nil {
			return "", fmt.Errorf("insert member: %w", err)
		}
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE members SET
				display_name = CASE WHEN ? != '' THEN ? ELSE display_name END,
				emails = CASE WHEN ? != '[]' AND ? != 'null' THEN ? ELSE emails END,
				attributes = CASE WHEN ? != '{}' AND ? != 'null' THEN ? ELSE attributes END,
				updated_at = CURRENT_TIMESTAMP
			 WHERE id = ?`,
			member.DisplayName, member.DisplayName,
			string(emails), string(emails), string(emails),
			string(attrs), string(attrs), string(attrs),
			memberID)
		if err != nil {
			return "", fmt.Errorf("update member: %w", err)
		}
	}

	for _, identity := range member.Identities {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO member_identities(tenant_id, platform, username, source_id, member_id)
			 VALUES(?, ?, ?, ?, ?)
			 ON CONFLICT(tenant_id, platform, username) DO UPDATE SET
				source_id = COALESCE(excluded.source_id, member_identities.source_id)`,
			tenantID, identity.Platform, identity.Username, nullIfEmpty(identity.SourceID), memberID)
		if err != nil {
			return "", fmt.Errorf("upsert member identity: %w", err)
		}
	}
	return memberID, nil
}

func (s *SQLiteStore) ListActivities(ctx context.Context, filter ActivityFilter) ([]ActivityRecord, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args := []any{}
	clauses := []string{"1 = 1"}
	if filter.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Platform != "" {
		clauses = append(clauses, "platform = ?")
		args = append(args, filter.Platform)
	}
	if filter.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, filter.Type)
	}
	query := fmt.Sprintf(
		`SELECT id, tenant_id, segment_id, platform, type, timestamp, source_id,
			COALESCE(source_parent_id, ''), COALESCE(title, ''), COALESCE(body, ''),
			COALESCE(url, ''), COALESCE(channel, ''), score, is_contribution, attributes,
			member_id, updated_at
		 FROM activities WHERE %s ORDER BY timestamp DESC, id LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var records []ActivityRecord
	for rows.Next() {
		var (
			r     ActivityRecord
			attrs string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.SegmentID, &r.Platform, &r.Type,
			&r.Timestamp, &r.SourceID, &r.SourceParentID, &r.Title, &r.Body,
			&r.URL, &r.Channel, &r.Score, &r.IsContribution, &attrs,
			&r.MemberID, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if attrs != "" && attrs != "null" {
			if err := json.Unmarshal([]byte(attrs), &r.Attributes); err != nil {
				return nil, fmt.Errorf("decode activity attributes: %w", err)
			}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter activities: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) ListMembers(ctx context.Context, tenantID string, limit int) ([]MemberRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, display_name, emails, attributes, updated_at
		 FROM members WHERE tenant_id = ? ORDER BY updated_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []MemberRecord
	for rows.Next() {
		var (
			m      MemberRecord
			emails string
			attrs  string
		)
		if err := rows.Scan(&m.ID, &m.TenantID, &m.DisplayName, &emails, &attrs, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		if err := json.Unmarshal([]byte(emails), &m.Emails); err != nil {
			return nil, fmt.Errorf("decode member emails: %w", err)
		}
		if attrs != "" && attrs != "null" {
			if err := json.Unmarshal([]byte(attrs), &m.Attributes); err != nil {
				return nil, fmt.Errorf("decode member attributes: %w", err)
			}
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter members: %w", err)
	}

	for i := range members {
		identities, err := s.memberIdentities(ctx, members[i].ID)
		if err != nil {
			return nil, err
		}
		members[i].Identities = identities
	}
	return members, nil
}

func (s *SQLiteStore) memberIdentities(ctx context.Context, memberID string) ([]pipeline.MemberIdentity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, username, COALESCE(source_id, '') FROM member_identities WHERE member_id = ? ORDER BY platform, username`,
		memberID)
	if err != nil {
		return nil, fmt.Errorf("list member identities: %w", err)
	}
	defer rows.Close()

	var identities []pipeline.MemberIdentity
	for rows.Next() {
		var identity pipeline.MemberIdentity
		if err := rows.Scan(&identity.Platform, &identity.Username, &identity.SourceID); err != nil {
			return nil, fmt.Errorf("scan member identity: %w", err)
		}
		identities = append(identities, identity)
	}
	return identities, rows.Err()
}

func (s *SQLiteStore) InsertWebhook(ctx context.Context, delivery WebhookDelivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks(id, integration_id, platform, payload, state, received_at)
		 VALUES(?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))`,
		delivery.ID, delivery.IntegrationID, delivery.Platform, string(delivery.Payload),
		WebhookStatePending, utcOrNil(delivery.ReceivedAt))
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWebhook(ctx context.Context, id string) (WebhookDelivery, error) {
	var (
		d       WebhookDelivery
		payload string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, integration_id, platform, payload, state, COALESCE(error, ''), received_at
		 FROM webhooks WHERE id = ?`, id).
		Scan(&d.ID, &d.IntegrationID, &d.Platform, &payload, &d.State, &d.Error, &d.ReceivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WebhookDelivery{}, ErrNotFound
		}
		return WebhookDelivery{}, fmt.Errorf("get webhook: %w", err)
	}
	d.Payload = json.RawMessage(payload)
	return d, nil
}

func (s *SQLiteStore) MarkWebhookDone(ctx context.Context, id string, processErr error) error {
	state := WebhookStateProcessed
	message := ""
	if processErr != nil {
		state = WebhookStateError
		message = processErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET state = ?, error = ?, processed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		state, nullIfEmpty(message), id)
	if err != nil {
		return fmt.Errorf("mark webhook done: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Increment bumps a counter key. The expiry is set when the key is first
// touched within a window; an expired key starts a fresh window.
func (s *SQLiteStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.now().UTC()
	expires := now.Add(ttl).Unix()
	var count int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO cache_entries(key, count, expires_at) VALUES(?, 1, ?)
		 ON CONFLICT(key) DO UPDATE SET
			count = CASE WHEN cache_entries.expires_at != 0 AND cache_entries.expires_at <= ? THEN 1 ELSE cache_entries.count + 1 END,
			expires_at = CASE WHEN cache_entries.expires_at != 0 AND cache_entries.expires_at <= ? THEN ? ELSE cache_entries.expires_at END
		 RETURNING count`,
		key, expires, now.Unix(), now.Unix(), expires).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment cache key: %w", err)
	}
	return count, nil
}

// Counter reads a counter key's current count and remaining TTL.
func (s *SQLiteStore) Counter(ctx context.Context, key string) (int64, time.Duration, error) {
	now := s.now().UTC()
	var (
		count   int64
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT count, expires_at FROM cache_entries WHERE key = ?`, key).Scan(&count, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("read cache counter: %w", err)
	}
	if expires != 0 && expires <= now.Unix() {
		return 0, 0, nil
	}
	var remaining time.Duration
	if expires != 0 {
		remaining = time.Duration(expires-now.Unix()) * time.Second
	}
	return count, remaining, nil
}

// Get reads a KV key, treating expired entries as absent.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	now := s.now().UTC()
	var (
		value   string
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key).Scan(&value, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read cache key: %w", err)
	}
	if expires != 0 && expires <= now.Unix() {
		return "", false, nil
	}
	return value, true, nil
}

// Set writes a KV key. A zero ttl means the entry never expires.
func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = s.now().UTC().Add(ttl).Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries(key, value, count, expires_at) VALUES(?, ?, 0, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires)
	if err != nil {
		return fmt.Errorf("write cache key: %w", err)
	}
	return nil
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func utcOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
