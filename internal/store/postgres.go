package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/community-ingest/internal/pipeline"
)

// PostgresStore persists everything in a shared PostgreSQL database. It is
// the backend for multi-worker deployments, where limiter counters must be
// shared across processes.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects a pool to the given DSN.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Init applies the schema.
func (s *PostgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS integrations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			segment_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			status TEXT NOT NULL,
			settings JSONB NOT NULL DEFAULT '{}',
			identifier TEXT,
			token TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS members (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			emails JSONB NOT NULL DEFAULT '[]',
			attributes JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
			timestamp TIMESTAMPTZ NOT NULL,
			source_id TEXT NOT NULL,
			source_parent_id TEXT,
			title TEXT,
			body TEXT,
			url TEXT,
			channel TEXT,
			score INTEGER NOT NULL DEFAULT 0,
			is_contribution BOOLEAN NOT NULL DEFAULT FALSE,
			attributes JSONB NOT NULL DEFAULT '{}',
			member_id TEXT NOT NULL REFERENCES members(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (tenant_id, platform, source_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_activities_member ON activities(member_id, timestamp DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_activities_tenant ON activities(tenant_id, timestamp DESC);`,
		`CREATE TABLE IF NOT EXISTS webhooks (
			id TEXT PRIMARY KEY,
			integration_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			payload JSONB NOT NULL,
			state TEXT NOT NULL DEFAULT 'pending',
			error TEXT,
			received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			processed_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT '',
			count BIGINT NOT NULL DEFAULT 0,
			expires_at BIGINT NOT NULL DEFAULT 0
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) UpsertIntegration(ctx context.Context, integration pipeline.Integration) error {
	settings := string(integration.Settings)
	if settings == "" {
		settings = "{}"
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO integrations(id, tenant_id, segment_id, platform, status, settings, identifier, token)
		 VALUES($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			settings = excluded.settings,
			identifier = excluded.identifier,
			token = excluded.token,
			updated_at = now()`,
		integration.ID, integration.TenantID, integration.SegmentID, integration.Platform,
		integration.Status, settings, integration.Identifier, integration.Token,
	)
	if err != nil {
		return fmt.Errorf("upsert integration: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIntegration(ctx context.Context, id string) (pipeline.Integration, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, segment_id, platform, status, settings::text, COALESCE(identifier, ''), COALESCE(token, '')
		 FROM integrations WHERE id = $1`, id)
	integration, err := scanPgIntegration(row)
	if err != nil {
		return pipeline.Integration{}, err
	}
	return integration, nil
}

func (s *PostgresStore) ListIntegrations(ctx context.Context) ([]pipeline.Integration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, segment_id, platform, status, settings::text, COALESCE(identifier, ''), COALESCE(token, '')
		 FROM integrations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	var integrations []pipeline.Integration
	for rows.Next() {
		integration, err := scanPgIntegration(rows)
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

func scanPgIntegration(row pgx.Row) (pipeline.Integration, error) {
	var (
		integration pipeline.Integration
		settings    string
	)
	err := row.Scan(&integration.ID, &integration.TenantID, &integration.SegmentID,
		&integration.Platform, &integration.Status, &settings,
		&integration.Identifier, &integration.Token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.Integration{}, ErrNotFound
		}
		return pipeline.Integration{}, fmt.Errorf("scan integration: %w", err)
	}
	integration.Settings = json.RawMessage(settings)
	return integration, nil
}

func (s *PostgresStore) UpdateIntegrationStatus(ctx context.Context, id string, status pipeline.IntegrationStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE integrations SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update integration status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateIntegrationSettings(ctx context.Context, id string, settings json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE integrations SET settings = $1::jsonb, updated_at = now() WHERE id = $2`, string(settings), id)
	if err != nil {
		return fmt.Errorf("update integration settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertActivity(ctx context.Context, tenantID, segmentID string, activity pipeline.Activity) (string, bool, error) {
	if len(activity.Member.Identities) == 0 {
		return "", false, errors.New("activity member has no identities")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("begin upsert activity: %w", err)
	}
	defer tx.Rollback(ctx)

	memberID, err := s.resolveMember(ctx, tx, tenantID, activity.Member)
	if err != nil {
		return "", false, err
	}

	attrs, err := json.Marshal(activity.Attributes)
	if err != nil {
		return "", false, fmt.Errorf("marshal activity attributes: %w", err)
	}
	if string(attrs) == "null" {
		attrs = []byte("{}")
	}
	id := uuid.NewString()
	var storedID string
	err = tx.QueryRow(ctx,
		`INSERT INTO activities(id, tenant_id, segment_id, platform, type, timestamp, source_id,
			source_parent_id, title, body, url, channel, score, is_contribution, attributes, member_id)
		 VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
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
			updated_at = now()
		 RETURNING id`,
		id, tenantID, segmentID, activity.Platform, activity.Type, activity.Timestamp.UTC(),
		activity.SourceID, nullIfEmpty(activity.SourceParentID), nullIfEmpty(activity.Title),
		nullIfEmpty(activity.Body), nullIfEmpty(activity.URL), nullIfEmpty(activity.Channel),
		activity.Score, activity.IsContribution, string(attrs), memberID,
	).Scan(&storedID)
	if err != nil {
		return "", false, fmt.Errorf("upsert activity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("commit upsert activity: %w", err)
	}
	return storedID, storedID == id, nil
}

func (s *PostgresStore) resolveMember(ctx context.Context, tx pgx.Tx, tenantID string, member pipeline.Member) (string, error) {
	var memberID string
	for _, identity := range member.Identities {
		err := tx.QueryRow(ctx,
			`SELECT member_id FROM member_identities WHERE tenant_id = $1 AND platform = $2 AND username = $3`,
			tenantID, identity.Platform, identity.Username).Scan(&memberID)
		if err == nil {
			break
		}
		if !errors.Is(err, pgx.ErrNoRows) {
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
		_, err = tx.Exec(ctx,
			`INSERT INTO members(id, tenant_id, display_name, emails, attributes) VALUES($1, $2, $3, $4, $5)`,
			memberID, tenantID, member.DisplayName, string(emails), string(attrs))
		if err != nil {
			return "", fmt.Errorf("insert member: %w", err)
		}
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE members SET
				display_name = CASE WHEN $1 != '' THEN $1 ELSE display_name END,
				emails = CASE WHEN $2::text NOT IN ('[]', 'null') THEN $2::jsonb ELSE emails END,
				attributes = CASE WHEN $3::text NOT IN ('{}', 'null') THEN $3::jsonb ELSE attributes END,
				updated_at = now()
			 WHERE id = $4`,
			member.DisplayName, string(emails), string(attrs), memberID)
		if err != nil {
			return "", fmt.Errorf("update member: %w", err)
		}
	}

	for _, identity := range member.Identities {
		_, err = tx.Exec(ctx,
			`INSERT INTO member_identities(tenant_id, platform, username, source_id, member_id)
			 VALUES($1, $2, $3, $4, $5)
			 ON CONFLICT(tenant_id, platform, username) DO UPDATE SET
				source_id = COALESCE(excluded.source_id, member_identities.source_id)`,
			tenantID, identity.Platform, identity.Username, nullIfEmpty(identity.SourceID), memberID)
		if err != nil {
			return "", fmt.Errorf("upsert member identity: %w", err)
		}
	}
	return memberID, nil
}

func (s *PostgresStore) ListActivities(ctx context.Context, filter ActivityFilter) ([]ActivityRecord, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args := []any{}
	clauses := []string{"TRUE"}
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		clauses = append(clauses, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if filter.Platform != "" {
		args = append(args, filter.Platform)
		clauses = append(clauses, fmt.Sprintf("platform = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		clauses = append(clauses, fmt.Sprintf("type = $%d", len(args)))
	}
	args = append(args, limit)
	query := fmt.Sprintf(
		`SELECT id, tenant_id, segment_id, platform, type, timestamp, source_id,
			COALESCE(source_parent_id, ''), COALESCE(title, ''), COALESCE(body, ''),
			COALESCE(url, ''), COALESCE(channel, ''), score, is_contribution, attributes::text,
			member_id, updated_at
		 FROM activities WHERE %s ORDER BY timestamp DESC, id LIMIT $%d`,
		strings.Join(clauses, " AND "), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *PostgresStore) ListMembers(ctx context.Context, tenantID string, limit int) ([]MemberRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, display_name, emails::text, attributes::text, updated_at
		 FROM members WHERE tenant_id = $1 ORDER BY updated_at DESC LIMIT $2`, tenantID, limit)
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

func (s *PostgresStore) memberIdentities(ctx context.Context, memberID string) ([]pipeline.MemberIdentity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT platform, username, COALESCE(source_id, '') FROM member_identities WHERE member_id = $1 ORDER BY platform, username`,
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

func (s *PostgresStore) InsertWebhook(ctx context.Context, delivery WebhookDelivery) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhooks(id, integration_id, platform, payload, state, received_at)
		 VALUES($1, $2, $3, $4::jsonb, $5, COALESCE($6, now()))`,
		delivery.ID, delivery.IntegrationID, delivery.Platform, string(delivery.Payload),
		WebhookStatePending, pgTimeOrNil(delivery.ReceivedAt))
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWebhook(ctx context.Context, id string) (WebhookDelivery, error) {
	var (
		d       WebhookDelivery
		payload string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, integration_id, platform, payload::text, state, COALESCE(error, ''), received_at
		 FROM webhooks WHERE id = $1`, id).
		Scan(&d.ID, &d.IntegrationID, &d.Platform, &payload, &d.State, &d.Error, &d.ReceivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WebhookDelivery{}, ErrNotFound
		}
		return WebhookDelivery{}, fmt.Errorf("get webhook: %w", err)
	}
	d.Payload = json.RawMessage(payload)
	return d, nil
}

func (s *PostgresStore) MarkWebhookDone(ctx context.Context, id string, processErr error) error {
	state := WebhookStateProcessed
	message := ""
	if processErr != nil {
		state = WebhookStateError
		message = processErr.Error()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhooks SET state = $1, error = $2, processed_at = now() WHERE id = $3`,
		state, nullIfEmpty(message), id)
	if err != nil {
		return fmt.Errorf("mark webhook done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.now().UTC()
	expires := now.Add(ttl).Unix()
	var count int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO cache_entries(key, count, expires_at) VALUES($1, 1, $2)
		 ON CONFLICT(key) DO UPDATE SET
			count = CASE WHEN cache_entries.expires_at != 0 AND cache_entries.expires_at <= $3 THEN 1 ELSE cache_entries.count + 1 END,
			expires_at = CASE WHEN cache_entries.expires_at != 0 AND cache_entries.expires_at <= $3 THEN $2 ELSE cache_entries.expires_at END
		 RETURNING count`,
		key, expires, now.Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment cache key: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Counter(ctx context.Context, key string) (int64, time.Duration, error) {
	now := s.now().UTC()
	var (
		count   int64
		expires int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT count, expires_at FROM cache_entries WHERE key = $1`, key).Scan(&count, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	now := s.now().UTC()
	var (
		value   string
		expires int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = $1`, key).Scan(&value, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read cache key: %w", err)
	}
	if expires != 0 && expires <= now.Unix() {
		return "", false, nil
	}
	return value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = s.now().UTC().Add(ttl).Unix()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cache_entries(key, value, count, expires_at) VALUES($1, $2, 0, $3)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires)
	if err != nil {
		return fmt.Errorf("write cache key: %w", err)
	}
	return nil
}

func pgTimeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
