package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/afrifund/fundflow/ingestion/record"
)

// PostgresStore implements Store on PostgreSQL. Schema in schema.sql.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Catalog ---

const opportunityColumns = `id, dedup_hash, content_hash, organization_id, fields, source_urls, merged_from, verification_status, confidence, collector, language, published_at, updated_at`

func scanOpportunity(row pgx.Row) (*record.Opportunity, error) {
	var o record.Opportunity
	var fields []byte
	err := row.Scan(
		&o.ID, &o.DedupHash, &o.ContentHash, &o.OrganizationID, &fields,
		&o.SourceURLs, &o.MergedFrom, &o.Verification, &o.Confidence,
		&o.Collector, &o.Language, &o.PublishedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fields, &o.Fields); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) FindByDedupHash(ctx context.Context, hash string) (*record.Opportunity, error) {
	query := `SELECT ` + opportunityColumns + ` FROM opportunities WHERE dedup_hash = $1`
	return scanOpportunity(s.pool.QueryRow(ctx, query, hash))
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*record.Opportunity, error) {
	query := `SELECT ` + opportunityColumns + ` FROM opportunities WHERE id = $1`
	return scanOpportunity(s.pool.QueryRow(ctx, query, id))
}

func (s *PostgresStore) FindRecentInWindow(ctx context.Context, days int) ([]*record.Opportunity, error) {
	query := `
		SELECT ` + opportunityColumns + `
		FROM opportunities
		WHERE published_at > NOW() - ($1 || ' days')::interval
		ORDER BY published_at ASC
	`
	rows, err := s.pool.Query(ctx, query, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*record.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindOrCreateOrganization(ctx context.Context, attrs OrgAttrs) (string, error) {
	// Idempotent by (name_norm, country) natural key.
	query := `
		INSERT INTO organizations (id, name, name_norm, country, created_at)
		VALUES ($1, $2, lower(trim($2)), lower(trim($3)), NOW())
		ON CONFLICT (name_norm, country) DO UPDATE SET name = organizations.name
		RETURNING id
	`
	var id string
	err := s.pool.QueryRow(ctx, query, uuid.NewString(), attrs.Name, attrs.Country).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresStore) SearchOrganizations(ctx context.Context, nameNorm string) ([]*record.Organization, error) {
	query := `
		SELECT id, name, name_norm, country, created_at
		FROM organizations
		WHERE name_norm LIKE $1 || '%'
		LIMIT 50
	`
	rows, err := s.pool.Query(ctx, query, prefixToken(nameNorm))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*record.Organization
	for rows.Next() {
		var o record.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.NameNorm, &o.Country, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertOpportunity(ctx context.Context, opp *record.Opportunity) (string, error) {
	fields, err := json.Marshal(opp.Fields)
	if err != nil {
		return "", err
	}
	id := opp.ID
	if id == "" {
		id = uuid.NewString()
	}
	query := `
		INSERT INTO opportunities (id, dedup_hash, content_hash, organization_id, fields, source_urls, merged_from, verification_status, confidence, collector, language, published_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`
	_, err = s.pool.Exec(ctx, query,
		id, opp.DedupHash, opp.ContentHash, opp.OrganizationID, fields,
		opp.SourceURLs, opp.MergedFrom, opp.Verification, opp.Confidence,
		opp.Collector, opp.Language,
	)
	if isUniqueViolation(err) {
		return "", ErrDuplicateKey
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresStore) MergeOpportunity(ctx context.Context, id string, patch MergePatch) error {
	// Confidence is monotonic (GREATEST); source URLs deduplicate in SQL.
	query := `
		UPDATE opportunities SET
			source_urls = ARRAY(SELECT DISTINCT u FROM unnest(source_urls || $2::text[]) AS u),
			merged_from = merged_from || $3::text[],
			confidence = GREATEST(confidence, $4),
			verification_status = COALESCE(NULLIF($5, ''), verification_status),
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, patch.AddSourceURLs, patch.AddMergedFrom, patch.Confidence, string(patch.Verification))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("opportunity not found")
	}
	return nil
}

func (s *PostgresStore) AppendAuditLog(ctx context.Context, entry *AuditEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO audit_log (id, actor, action, subject, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	_, err = s.pool.Exec(ctx, query, id, entry.Actor, entry.Action, entry.Subject, entry.Reason, meta)
	return err
}

// --- ScrapeQueue ---

func (s *PostgresStore) EnqueueScrape(ctx context.Context, req *ScrapeRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = ScrapePending
	}
	query := `
		INSERT INTO scrape_queue (id, url, host, priority, collector, candidate_hash, requested_fields, attempts, max_attempts, scheduled_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()), $11, NOW(), NOW())
	`
	var scheduled *time.Time
	if !req.ScheduledAt.IsZero() {
		scheduled = &req.ScheduledAt
	}
	_, err := s.pool.Exec(ctx, query,
		req.ID, req.URL, req.Host, int(req.Priority), req.Collector, req.CandidateHash,
		req.RequestedFields, req.Attempts, req.MaxAttempts, scheduled, req.Status,
	)
	return err
}

func (s *PostgresStore) ClaimNextReady(ctx context.Context, workerID string) (*ScrapeRequest, error) {
	// SKIP LOCKED guarantees no two workers process the same request.
	query := `
		UPDATE scrape_queue SET
			status = 'processing',
			claimed_by = $1,
			attempts = attempts + 1,
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM scrape_queue
			WHERE status IN ('pending', 'retrying') AND scheduled_at <= NOW()
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, url, host, priority, collector, candidate_hash, requested_fields, attempts, max_attempts, scheduled_at, status, claimed_by, result, last_error, created_at, updated_at
	`
	var r ScrapeRequest
	var prio int
	err := s.pool.QueryRow(ctx, query, workerID).Scan(
		&r.ID, &r.URL, &r.Host, &prio, &r.Collector, &r.CandidateHash,
		&r.RequestedFields, &r.Attempts, &r.MaxAttempts, &r.ScheduledAt,
		&r.Status, &r.ClaimedBy, &r.Result, &r.LastError, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Priority = record.Priority(prio)
	return &r, nil
}

func (s *PostgresStore) CompleteScrape(ctx context.Context, id string, result []byte) error {
	query := `UPDATE scrape_queue SET status = 'completed', result = $2, claimed_by = '', updated_at = NOW() WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id, result)
	return err
}

func (s *PostgresStore) RescheduleScrape(ctx context.Context, id string, at time.Time, lastError string) error {
	query := `UPDATE scrape_queue SET status = 'retrying', scheduled_at = $2, last_error = $3, claimed_by = '', updated_at = NOW() WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id, at, lastError)
	return err
}

func (s *PostgresStore) FailScrape(ctx context.Context, id string, lastError string) error {
	query := `UPDATE scrape_queue SET status = 'failed', last_error = $2, claimed_by = '', updated_at = NOW() WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id, lastError)
	return err
}

func (s *PostgresStore) FindActiveScrapeByURL(ctx context.Context, url string) (*ScrapeRequest, error) {
	query := `
		SELECT id, url, host, priority, collector, candidate_hash, requested_fields, attempts, max_attempts, scheduled_at, status, claimed_by, result, last_error, created_at, updated_at
		FROM scrape_queue
		WHERE url = $1 AND status IN ('pending', 'processing', 'retrying')
		LIMIT 1
	`
	var r ScrapeRequest
	var prio int
	err := s.pool.QueryRow(ctx, query, url).Scan(
		&r.ID, &r.URL, &r.Host, &prio, &r.Collector, &r.CandidateHash,
		&r.RequestedFields, &r.Attempts, &r.MaxAttempts, &r.ScheduledAt,
		&r.Status, &r.ClaimedBy, &r.Result, &r.LastError, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Priority = record.Priority(prio)
	return &r, nil
}

func (s *PostgresStore) CountReadyScrapes(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM scrape_queue WHERE status IN ('pending', 'retrying')`).Scan(&n)
	return n, err
}

// --- ReviewQueue ---

func (s *PostgresStore) EnqueueReview(ctx context.Context, item *ReviewItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	payload, err := json.Marshal(item.Opportunity)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO review_queue (id, opportunity, reasons, status, created_at)
		VALUES ($1, $2, $3, 'pending', NOW())
	`
	_, err = s.pool.Exec(ctx, query, item.ID, payload, item.Reasons)
	return err
}

func (s *PostgresStore) ListReview(ctx context.Context, limit int) ([]*ReviewItem, error) {
	query := `
		SELECT id, opportunity, reasons, status, created_at
		FROM review_queue WHERE status = 'pending'
		ORDER BY created_at ASC LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ReviewItem
	for rows.Next() {
		var item ReviewItem
		var payload []byte
		if err := rows.Scan(&item.ID, &payload, &item.Reasons, &item.Status, &item.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &item.Opportunity); err != nil {
			return nil, err
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResolveReview(ctx context.Context, id string, approved bool) (*ReviewItem, error) {
	status := "rejected"
	if approved {
		status = "approved"
	}
	query := `
		UPDATE review_queue SET status = $2 WHERE id = $1
		RETURNING id, opportunity, reasons, status, created_at
	`
	var item ReviewItem
	var payload []byte
	err := s.pool.QueryRow(ctx, query, id, status).Scan(&item.ID, &payload, &item.Reasons, &item.Status, &item.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New("review item not found")
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &item.Opportunity); err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *PostgresStore) CountReview(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM review_queue WHERE status = 'pending'`).Scan(&n)
	return n, err
}

// --- DeadLetters ---

func (s *PostgresStore) InsertDeadLetter(ctx context.Context, dl *DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	query := `
		INSERT INTO dead_letters (id, content_hash, stage, error, cause, candidate, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	_, err := s.pool.Exec(ctx, query, dl.ID, dl.ContentHash, dl.Stage, dl.Error, dl.Cause, dl.Candidate, dl.Attempts)
	return err
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	query := `
		SELECT id, content_hash, stage, error, cause, candidate, attempts, created_at
		FROM dead_letters ORDER BY created_at ASC LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ID, &dl.ContentHash, &dl.Stage, &dl.Error, &dl.Cause, &dl.Candidate, &dl.Attempts, &dl.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &dl)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TakeDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	query := `
		DELETE FROM dead_letters WHERE id = $1
		RETURNING id, content_hash, stage, error, cause, candidate, attempts, created_at
	`
	var dl DeadLetter
	err := s.pool.QueryRow(ctx, query, id).Scan(&dl.ID, &dl.ContentHash, &dl.Stage, &dl.Error, &dl.Cause, &dl.Candidate, &dl.Attempts, &dl.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dl, nil
}
