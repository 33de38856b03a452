package credential

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/stephnangue/keygate/logger"
)

const uniqueViolation = "23505"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStore is the durable Store. Uniqueness of (owner, kind,
// display name) and the single-statement test-result write are enforced
// by the database, so concurrent processes stay consistent.
type PostgresStore struct {
	pool            *pgxpool.Pool
	table           string
	skipCreateTable bool
	logger          log.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore satisfies Factory. Recognized conf keys:
// connection_url (required), table, max_connections, skip_create_table.
func NewPostgresStore(conf map[string]string, logger log.Logger) (Store, error) {
	connURL, ok := conf["connection_url"]
	if !ok || connURL == "" {
		return nil, errors.New("missing connection_url for postgres storage")
	}

	table := conf["table"]
	if table == "" {
		table = "credentials"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	poolConfig, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection_url: %w", err)
	}
	if raw, ok := conf["max_connections"]; ok {
		maxConns, err := strconv.Atoi(raw)
		if err != nil || maxConns < 1 {
			return nil, fmt.Errorf("invalid max_connections %q", raw)
		}
		poolConfig.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &PostgresStore{
		pool:            pool,
		table:           table,
		skipCreateTable: conf["skip_create_table"] == "true",
		logger:          logger,
	}, nil
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach postgres: %w", err)
	}
	if s.skipCreateTable {
		return nil
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id                UUID PRIMARY KEY,
			owner_id          TEXT NOT NULL,
			kind              TEXT NOT NULL,
			display_name      TEXT NOT NULL,
			provider_tag      TEXT NOT NULL DEFAULT '',
			endpoint          TEXT NOT NULL DEFAULT '',
			database_name     TEXT NOT NULL DEFAULT '',
			secret_ciphertext BYTEA NOT NULL,
			secret_preview    TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'ACTIVE',
			usage_count       BIGINT NOT NULL DEFAULT 0,
			last_used_at      TIMESTAMPTZ,
			last_tested_at    TIMESTAMPTZ,
			test_status       TEXT,
			test_message      TEXT,
			test_latency_ms   BIGINT,
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL
		)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_owner_name_uq
			ON %s (owner_id, kind, display_name)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_owner_kind_idx
			ON %s (owner_id, kind, status)`, s.table, s.table),
	}
	for _, stmt := range indexes {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", s.table, err)
		}
	}
	return nil
}

func (s *PostgresStore) Stop() error {
	s.pool.Close()
	return nil
}

const recordColumns = `id, owner_id, kind, display_name, provider_tag, endpoint,
	database_name, secret_ciphertext, secret_preview, status, usage_count,
	last_used_at, last_tested_at, test_status, test_message, test_latency_ms,
	created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var record Record
	var testStatus *string
	err := row.Scan(
		&record.ID, &record.OwnerID, &record.Kind, &record.DisplayName,
		&record.ProviderTag, &record.Endpoint, &record.Database,
		&record.SecretCiphertext, &record.SecretPreview, &record.Status,
		&record.UsageCount, &record.LastUsedAt, &record.LastTestedAt,
		&testStatus, &record.TestMessage, &record.TestLatencyMS,
		&record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if testStatus != nil {
		status := TestStatus(*testStatus)
		record.TestStatus = &status
	}
	return &record, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *PostgresStore) Create(ctx context.Context, record *Record) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		s.table, recordColumns)

	var testStatus *string
	if record.TestStatus != nil {
		status := string(*record.TestStatus)
		testStatus = &status
	}

	_, err := s.pool.Exec(ctx, query,
		record.ID, record.OwnerID, string(record.Kind), record.DisplayName,
		record.ProviderTag, record.Endpoint, record.Database,
		record.SecretCiphertext, record.SecretPreview, string(record.Status),
		record.UsageCount, record.LastUsedAt, record.LastTestedAt,
		testStatus, record.TestMessage, record.TestLatencyMS,
		record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("display name %q: %w", record.DisplayName, ErrConflict)
		}
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, ownerID, id string) (*Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE owner_id = $1 AND id = $2`,
		recordColumns, s.table)
	return scanRecord(s.pool.QueryRow(ctx, query, ownerID, id))
}

func (s *PostgresStore) List(ctx context.Context, ownerID string, kind Kind, filter ListFilter) (*Page, error) {
	filter.Normalize()

	where := `WHERE owner_id = $1 AND kind = $2`
	args := []any{ownerID, string(kind)}
	if filter.Status != nil {
		where += ` AND status = $3`
		args = append(args, string(*filter.Status))
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s %s`, s.table, where)
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count credentials: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		recordColumns, s.table, where, len(args)+1, len(args)+2)
	args = append(args, filter.Size, (filter.Page-1)*filter.Size)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	page := &Page{Total: total, Page: filter.Page, Size: filter.Size}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		page.Records = append(page.Records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credential rows: %w", err)
	}
	return page, nil
}

func (s *PostgresStore) UpdateMetadata(ctx context.Context, ownerID, id string, update MetadataUpdate) (*Record, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET
			display_name = COALESCE($1, display_name),
			status = COALESCE($2, status),
			updated_at = $3
		WHERE owner_id = $4 AND id = $5
		RETURNING %s`, s.table, recordColumns)

	var status *string
	if update.Status != nil {
		v := string(*update.Status)
		status = &v
	}

	record, err := scanRecord(s.pool.QueryRow(ctx, query,
		update.DisplayName, status, time.Now().UTC(), ownerID, id))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("display name conflict: %w", ErrConflict)
		}
		return nil, err
	}
	return record, nil
}

func (s *PostgresStore) UpdateSecret(ctx context.Context, ownerID, id string, ciphertext []byte, preview string) (*Record, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET
			secret_ciphertext = $1,
			secret_preview = $2,
			last_tested_at = NULL,
			test_status = NULL,
			test_message = NULL,
			test_latency_ms = NULL,
			updated_at = $3
		WHERE owner_id = $4 AND id = $5
		RETURNING %s`, s.table, recordColumns)

	return scanRecord(s.pool.QueryRow(ctx, query,
		ciphertext, preview, time.Now().UTC(), ownerID, id))
}

func (s *PostgresStore) UpdateTestResult(ctx context.Context, ownerID, id string, result *TestResult) error {
	// One UPDATE carries the whole result, usage accounting included, so
	// the row can never hold fields from two different checks.
	query := fmt.Sprintf(`
		UPDATE %s SET
			last_tested_at = $1,
			test_status = $2,
			test_message = $3,
			test_latency_ms = $4,
			usage_count = usage_count + CASE WHEN $5 THEN 1 ELSE 0 END,
			last_used_at = CASE WHEN $5 THEN $1 ELSE last_used_at END,
			updated_at = $1
		WHERE owner_id = $6 AND id = $7`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		result.TestedAt, string(result.Status), result.Message,
		result.LatencyMS, result.RecordUse, ownerID, id)
	if err != nil {
		return fmt.Errorf("failed to record test result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, ownerID, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE owner_id = $1 AND id = $2`, s.table)
	tag, err := s.pool.Exec(ctx, query, ownerID, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
