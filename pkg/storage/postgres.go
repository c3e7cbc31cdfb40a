package storage

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/levenlabs/go-lflag"
	"github.com/pressly/goose/v3"

	"github.com/sunledger/sunledger/pkg/log"
	"github.com/sunledger/sunledger/pkg/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresProvider stores credentials and telemetry in PostgreSQL.
type PostgresProvider struct {
	pool     *pgxpool.Pool
	dsn      string
	maxConns int
	migrate  bool
}

// configuredPostgres sets up the Postgres provider.
// It registers flags for configuration.
func configuredPostgres() *PostgresProvider {
	dsn := lflag.String("postgres-dsn", "", "PostgreSQL connection string")
	maxConns := lflag.Int("postgres-max-conns", 8, "Maximum pooled connections; size it to ingest-workers")
	migrate := lflag.Bool("postgres-migrate", true, "Apply embedded schema migrations on startup")

	p := &PostgresProvider{}

	lflag.Do(func() {
		p.dsn = *dsn
		p.maxConns = *maxConns
		p.migrate = *migrate
	})

	return p
}

// NewPostgres returns an uninitialized provider for dsn.
func NewPostgres(dsn string, maxConns int, migrate bool) *PostgresProvider {
	return &PostgresProvider{dsn: dsn, maxConns: maxConns, migrate: migrate}
}

// Validate checks if the provider is properly configured.
func (p *PostgresProvider) Validate() error {
	if p.dsn == "" {
		return errors.New("postgres-dsn is required")
	}
	if p.maxConns < 1 {
		return fmt.Errorf("postgres-max-conns must be positive, got %d", p.maxConns)
	}
	return nil
}

// Init opens the pool and applies migrations.
// This must be called before using the provider methods.
func (p *PostgresProvider) Init(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	cfg.MaxConns = int32(p.maxConns)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to reach postgres: %w", err)
	}
	p.pool = pool
	if p.migrate {
		if err := p.runMigrations(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresProvider) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}
	return nil
}

// Close closes the pool.
func (p *PostgresProvider) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

// ListCredentials reads the whole api_credentials table.
func (p *PostgresProvider) ListCredentials(ctx context.Context) ([]types.Credential, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id::text, COALESCE(user_id, ''), customer_id, api_provider,
			COALESCE(username, ''), COALESCE(password, ''), COALESCE(api_key, ''), COALESCE(api_secret, '')
		FROM api_credentials
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []types.Credential
	for rows.Next() {
		var c types.Credential
		var provider string
		if err := rows.Scan(&c.ID, &c.UserID, &c.CustomerID, &provider, &c.Username, &c.Password, &c.APIKey, &c.APISecret); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		c.Provider = types.Provider(strings.ToLower(strings.TrimSpace(provider)))
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	return creds, nil
}

// PutCredential inserts cred, or replaces the row with cred.ID when set.
func (p *PostgresProvider) PutCredential(ctx context.Context, cred types.Credential) (string, error) {
	args := []any{cred.UserID, cred.CustomerID, string(cred.Provider), cred.Username, cred.Password, cred.APIKey, cred.APISecret}
	if cred.ID == "" {
		var id string
		err := p.pool.QueryRow(ctx, `
			INSERT INTO api_credentials (user_id, customer_id, api_provider, username, password, api_key, api_secret)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id::text`, args...).Scan(&id)
		if err != nil {
			return "", fmt.Errorf("failed to insert credential: %w", err)
		}
		return id, nil
	}
	id, err := strconv.ParseInt(cred.ID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidCredentialID, cred.ID)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE api_credentials
		SET user_id = $1, customer_id = $2, api_provider = $3, username = $4, password = $5, api_key = $6, api_secret = $7
		WHERE id = $8`, append(args, id)...)
	if err != nil {
		return "", fmt.Errorf("failed to update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrCredentialNotFound
	}
	return cred.ID, nil
}

// insertSQL builds the conflict-skipping insert for table. Column order
// matches dataPointArgs.
func insertSQL(table string) string {
	cols := append([]string{"device_sn", "customer_id", "api_provider", "timestamp", "state", "faults"}, types.NumericFields()...)
	params := make([]string, len(cols))
	for i := range cols {
		params[i] = "$" + strconv.Itoa(i+1)
	}
	return "INSERT INTO " + pgx.Identifier{table}.Sanitize() +
		" (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(params, ", ") +
		") ON CONFLICT (device_sn, timestamp) DO NOTHING"
}

func dataPointArgs(tags Tags, dp types.DataPoint) ([]any, error) {
	ts, err := dp.Time()
	if err != nil {
		return nil, &types.DataFormatError{Field: "timestamp", Value: dp.Timestamp, Err: err}
	}
	faults := dp.Faults
	if faults == nil {
		faults = []types.Fault{}
	}
	faultsJSON, err := json.Marshal(faults)
	if err != nil {
		return nil, err
	}
	args := []any{tags.DeviceSN, tags.CustomerID, string(tags.Provider), ts, dp.State, faultsJSON}
	for _, v := range dp.Values() {
		args = append(args, v)
	}
	return args, nil
}

// InsertDataPoints writes batch in one transaction with a savepoint per row,
// so a bad row rolls back alone.
func (p *PostgresProvider) InsertDataPoints(ctx context.Context, mode types.Mode, tags Tags, batch []types.DataPoint) (LoadResult, error) {
	var res LoadResult
	table, err := TableName(mode)
	if err != nil {
		return res, err
	}
	if len(batch) == 0 {
		return res, nil
	}
	query := insertSQL(table)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			log.Ctx(ctx).WarnContext(ctx, "failed to rollback transaction", slog.Any("error", err))
		}
	}()

	for _, dp := range batch {
		if err := p.insertRow(ctx, tx, query, tags, dp, &res); err != nil {
			res.Failed++
			log.Ctx(ctx).ErrorContext(ctx, "row insert failed",
				slog.String("table", table),
				slog.Any("error", &types.RowError{DeviceSN: tags.DeviceSN, Timestamp: dp.Timestamp, Err: err}),
			)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return LoadResult{}, fmt.Errorf("failed to commit %s batch: %w", table, err)
	}
	log.Ctx(ctx).DebugContext(ctx, "batch committed",
		slog.String("table", table),
		slog.String("deviceSN", tags.DeviceSN),
		slog.Int("inserted", res.Inserted),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
	)
	return res, nil
}

func (p *PostgresProvider) insertRow(ctx context.Context, tx pgx.Tx, query string, tags Tags, dp types.DataPoint, res *LoadResult) error {
	args, err := dataPointArgs(tags, dp)
	if err != nil {
		return err
	}
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	tag, err := sp.Exec(ctx, query, args...)
	if err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback to savepoint: %v)", err, rbErr)
		}
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		res.Skipped++
	} else {
		res.Inserted++
	}
	return nil
}
