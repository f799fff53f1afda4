package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/maxpert/oplogtail/cfg"
	"github.com/rs/zerolog/log"
)

const defaultSQLTable = "oplogtail_checkpoints"

// DDL per driver. Ordinals are stored bit-for-bit as signed 64-bit integers.
var createTableDDL = map[string]string{
	"sqlite3": `CREATE TABLE IF NOT EXISTS %s (
		cluster TEXT NOT NULL,
		replica_set TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		endpoint TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (cluster, replica_set)
	)`,
	"mysql": `CREATE TABLE IF NOT EXISTS %s (
		cluster VARCHAR(191) NOT NULL,
		replica_set VARCHAR(191) NOT NULL,
		ordinal BIGINT NOT NULL,
		endpoint VARCHAR(255) NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (cluster, replica_set)
	)`,
	"postgres": `CREATE TABLE IF NOT EXISTS %s (
		cluster TEXT NOT NULL,
		replica_set TEXT NOT NULL,
		ordinal BIGINT NOT NULL,
		endpoint TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (cluster, replica_set)
	)`,
}

func init() {
	Register(cfg.StoreSQL, func(ctx context.Context, config cfg.CheckpointConfiguration) (Store, error) {
		return NewSQLStore(ctx, config.SQL)
	})
}

// SQLStore persists checkpoints in a relational table
type SQLStore struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
	table   string
}

// NewSQLStore opens the database and creates the checkpoint table if missing
func NewSQLStore(ctx context.Context, config cfg.SQLConfiguration) (*SQLStore, error) {
	ddl, ok := createTableDDL[config.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver: %s", config.Driver)
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("sql checkpoint store requires a dsn")
	}
	table := config.Table
	if table == "" {
		table = defaultSQLTable
	}

	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", config.Driver, err)
	}
	if config.Driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(ddl, table)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}

	log.Info().Str("driver", config.Driver).Str("table", table).Msg("Opened sql checkpoint store")

	return &SQLStore{
		db:      db,
		dialect: goqu.Dialect(config.Driver),
		table:   table,
	}, nil
}

// Read returns the stored ordinal for id
func (s *SQLStore) Read(ctx context.Context, id Identity) (uint64, bool, error) {
	query, args, err := s.dialect.From(s.table).
		Select("ordinal").
		Where(goqu.Ex{"cluster": id.Cluster, "replica_set": id.ReplicaSet}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, false, err
	}

	var ordinal int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&ordinal)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read checkpoint for %s: %w", id, err)
	}
	return uint64(ordinal), true, nil
}

// Write upserts the record for id
func (s *SQLStore) Write(ctx context.Context, id Identity, ordinal uint64, endpoint string) error {
	values := goqu.Record{
		"ordinal":    int64(ordinal),
		"endpoint":   endpoint,
		"updated_at": nowFunc().UnixMilli(),
	}
	row := goqu.Record{"cluster": id.Cluster, "replica_set": id.ReplicaSet}
	for k, v := range values {
		row[k] = v
	}

	query, args, err := s.dialect.Insert(s.table).
		Rows(row).
		OnConflict(goqu.DoUpdate("cluster, replica_set", values)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to write checkpoint for %s: %w", id, err)
	}
	return nil
}

// ListAll returns every row ordered by identity
func (s *SQLStore) ListAll(ctx context.Context) ([]Record, error) {
	query, args, err := s.dialect.From(s.table).
		Select("cluster", "replica_set", "ordinal", "endpoint", "updated_at").
		Order(goqu.I("cluster").Asc(), goqu.I("replica_set").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var (
			rec       Record
			ordinal   int64
			updatedAt int64
		)
		if err := rows.Scan(&rec.Identity.Cluster, &rec.Identity.ReplicaSet, &ordinal, &rec.Endpoint, &updatedAt); err != nil {
			return nil, err
		}
		rec.Ordinal = uint64(ordinal)
		rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database handle
func (s *SQLStore) Close() error {
	return s.db.Close()
}
