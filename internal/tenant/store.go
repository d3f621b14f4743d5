package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/assetbay/assetbay/internal/logging"
	"github.com/assetbay/assetbay/internal/metrics"
	"github.com/assetbay/assetbay/internal/storage"
)

// PostgresStore reads tenant storage configs from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool to the given database.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection pool.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other packages.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Migrate applies every *.up.sql file found in migrationsDir, in glob order.
func (s *PostgresStore) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *PostgresStore) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Get returns the tenant's storage config, or (nil, nil) when the tenant
// has no stored preference.
func (s *PostgresStore) Get(ctx context.Context, tenantID string) (*StorageConfig, error) {
	var (
		preferred   sql.NullString
		bucketName  sql.NullString
		credentials []byte
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT preferred_backend, bucket_name, credentials
		 FROM tenant_storage_configs
		 WHERE tenant_id = $1`,
		tenantID,
	).Scan(&preferred, &bucketName, &credentials)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant config %s: %w", tenantID, err)
	}

	cfg := &StorageConfig{
		TenantID:   tenantID,
		BucketName: bucketName.String,
	}

	if preferred.Valid && preferred.String != "" {
		id, err := storage.ParseBackendID(preferred.String)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		cfg.PreferredBackend = &id
	}

	if len(credentials) > 0 {
		if err := json.Unmarshal(credentials, &cfg.Credentials); err != nil {
			return nil, fmt.Errorf("tenant %s: parse credentials: %w", tenantID, err)
		}
	}

	return cfg, nil
}
