package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/juju/errors"
	_ "github.com/lib/pq"
	"github.com/spf13/cast"

	"github.com/warriorguo/taskgraph/store"
	"github.com/warriorguo/taskgraph/types"
)

var (
	_ store.Repository = &pgStore{}
)

// Config holds PostgreSQL connection configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "taskgraph",
		SSLMode:  "disable",
	}
}

// FromOptions converts the engine level connection settings.
func FromOptions(c *types.PostgresConfig) *Config {
	return &Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Database: c.Database,
		SSLMode:  c.SSLMode,
	}
}

// pgStore keeps one row per run in the run_snapshot table
type pgStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL repository with the given configuration
func NewPostgresStore(config *Config) (store.Repository, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open postgres connection")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Annotatef(err, "failed to ping postgres")
	}

	s := &pgStore{db: db}
	if err := s.initTable(context.Background()); err != nil {
		db.Close()
		return nil, errors.Annotatef(err, "failed to initialize table")
	}
	return s, nil
}

// NewPostgresStoreWithDB creates a new PostgreSQL repository with an existing database connection
func NewPostgresStoreWithDB(db *sql.DB) (store.Repository, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}

	s := &pgStore{db: db}
	if err := s.initTable(context.Background()); err != nil {
		return nil, errors.Annotatef(err, "failed to initialize table")
	}
	return s, nil
}

func (p *pgStore) initTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS run_snapshot (
			run_id BIGINT PRIMARY KEY,
			graph TEXT NOT NULL,
			graph_version BIGINT NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			state_version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`

	_, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return errors.Annotatef(err, "failed to create table")
	}
	return nil
}

func (p *pgStore) Create(ctx context.Context, snap *types.Snapshot) error {
	query := `
		INSERT INTO run_snapshot (run_id, graph, graph_version, state, state_version)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO NOTHING
	`

	result, err := p.db.ExecContext(ctx, query, snap.RunID, snap.Graph, snap.GraphVersion, snap.State, snap.StateVersion)
	if err != nil {
		return errors.Annotatef(err, "failed to create run=%d", snap.RunID)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if affected == 0 {
		return errors.AlreadyExistsf("run %d", snap.RunID)
	}
	return nil
}

func (p *pgStore) Load(ctx context.Context, runID int64) (*types.Snapshot, error) {
	query := `SELECT graph, graph_version, state, state_version FROM run_snapshot WHERE run_id = $1`

	snap := &types.Snapshot{RunID: runID}
	err := p.db.QueryRowContext(ctx, query, runID).Scan(&snap.Graph, &snap.GraphVersion, &snap.State, &snap.StateVersion)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Annotatef(err, "failed to load run=%d", runID)
	}
	return snap, nil
}

// Save relies on the row versions in the WHERE clause, so no explicit
// transaction is needed for the compare-and-swap.
func (p *pgStore) Save(ctx context.Context, snap *types.Snapshot) (types.SaveStatus, error) {
	query := `
		UPDATE run_snapshot SET
			graph = $2,
			graph_version = CASE WHEN graph = $2 THEN graph_version ELSE graph_version + 1 END,
			state = $3,
			state_version = CASE WHEN state = $3 THEN state_version ELSE state_version + 1 END,
			updated_at = CURRENT_TIMESTAMP
		WHERE run_id = $1 AND graph_version = $4 AND state_version = $5
		RETURNING graph_version, state_version
	`

	var graphVersion, stateVersion int64
	err := p.db.QueryRowContext(ctx, query, snap.RunID, snap.Graph, snap.State, snap.GraphVersion, snap.StateVersion).
		Scan(&graphVersion, &stateVersion)
	if err == nil {
		snap.GraphVersion, snap.StateVersion = graphVersion, stateVersion
		return types.SaveOK, nil
	}
	if err != sql.ErrNoRows {
		return types.SaveOK, errors.Annotatef(err, "failed to save run=%d", snap.RunID)
	}

	stored, err := p.Load(ctx, snap.RunID)
	if err != nil {
		return types.SaveOK, errors.Trace(err)
	}
	if stored == nil {
		return types.SaveOK, errors.NotFoundf("run %d", snap.RunID)
	}
	return types.SaveVersionConflict, nil
}

func (p *pgStore) Remove(ctx context.Context, runID int64) error {
	query := `DELETE FROM run_snapshot WHERE run_id = $1`

	_, err := p.db.ExecContext(ctx, query, runID)
	if err != nil {
		return errors.Annotatef(err, "failed to remove run=%d", runID)
	}
	return nil
}

func (p *pgStore) List(ctx context.Context, iterator func(runID int64) bool) error {
	query := `SELECT run_id FROM run_snapshot ORDER BY run_id`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return errors.Annotatef(err, "failed to list runs")
	}
	defer rows.Close()

	for rows.Next() {
		var runID int64
		if err := rows.Scan(&runID); err != nil {
			return errors.Annotatef(err, "failed to scan run id")
		}
		if !iterator(runID) {
			break
		}
	}

	if err := rows.Err(); err != nil {
		return errors.Annotatef(err, "error iterating rows")
	}
	return nil
}

// Close closes the database connection
func (p *pgStore) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// DSN builds a PostgreSQL connection string from Config
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

var validSSLModes = map[string]bool{
	"disable":     true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate checks the configuration, an empty SSLMode becomes "disable"
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.NotValidf("empty host")
	case c.Port <= 0 || c.Port > 65535:
		return errors.NotValidf("port %d", c.Port)
	case c.User == "":
		return errors.NotValidf("empty user")
	case c.Database == "":
		return errors.NotValidf("empty database")
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if !validSSLModes[c.SSLMode] {
		return errors.NotValidf("sslmode %s", c.SSLMode)
	}
	return nil
}

// ParseDSN parses a PostgreSQL connection string into a Config
// Format: "host=localhost port=5432 user=postgres password=secret dbname=taskgraph sslmode=disable"
func ParseDSN(dsn string) (*Config, error) {
	config := DefaultConfig()

	for _, part := range strings.Fields(dsn) {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}

		switch key {
		case "host":
			config.Host = value
		case "port":
			port, err := cast.ToIntE(value)
			if err != nil {
				return nil, errors.NotValidf("port %q", value)
			}
			config.Port = port
		case "user":
			config.User = value
		case "password":
			config.Password = value
		case "dbname":
			config.Database = value
		case "sslmode":
			config.SSLMode = value
		}
	}

	return config, config.Validate()
}
