package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/platinummonkey/extbridge/pkg/extension"
)

const (
	kindLocal      = "local"
	kindRepository = "repository"
	localGroupsID  = "groups"
)

// SQLStorage implements Store on a documents table holding JSON bodies.
// It runs on SQLite and PostgreSQL; only the placeholder syntax differs.
type SQLStorage struct {
	db     *sql.DB
	driver string
}

// NewSQLStorage opens a database, configures the pool and ensures the schema
func NewSQLStorage(config Config) (*SQLStorage, error) {
	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", config.Driver, err)
	}

	// Configure connection pool
	if config.MaxConns > 0 {
		db.SetMaxOpenConns(config.MaxConns)
	}
	if config.MinConns > 0 {
		db.SetMaxIdleConns(config.MinConns)
	}
	db.SetConnMaxLifetime(config.MaxLifetime)
	db.SetConnMaxIdleTime(config.MaxIdleTime)

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", config.Driver, err)
	}

	s, err := NewSQLStorageFromDB(ctx, db, config.Driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStorageFromDB wraps an open database and ensures the schema
func NewSQLStorageFromDB(ctx context.Context, db *sql.DB, driver string) (*SQLStorage, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &SQLStorage{db: db, driver: driver}
	if err := s.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure documents table: %w", err)
	}
	return s, nil
}

func (s *SQLStorage) ensureTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS extbridge_documents (
		kind VARCHAR(32) NOT NULL,
		id VARCHAR(128) NOT NULL,
		body TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (kind, id)
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// rebind rewrites ? placeholders to $n for PostgreSQL
func (s *SQLStorage) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStorage) put(ctx context.Context, kind, id string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", kind, id, err)
	}

	query := s.rebind(`
		INSERT INTO extbridge_documents (kind, id, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, kind, id, string(body), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store %s %s: %w", kind, id, err)
	}
	return nil
}

// LoadLocalGroups implements LocalStore
func (s *SQLStorage) LoadLocalGroups(ctx context.Context) ([]*extension.Group, error) {
	query := s.rebind(`SELECT body FROM extbridge_documents WHERE kind = ? AND id = ?`)

	var body string
	err := s.db.QueryRowContext(ctx, query, kindLocal, localGroupsID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return []*extension.Group{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load local groups: %w", err)
	}

	var groups []*extension.Group
	if err := json.Unmarshal([]byte(body), &groups); err != nil {
		return nil, fmt.Errorf("failed to unmarshal local groups: %w", err)
	}
	if groups == nil {
		groups = []*extension.Group{}
	}
	return groups, nil
}

// SaveLocalGroups implements LocalStore
func (s *SQLStorage) SaveLocalGroups(ctx context.Context, groups []*extension.Group) error {
	if groups == nil {
		groups = []*extension.Group{}
	}
	return s.put(ctx, kindLocal, localGroupsID, groups)
}

// LoadOnlineRepositories implements RepositoryStore
func (s *SQLStorage) LoadOnlineRepositories(ctx context.Context) ([]extension.Repository, error) {
	query := s.rebind(`SELECT id, body FROM extbridge_documents WHERE kind = ? ORDER BY id`)

	rows, err := s.db.QueryContext(ctx, query, kindRepository)
	if err != nil {
		return nil, fmt.Errorf("failed to list online repositories: %w", err)
	}
	defer rows.Close()

	repos := []extension.Repository{}
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("failed to scan online repository: %w", err)
		}
		var repo extension.Repository
		if err := json.Unmarshal([]byte(body), &repo); err != nil {
			return nil, fmt.Errorf("failed to unmarshal online repository %s: %w", id, err)
		}
		repos = append(repos, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate online repositories: %w", err)
	}
	return repos, nil
}

// SaveOnlineRepository implements RepositoryStore
func (s *SQLStorage) SaveOnlineRepository(ctx context.Context, repo extension.Repository) error {
	if repo.ID == "" {
		return fmt.Errorf("repository has no id")
	}
	return s.put(ctx, kindRepository, repo.ID, repo)
}

// DeleteOnlineRepository implements RepositoryStore
func (s *SQLStorage) DeleteOnlineRepository(ctx context.Context, id string) error {
	query := s.rebind(`DELETE FROM extbridge_documents WHERE kind = ? AND id = ?`)
	if _, err := s.db.ExecContext(ctx, query, kindRepository, id); err != nil {
		return fmt.Errorf("failed to delete online repository %s: %w", id, err)
	}
	return nil
}

// HealthCheck pings the database
func (s *SQLStorage) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%s unhealthy: %w", s.driver, err)
	}
	return nil
}

// DB returns the underlying database
func (s *SQLStorage) DB() *sql.DB {
	return s.db
}

// Close closes the database
func (s *SQLStorage) Close() error {
	return s.db.Close()
}
