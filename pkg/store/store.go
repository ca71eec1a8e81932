// Package store keeps generated apps, their files and the waitlist in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when an app does not exist
var ErrNotFound = errors.New("app not found")

// App is a generated app
type App struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Description string    `json:"description"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// File is one persisted file of an app
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Config holds store configuration
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// Store is the SQLite-backed app store
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and migrates) the database
func Open(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger.With().Str("component", "store").Logger()}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS waitlist (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS apps (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_apps_created ON apps(created_at);

		CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			app_id TEXT NOT NULL,
			path TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(app_id, path),
			FOREIGN KEY (app_id) REFERENCES apps(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_files_app ON files(app_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateApp inserts a new app
func (s *Store) CreateApp(ctx context.Context, app App) error {
	now := time.Now()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO apps (id, slug, description, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		app.ID, app.Slug, app.Description, app.State, app.CreatedAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create app %s: %w", app.ID, err)
	}
	return nil
}

// UpdateAppState records the session state of an app
func (s *Store) UpdateAppState(ctx context.Context, id, state string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE apps SET state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update app %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveFiles replaces the files of an app
func (s *Store) SaveFiles(ctx context.Context, appID string, files map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE app_id = ?`, appID); err != nil {
		return fmt.Errorf("failed to clear files: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO files (app_id, path, content, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for path, content := range files {
		if _, err := stmt.ExecContext(ctx, appID, path, content, now); err != nil {
			return fmt.Errorf("failed to save %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit files: %w", err)
	}
	s.logger.Debug().Str("app_id", appID).Int("files", len(files)).Msg("Saved files")
	return nil
}

// GetApp returns an app by id
func (s *Store) GetApp(ctx context.Context, id string) (App, error) {
	return s.getApp(ctx, `WHERE id = ?`, id)
}

// GetAppBySlug returns an app by slug
func (s *Store) GetAppBySlug(ctx context.Context, slug string) (App, error) {
	return s.getApp(ctx, `WHERE slug = ?`, slug)
}

func (s *Store) getApp(ctx context.Context, where string, arg string) (App, error) {
	var app App
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, description, state, created_at, updated_at FROM apps `+where, arg,
	).Scan(&app.ID, &app.Slug, &app.Description, &app.State, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return App{}, ErrNotFound
	}
	if err != nil {
		return App{}, fmt.Errorf("failed to get app: %w", err)
	}
	app.CreatedAt = time.UnixMilli(created)
	app.UpdatedAt = time.UnixMilli(updated)
	return app, nil
}

// ListFiles returns the files of an app sorted by path
func (s *Store) ListFiles(ctx context.Context, appID string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, content FROM files WHERE app_id = ? ORDER BY path`, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.Path, &f.Content); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// FileMap returns the files of an app keyed by path
func (s *Store) FileMap(ctx context.Context, appID string) (map[string]string, error) {
	files, err := s.ListFiles(ctx, appID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(files))
	for _, f := range files {
		out[f.Path] = f.Content
	}
	return out, nil
}

// AddToWaitlist records an email; adding the same email twice is a no-op
func (s *Store) AddToWaitlist(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return errors.New("email is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO waitlist (email, created_at) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		email, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to add to waitlist: %w", err)
	}
	return nil
}

// Waitlist returns all waitlisted emails in sorted order
func (s *Store) Waitlist(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT email FROM waitlist`)
	if err != nil {
		return nil, fmt.Errorf("failed to list waitlist: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	sort.Strings(emails)
	return emails, rows.Err()
}
