package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"sortbox/internal/model"
)

var (
	// ErrNotFound is returned when a mutation targets a tranche that does not exist.
	ErrNotFound = errors.New("tranche not found")
	// ErrOverfill is returned when an update would push a tranche past its target.
	ErrOverfill = errors.New("tranche overfilled")
)

const (
	keyTotalInboxCount = "total_inbox_count"
	keyAIConfig        = "current_ai_config"
)

// SQLiteStore is the durable tranche store. Every mutation runs in its own
// transaction and is committed before the call returns. Reads and writes are
// serialized by mu so a reader never observes a half-applied page.
type SQLiteStore struct {
	db *sqlx.DB
	mu sync.RWMutex

	lmu       sync.Mutex
	listeners []func(trancheID int)
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps :memory: databases coherent and matches the
	// single-writer model.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) runMigrations() error {
	current := 0
	var tables int
	err := s.db.Get(&tables,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// OnChange registers a listener called after every committed mutation.
// trancheID is 0 for set-wide changes (initialize, reset).
func (s *SQLiteStore) OnChange(fn func(trancheID int)) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *SQLiteStore) notify(trancheID int) {
	s.lmu.Lock()
	ls := make([]func(int), len(s.listeners))
	copy(ls, s.listeners)
	s.lmu.Unlock()
	for _, fn := range ls {
		fn(trancheID)
	}
}

type trancheRow struct {
	ID                int    `db:"id"`
	StartIndex        int    `db:"start_index"`
	TotalToFetch      int    `db:"total_to_fetch"`
	FetchedCount      int    `db:"fetched_count"`
	Status            string `db:"status"`
	ContinuationToken string `db:"continuation_token"`
	PageOffset        int    `db:"page_offset"`
	LastError         string `db:"last_error"`
	CooldownUntil     int64  `db:"cooldown_until"`
	UpdatedAt         int64  `db:"updated_at"`
}

func (r trancheRow) toModel() model.Tranche {
	return model.Tranche{
		ID:                r.ID,
		StartIndex:        r.StartIndex,
		TotalToFetch:      r.TotalToFetch,
		FetchedCount:      r.FetchedCount,
		Status:            model.Status(r.Status),
		ContinuationToken: r.ContinuationToken,
		PageOffset:        r.PageOffset,
		LastError:         r.LastError,
		CooldownUntil:     fromMillis(r.CooldownUntil),
		UpdatedAt:         fromMillis(r.UpdatedAt),
	}
}

type itemRow struct {
	ID          string `db:"id"`
	ThreadID    string `db:"thread_id"`
	Snippet     string `db:"snippet"`
	ReceivedAt  int64  `db:"received_at"`
	Subject     string `db:"subject"`
	Sender      string `db:"sender"`
	SenderEmail string `db:"sender_email"`
	Analysis    string `db:"analysis"`
	Processed   bool   `db:"processed"`
}

func (r itemRow) toModel() (model.EnrichedItem, error) {
	it := model.EnrichedItem{
		ID:          r.ID,
		ThreadID:    r.ThreadID,
		Snippet:     r.Snippet,
		ReceivedAt:  fromMillis(r.ReceivedAt),
		Subject:     r.Subject,
		Sender:      r.Sender,
		SenderEmail: r.SenderEmail,
		Processed:   r.Processed,
	}
	if r.Analysis != "" {
		var a model.Analysis
		if err := json.Unmarshal([]byte(r.Analysis), &a); err != nil {
			return it, fmt.Errorf("unmarshal analysis for %s: %w", r.ID, err)
		}
		it.Analysis = &a
	}
	return it, nil
}

const trancheColumns = `id, start_index, total_to_fetch, fetched_count, status,
	continuation_token, page_offset, last_error, cooldown_until, updated_at`

const itemColumns = `id, thread_id, snippet, received_at, subject, sender,
	sender_email, analysis, processed`

// Initialize stores the tranche set and the inbox total, unless a set
// already exists. It reports whether anything was written.
func (s *SQLiteStore) Initialize(ctx context.Context, totalInboxCount int, tranches []model.Tranche) (bool, error) {
	s.mu.Lock()
	created, err := s.initialize(ctx, totalInboxCount, tranches)
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	if created {
		s.notify(0)
	}
	return created, nil
}

func (s *SQLiteStore) initialize(ctx context.Context, total int, tranches []model.Tranche) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.GetContext(ctx, &existing, "SELECT COUNT(*) FROM tranches"); err != nil {
		return false, fmt.Errorf("count tranches: %w", err)
	}
	if existing > 0 {
		return false, nil
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO tranches (id, start_index, total_to_fetch, status, updated_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return false, fmt.Errorf("prepare tranche insert: %w", err)
	}
	defer stmt.Close()

	now := toMillis(time.Now())
	for _, t := range tranches {
		status := t.Status
		if status == "" {
			status = model.StatusPending
		}
		if _, err := stmt.ExecContext(ctx, t.ID, t.StartIndex, t.TotalToFetch, string(status), now); err != nil {
			return false, fmt.Errorf("insert tranche %d: %w", t.ID, err)
		}
	}
	if err := setMeta(ctx, tx, keyTotalInboxCount, fmt.Sprintf("%d", total)); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit initialize: %w", err)
	}
	return true, nil
}

// Get returns the tranche with its items, or nil when it does not exist.
func (s *SQLiteStore) Get(ctx context.Context, id int) (*model.Tranche, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row trancheRow
	err := s.db.GetContext(ctx, &row, "SELECT "+trancheColumns+" FROM tranches WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tranche %d: %w", id, err)
	}
	t := row.toModel()
	items, err := s.items(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Items = items
	return &t, nil
}

// All returns every tranche ordered by id. Items are not loaded.
func (s *SQLiteStore) All(ctx context.Context) ([]model.Tranche, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.all(ctx)
}

func (s *SQLiteStore) all(ctx context.Context) ([]model.Tranche, error) {
	var rows []trancheRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT "+trancheColumns+" FROM tranches ORDER BY id"); err != nil {
		return nil, fmt.Errorf("list tranches: %w", err)
	}
	out := make([]model.Tranche, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// Snapshot returns all tranche headers and the inbox total from one
// consistent read.
func (s *SQLiteStore) Snapshot(ctx context.Context) ([]model.Tranche, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tranches, err := s.all(ctx)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.totalInboxCount(ctx)
	if err != nil {
		return nil, 0, err
	}
	return tranches, total, nil
}

// Items returns the items of a tranche in harvest order.
func (s *SQLiteStore) Items(ctx context.Context, trancheID int) ([]model.EnrichedItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items(ctx, trancheID)
}

func (s *SQLiteStore) items(ctx context.Context, trancheID int) ([]model.EnrichedItem, error) {
	var rows []itemRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+itemColumns+" FROM items WHERE tranche_id = ? ORDER BY seq", trancheID)
	if err != nil {
		return nil, fmt.Errorf("list items of tranche %d: %w", trancheID, err)
	}
	out := make([]model.EnrichedItem, 0, len(rows))
	for _, r := range rows {
		it, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// Upsert merges u into the stored tranche. Appended items and every field
// set in u are committed together.
func (s *SQLiteStore) Upsert(ctx context.Context, id int, u model.Update) error {
	s.mu.Lock()
	err := s.upsert(ctx, id, u)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(id)
	return nil
}

func (s *SQLiteStore) upsert(ctx context.Context, id int, u model.Update) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row trancheRow
	err = tx.GetContext(ctx, &row, "SELECT "+trancheColumns+" FROM tranches WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("upsert tranche %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load tranche %d: %w", id, err)
	}

	sets := []string{"updated_at = ?"}
	args := []any{toMillis(time.Now())}

	if len(u.AppendItems) > 0 {
		var maxSeq int
		if err := tx.GetContext(ctx, &maxSeq,
			"SELECT COALESCE(MAX(seq), 0) FROM items WHERE tranche_id = ?", id); err != nil {
			return fmt.Errorf("read item sequence: %w", err)
		}
		stmt, err := tx.PreparexContext(ctx, `
			INSERT OR IGNORE INTO items (tranche_id, seq, id, thread_id, snippet, received_at, subject, sender, sender_email, analysis, processed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare item insert: %w", err)
		}
		defer stmt.Close()
		for i, it := range u.AppendItems {
			analysis, err := encodeAnalysis(it.Analysis)
			if err != nil {
				return err
			}
			_, err = stmt.ExecContext(ctx, id, maxSeq+i+1, it.ID, it.ThreadID, it.Snippet,
				toMillis(it.ReceivedAt), it.Subject, it.Sender, it.SenderEmail, analysis, it.Processed)
			if err != nil {
				return fmt.Errorf("insert item %s: %w", it.ID, err)
			}
		}
		var count int
		if err := tx.GetContext(ctx, &count, "SELECT COUNT(*) FROM items WHERE tranche_id = ?", id); err != nil {
			return fmt.Errorf("count items: %w", err)
		}
		if count > row.TotalToFetch {
			return fmt.Errorf("tranche %d: %d items for target %d: %w", id, count, row.TotalToFetch, ErrOverfill)
		}
		sets = append(sets, "fetched_count = ?")
		args = append(args, count)
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.ContinuationToken != nil {
		sets = append(sets, "continuation_token = ?")
		args = append(args, *u.ContinuationToken)
	}
	if u.PageOffset != nil {
		sets = append(sets, "page_offset = ?")
		args = append(args, *u.PageOffset)
	}
	if u.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *u.LastError)
	}
	if u.CooldownUntil != nil {
		sets = append(sets, "cooldown_until = ?")
		args = append(args, toMillis(*u.CooldownUntil))
	}

	args = append(args, id)
	query := "UPDATE tranches SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update tranche %d: %w", id, err)
	}
	return tx.Commit()
}

// TotalInboxCount returns the mailbox size recorded at initialization.
func (s *SQLiteStore) TotalInboxCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalInboxCount(ctx)
}

func (s *SQLiteStore) totalInboxCount(ctx context.Context) (int, error) {
	val, err := s.getMeta(ctx, keyTotalInboxCount)
	if err != nil || val == "" {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", keyTotalInboxCount, val, err)
	}
	return n, nil
}

// DeleteTranche removes one tranche and its items.
func (s *SQLiteStore) DeleteTranche(ctx context.Context, id int) error {
	s.mu.Lock()
	err := s.exec(ctx,
		"DELETE FROM items WHERE tranche_id = ?",
		"DELETE FROM tranches WHERE id = ?",
	)(id)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete tranche %d: %w", id, err)
	}
	s.notify(id)
	return nil
}

// Reset clears the tranche set, all items and every metadata key.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	err := s.exec(ctx,
		"DELETE FROM items",
		"DELETE FROM tranches",
		"DELETE FROM metadata",
	)()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	s.notify(0)
	return nil
}

// exec runs the statements in one transaction, each with the same args.
func (s *SQLiteStore) exec(ctx context.Context, stmts ...string) func(args ...any) error {
	return func(args ...any) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return err
			}
		}
		return tx.Commit()
	}
}

// AttachAnalysis stores classifier verdicts on items of one tranche and
// returns how many items were updated.
func (s *SQLiteStore) AttachAnalysis(ctx context.Context, trancheID int, results map[string]model.Analysis) (int, error) {
	if len(results) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	n, err := s.attachAnalysis(ctx, trancheID, results)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	s.notify(trancheID)
	return n, nil
}

func (s *SQLiteStore) attachAnalysis(ctx context.Context, trancheID int, results map[string]model.Analysis) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, "UPDATE items SET analysis = ? WHERE tranche_id = ? AND id = ?")
	if err != nil {
		return 0, fmt.Errorf("prepare analysis update: %w", err)
	}
	defer stmt.Close()

	updated := 0
	for id, a := range results {
		enc, err := encodeAnalysis(&a)
		if err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx, enc, trancheID, id)
		if err != nil {
			return 0, fmt.Errorf("attach analysis to %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			updated++
		}
	}
	return updated, tx.Commit()
}

// MarkProcessed flags items as filed.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, trancheID int, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In("UPDATE items SET processed = 1 WHERE tranche_id = ? AND id IN (?)", trancheID, ids)
	if err != nil {
		return fmt.Errorf("build processed update: %w", err)
	}
	s.mu.Lock()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	s.notify(trancheID)
	return nil
}

// AIConfig returns the persisted classifier selection, or nil when unset.
func (s *SQLiteStore) AIConfig(ctx context.Context) (*model.AIConfig, error) {
	s.mu.RLock()
	val, err := s.getMeta(ctx, keyAIConfig)
	s.mu.RUnlock()
	if err != nil || val == "" {
		return nil, err
	}
	var cfg model.AIConfig
	if err := json.Unmarshal([]byte(val), &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", keyAIConfig, err)
	}
	return &cfg, nil
}

// SetAIConfig persists the classifier selection.
func (s *SQLiteStore) SetAIConfig(ctx context.Context, cfg model.AIConfig) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode ai config: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return setMeta(ctx, s.db, keyAIConfig, string(b))
}

func (s *SQLiteStore) getMeta(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.GetContext(ctx, &val, "SELECT value FROM metadata WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read metadata %s: %w", key, err)
	}
	return val, nil
}

func setMeta(ctx context.Context, ex sqlx.ExecerContext, key, value string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("write metadata %s: %w", key, err)
	}
	return nil
}

func encodeAnalysis(a *model.Analysis) (string, error) {
	if a == nil {
		return "", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode analysis: %w", err)
	}
	return string(b), nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
