// Package storage persists the newsletter aggregate and the user directory
// in SQLite. Status writes are durable before the caller proceeds; the
// guarded UpdateStatus compare-and-swap is what keeps the scheduled->pending
// handoff race-free.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"newsbot/internal/newsletter"
	logx "newsbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Timestamps are stored as UTC unix milliseconds; comparisons never touch
// wall-clock timezones.
func encodeTime(t time.Time) int64 { return t.UTC().UnixMilli() }

func decodeTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// CreateNewsletter inserts the aggregate (newsletter, media, buttons) in one
// transaction and fills in the generated IDs. CreatedAt is set here if zero.
func (s *Store) CreateNewsletter(ctx context.Context, n *newsletter.Newsletter) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var schedAt any
	if n.ScheduledAt != nil {
		schedAt = encodeTime(*n.ScheduledAt)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO newsletters(creator_id, text, target_audience, content_kind, status, created_at, scheduled_at)
		 VALUES(?,?,?,?,?,?,?)`,
		n.CreatorID, n.Text, string(n.Audience), string(n.Kind), string(n.Status), encodeTime(n.CreatedAt), schedAt,
	)
	if err != nil {
		return err
	}
	n.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}

	if n.Media != nil {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO newsletter_media(newsletter_id, file_id, file_unique_id, kind, file_size, mime_type, file_name)
			 VALUES(?,?,?,?,?,?,?)`,
			n.ID, n.Media.FileID, nullStr(n.Media.UniqueID), string(n.Media.Kind),
			n.Media.Size, nullStr(n.Media.MIMEType), nullStr(n.Media.FileName),
		)
		if err != nil {
			return err
		}
		if n.Media.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	for i := range n.Buttons {
		b := &n.Buttons[i]
		res, err = tx.ExecContext(ctx,
			`INSERT INTO newsletter_buttons(newsletter_id, text, kind, url, callback_data, row_pos, col_pos)
			 VALUES(?,?,?,?,?,?,?)`,
			n.ID, b.Text, string(b.Kind), nullStr(b.URL), nullStr(b.CallbackData), b.Row, b.Col,
		)
		if err != nil {
			return err
		}
		if b.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetNewsletter fetches the aggregate with media, buttons, and creator.
func (s *Store) GetNewsletter(ctx context.Context, id int64) (*newsletter.Newsletter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, creator_id, text, target_audience, content_kind, status, created_at, scheduled_at
		 FROM newsletters WHERE id = ?`, id)
	n, err := scanNewsletter(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadMedia(ctx, n); err != nil {
		return nil, err
	}
	if err := s.loadButtons(ctx, n); err != nil {
		return nil, err
	}
	if err := s.loadCreator(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// ListDue returns scheduled newsletters whose scheduled_at is at or before
// the given instant, oldest first, with creator loaded.
func (s *Store) ListDue(ctx context.Context, before time.Time) ([]*newsletter.Newsletter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, creator_id, text, target_audience, content_kind, status, created_at, scheduled_at
		 FROM newsletters
		 WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC, id ASC`,
		string(newsletter.StatusScheduled), encodeTime(before),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*newsletter.Newsletter
	for rows.Next() {
		n, err := scanNewsletter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, n := range out {
		if err := s.loadCreator(ctx, n); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateStatus performs a guarded status transition. It fails with
// *StatusConflictError if the row is not currently in `from`, and
// ErrNotFound if the id is unknown. The write is committed before return.
func (s *Store) UpdateStatus(ctx context.Context, id int64, from, to newsletter.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE newsletters SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var have string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM newsletters WHERE id = ?`, id).Scan(&have)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return &StatusConflictError{ID: id, Want: from, Have: newsletter.Status(have)}
}

// DeleteNewsletter removes the aggregate; media and buttons go with it via
// the schema's ON DELETE CASCADE.
func (s *Store) DeleteNewsletter(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM newsletters WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSentBefore prunes terminal newsletters created before the cutoff.
// Used by the retention service.
func (s *Store) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM newsletters WHERE status = ? AND created_at < ?`,
		string(newsletter.StatusSent), encodeTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StatsByStatus counts newsletters per lifecycle state.
func (s *Store) StatsByStatus(ctx context.Context) (map[newsletter.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM newsletters GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[newsletter.Status]int{}
	for rows.Next() {
		var raw string
		var count int
		if err := rows.Scan(&raw, &count); err != nil {
			return nil, err
		}
		st, err := newsletter.ParseStatus(raw)
		if err != nil {
			return nil, err
		}
		out[st] = count
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNewsletter(r rowScanner) (*newsletter.Newsletter, error) {
	var (
		n         newsletter.Newsletter
		audience  string
		kind      string
		status    string
		createdMS int64
		schedMS   sql.NullInt64
	)
	err := r.Scan(&n.ID, &n.CreatorID, &n.Text, &audience, &kind, &status, &createdMS, &schedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if n.Audience, err = newsletter.ParseAudience(audience); err != nil {
		return nil, err
	}
	if n.Kind, err = newsletter.ParseContentKind(kind); err != nil {
		return nil, err
	}
	if n.Status, err = newsletter.ParseStatus(status); err != nil {
		return nil, err
	}
	n.CreatedAt = decodeTime(createdMS)
	if schedMS.Valid {
		t := decodeTime(schedMS.Int64)
		n.ScheduledAt = &t
	}
	return &n, nil
}

func (s *Store) loadMedia(ctx context.Context, n *newsletter.Newsletter) error {
	var (
		m      newsletter.Media
		kind   string
		unique sql.NullString
		size   sql.NullInt64
		mime   sql.NullString
		name   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, file_id, file_unique_id, kind, file_size, mime_type, file_name
		 FROM newsletter_media WHERE newsletter_id = ? ORDER BY id LIMIT 1`, n.ID,
	).Scan(&m.ID, &m.FileID, &unique, &kind, &size, &mime, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if m.Kind, err = newsletter.ParseContentKind(kind); err != nil {
		return err
	}
	m.UniqueID = unique.String
	m.Size = size.Int64
	m.MIMEType = mime.String
	m.FileName = name.String
	n.Media = &m
	return nil
}

func (s *Store) loadButtons(ctx context.Context, n *newsletter.Newsletter) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, kind, url, callback_data, row_pos, col_pos
		 FROM newsletter_buttons WHERE newsletter_id = ? ORDER BY row_pos, col_pos, id`, n.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			b    newsletter.Button
			kind string
			url  sql.NullString
			data sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.Text, &kind, &url, &data, &b.Row, &b.Col); err != nil {
			return err
		}
		if b.Kind, err = newsletter.ParseButtonKind(kind); err != nil {
			return err
		}
		b.URL = url.String
		b.CallbackData = data.String
		n.Buttons = append(n.Buttons, b)
	}
	return rows.Err()
}

func (s *Store) loadCreator(ctx context.Context, n *newsletter.Newsletter) error {
	u, err := s.GetUser(ctx, n.CreatorID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	n.Creator = u
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
