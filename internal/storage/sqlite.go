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

	"livesched/internal/recurrence"
	logx "livesched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- rules ---

func (s *sqliteStore) UpsertRule(ctx context.Context, rule recurrence.Rule) error {
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rules(id, author_id, title_template, description_template, frequency,
		                   start_time, timezone, duration_minutes, weekday, day_of_month,
		                   active, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   author_id=excluded.author_id,
		   title_template=excluded.title_template,
		   description_template=excluded.description_template,
		   frequency=excluded.frequency,
		   start_time=excluded.start_time,
		   timezone=excluded.timezone,
		   duration_minutes=excluded.duration_minutes,
		   weekday=excluded.weekday,
		   day_of_month=excluded.day_of_month,
		   active=excluded.active,
		   updated_at=excluded.updated_at`,
		rule.ID, rule.AuthorID, rule.TitleTemplate, rule.DescriptionTemplate,
		string(rule.Frequency), rule.StartTime, rule.Timezone, rule.DurationMinutes,
		nullWeekday(rule.Weekday), nullInt(rule.DayOfMonth), boolInt(rule.Active),
		formatTime(rule.CreatedAt), formatTime(rule.UpdatedAt),
	)
	return err
}

const ruleColumns = `id, author_id, title_template, description_template, frequency,
	start_time, timezone, duration_minutes, weekday, day_of_month, active, created_at, updated_at`

func (s *sqliteStore) GetRule(ctx context.Context, id string) (recurrence.Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return recurrence.Rule{}, ErrNotFound
	}
	return rule, err
}

func (s *sqliteStore) ListRules(ctx context.Context, activeOnly bool) ([]recurrence.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []recurrence.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (s *sqliteStore) SetRuleActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteRule(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	// Materialized streams survive the rule; only the back-reference goes.
	if _, err := tx.ExecContext(ctx,
		`UPDATE streams SET rule_id = NULL, updated_at = ? WHERE rule_id = ?`,
		formatTime(time.Now().UTC()), id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// --- streams ---

func (s *sqliteStore) CreateStreamIfAbsent(ctx context.Context, st Stream) (bool, error) {
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	if st.Status == "" {
		st.Status = StatusScheduled
	}

	// DO NOTHING covers the (rule_id, starts_at) unique index; a losing
	// concurrent insert surfaces as zero affected rows, not an error.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO streams(id, rule_id, author_id, title, description, status,
		                     starts_at, ends_at, actual_start, actual_end, auto_start,
		                     current_viewers, peak_viewers, total_views, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT DO NOTHING`,
		st.ID, nullStr(st.RuleID), st.AuthorID, st.Title, st.Description, string(st.Status),
		formatTime(st.StartsAt), nullTime2(st.EndsAt), nullTime(st.ActualStart), nullTime(st.ActualEnd),
		boolInt(st.AutoStart), st.CurrentViewers, st.PeakViewers, st.TotalViews,
		formatTime(st.CreatedAt), formatTime(st.UpdatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const streamColumns = `id, rule_id, author_id, title, description, status,
	starts_at, ends_at, actual_start, actual_end, auto_start,
	current_viewers, peak_viewers, total_views, created_at, updated_at`

func (s *sqliteStore) GetStream(ctx context.Context, id string) (Stream, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = ?`, id)
	st, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Stream{}, ErrNotFound
	}
	return st, err
}

func (s *sqliteStore) ListStreamsByRule(ctx context.Context, ruleID string) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE rule_id = ? ORDER BY starts_at ASC, id ASC`,
		ruleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStreams(rows)
}

func (s *sqliteStore) DueScheduled(ctx context.Context, now time.Time, grace time.Duration) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+streamColumns+` FROM streams
		 WHERE status = 'scheduled' AND auto_start = 1
		   AND starts_at <= ? AND starts_at >= ?
		 ORDER BY starts_at ASC`,
		formatTime(now), formatTime(now.Add(-grace)),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStreams(rows)
}

func (s *sqliteStore) OverdueLive(ctx context.Context, now time.Time) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+streamColumns+` FROM streams
		 WHERE status = 'live' AND ends_at IS NOT NULL AND ends_at <= ?
		 ORDER BY ends_at ASC`,
		formatTime(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStreams(rows)
}

func (s *sqliteStore) MarkLive(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id,
		`UPDATE streams SET status = 'live', actual_start = ?, updated_at = ?
		 WHERE id = ? AND status = 'scheduled'`, at)
}

func (s *sqliteStore) MarkEnded(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id,
		`UPDATE streams SET status = 'ended', actual_end = ?, updated_at = ?
		 WHERE id = ? AND status = 'live'`, at)
}

func (s *sqliteStore) transition(ctx context.Context, id, query string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, query, formatTime(at), formatTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM streams
		 WHERE status = 'ended' AND actual_end IS NOT NULL AND actual_end < ?`,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqliteStore) JoinViewer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE streams SET
		   current_viewers = current_viewers + 1,
		   total_views = total_views + 1,
		   peak_viewers = MAX(peak_viewers, current_viewers + 1),
		   updated_at = ?
		 WHERE id = ?`,
		formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *sqliteStore) LeaveViewer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE streams SET
		   current_viewers = MAX(current_viewers - 1, 0),
		   updated_at = ?
		 WHERE id = ?`,
		formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (recurrence.Rule, error) {
	var (
		rule       recurrence.Rule
		frequency  string
		weekday    sql.NullInt64
		dayOfMonth sql.NullInt64
		active     int
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(
		&rule.ID, &rule.AuthorID, &rule.TitleTemplate, &rule.DescriptionTemplate,
		&frequency, &rule.StartTime, &rule.Timezone, &rule.DurationMinutes,
		&weekday, &dayOfMonth, &active, &createdAt, &updatedAt,
	)
	if err != nil {
		return recurrence.Rule{}, err
	}

	rule.Frequency = recurrence.Frequency(frequency)
	rule.Active = active != 0
	if weekday.Valid {
		day := time.Weekday(weekday.Int64)
		rule.Weekday = &day
	}
	if dayOfMonth.Valid {
		dom := int(dayOfMonth.Int64)
		rule.DayOfMonth = &dom
	}
	if rule.CreatedAt, err = parseTime(createdAt); err != nil {
		return recurrence.Rule{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rule.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return recurrence.Rule{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return rule, nil
}

func scanStream(row rowScanner) (Stream, error) {
	var (
		st          Stream
		ruleID      sql.NullString
		status      string
		startsAt    string
		endsAt      sql.NullString
		actualStart sql.NullString
		actualEnd   sql.NullString
		autoStart   int
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(
		&st.ID, &ruleID, &st.AuthorID, &st.Title, &st.Description, &status,
		&startsAt, &endsAt, &actualStart, &actualEnd, &autoStart,
		&st.CurrentViewers, &st.PeakViewers, &st.TotalViews, &createdAt, &updatedAt,
	)
	if err != nil {
		return Stream{}, err
	}

	st.RuleID = ruleID.String
	st.Status = StreamStatus(status)
	st.AutoStart = autoStart != 0
	if st.StartsAt, err = parseTime(startsAt); err != nil {
		return Stream{}, fmt.Errorf("parse starts_at: %w", err)
	}
	if endsAt.Valid {
		if st.EndsAt, err = parseTime(endsAt.String); err != nil {
			return Stream{}, fmt.Errorf("parse ends_at: %w", err)
		}
	}
	if st.ActualStart, err = parseTimePtr(actualStart); err != nil {
		return Stream{}, fmt.Errorf("parse actual_start: %w", err)
	}
	if st.ActualEnd, err = parseTimePtr(actualEnd); err != nil {
		return Stream{}, fmt.Errorf("parse actual_end: %w", err)
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return Stream{}, fmt.Errorf("parse created_at: %w", err)
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Stream{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return st, nil
}

func collectStreams(rows *sql.Rows) ([]Stream, error) {
	var streams []Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		streams = append(streams, st)
	}
	return streams, rows.Err()
}

// --- value helpers ---

// timeLayout is fixed width so stored timestamps compare correctly as
// text in SQL range queries.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullTime2(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullWeekday(v *time.Weekday) any {
	if v == nil {
		return nil
	}
	return int(*v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
