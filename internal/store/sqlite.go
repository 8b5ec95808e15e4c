package store

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

	"pollbot/internal/domain"
	logx "pollbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (or creates) the SQLite database at cfg.Path, applies
// pragmas, runs migrations and returns the store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
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

// ---- Groups ----

func (s *sqliteStore) UpsertGroup(ctx context.Context, g domain.Group) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups(telegram_id, name, type, bot_role, created_at, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(telegram_id) DO UPDATE SET
		   name=excluded.name, type=excluded.type,
		   bot_role=excluded.bot_role, updated_at=excluded.updated_at`,
		g.TelegramID, g.Name, g.Type, g.BotRole, now, now,
	)
	return err
}

func (s *sqliteStore) GetGroup(ctx context.Context, telegramID string) (domain.Group, error) {
	var g domain.Group
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT telegram_id, name, type, bot_role, created_at, updated_at
		 FROM groups WHERE telegram_id = ?`, telegramID,
	).Scan(&g.TelegramID, &g.Name, &g.Type, &g.BotRole, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Group{}, fmt.Errorf("group %s: %w", telegramID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Group{}, err
	}
	g.CreatedAt = s.parseTS(created)
	g.UpdatedAt = s.parseTS(updated)
	return g, nil
}

func (s *sqliteStore) ListGroups(ctx context.Context) ([]domain.Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT telegram_id, name, type, bot_role, created_at, updated_at
		 FROM groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Group
	for rows.Next() {
		var g domain.Group
		var created, updated string
		if err := rows.Scan(&g.TelegramID, &g.Name, &g.Type, &g.BotRole, &created, &updated); err != nil {
			return nil, err
		}
		g.CreatedAt = s.parseTS(created)
		g.UpdatedAt = s.parseTS(updated)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteGroup(ctx context.Context, telegramID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE telegram_id = ?`, telegramID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ---- Schedules ----

func (s *sqliteStore) CreateSchedule(ctx context.Context, groupKey string, slots []domain.Slot) (domain.ScheduleRecord, error) {
	if err := domain.ValidateSlots(slots); err != nil {
		return domain.ScheduleRecord{}, err
	}
	if len(slots) == 0 {
		return domain.ScheduleRecord{}, fmt.Errorf("%w: schedule needs at least one slot", domain.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScheduleRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// The unique-record invariant is enforced here, not by callers.
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM schedules WHERE group_id = ?`, groupKey).Scan(&exists)
	if err == nil {
		return domain.ScheduleRecord{}, fmt.Errorf("group %s: %w", groupKey, domain.ErrConflict)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduleRecord{}, err
	}

	now := time.Now().UTC()
	ts := now.Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schedules(group_id, created_at, updated_at) VALUES(?,?,?)`,
		groupKey, ts, ts,
	); err != nil {
		return domain.ScheduleRecord{}, err
	}
	for i, sl := range slots {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schedule_slots(group_id, pos, day, time) VALUES(?,?,?,?)`,
			groupKey, i, sl.Day, sl.Time,
		); err != nil {
			return domain.ScheduleRecord{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ScheduleRecord{}, err
	}

	rec := domain.ScheduleRecord{
		GroupKey:  groupKey,
		Slots:     append([]domain.Slot(nil), slots...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return rec, nil
}

func (s *sqliteStore) GetSchedule(ctx context.Context, groupKey string) (domain.ScheduleRecord, error) {
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM schedules WHERE group_id = ?`, groupKey,
	).Scan(&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduleRecord{}, fmt.Errorf("schedule for %s: %w", groupKey, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ScheduleRecord{}, err
	}

	slots, err := s.slotsFor(ctx, groupKey)
	if err != nil {
		return domain.ScheduleRecord{}, err
	}
	return domain.ScheduleRecord{
		GroupKey:  groupKey,
		Slots:     slots,
		CreatedAt: s.parseTS(created),
		UpdatedAt: s.parseTS(updated),
	}, nil
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]domain.ScheduleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, created_at, updated_at FROM schedules ORDER BY group_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduleRecord
	for rows.Next() {
		var rec domain.ScheduleRecord
		var created, updated string
		if err := rows.Scan(&rec.GroupKey, &created, &updated); err != nil {
			return nil, err
		}
		rec.CreatedAt = s.parseTS(created)
		rec.UpdatedAt = s.parseTS(updated)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		slots, err := s.slotsFor(ctx, out[i].GroupKey)
		if err != nil {
			return nil, err
		}
		out[i].Slots = slots
	}
	return out, nil
}

func (s *sqliteStore) slotsFor(ctx context.Context, groupKey string) ([]domain.Slot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, time FROM schedule_slots WHERE group_id = ? ORDER BY pos`, groupKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []domain.Slot
	for rows.Next() {
		var sl domain.Slot
		if err := rows.Scan(&sl.Day, &sl.Time); err != nil {
			return nil, err
		}
		slots = append(slots, sl)
	}
	return slots, rows.Err()
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, groupKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE group_id = ?`, groupKey)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ---- Audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, action, group_key, detail, ok) VALUES(?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Action, e.GroupKey, nullStr(e.Detail), ok,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// parseTS decodes a stored RFC3339 timestamp. A malformed value means
// the row was written outside this code; keep the zero time but leave
// a trace instead of hiding it.
func (s *sqliteStore) parseTS(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		s.log.Warn("malformed timestamp in database", logx.String("value", v), logx.Err(err))
		return time.Time{}
	}
	return t
}
