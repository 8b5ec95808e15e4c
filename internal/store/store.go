package store

import (
	"context"
	"time"

	"pollbot/internal/domain"
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// AuditEntry records a schedule-lifecycle event. Keep it compact and
// schema-stable.
type AuditEntry struct {
	At       time.Time
	Action   string
	GroupKey string
	Detail   string
	OK       bool
}

// Store is the persistence authority. The in-memory job registry is a
// cache derived from it; on any mismatch the store wins.
type Store interface {
	// Groups
	UpsertGroup(ctx context.Context, g domain.Group) error
	GetGroup(ctx context.Context, telegramID string) (domain.Group, error)
	ListGroups(ctx context.Context) ([]domain.Group, error)
	DeleteGroup(ctx context.Context, telegramID string) (bool, error)

	// Schedules. CreateSchedule enforces the one-record-per-group
	// invariant itself: it returns domain.ErrConflict when a record for
	// groupKey already exists, and domain.ErrValidation for bad slots.
	CreateSchedule(ctx context.Context, groupKey string, slots []domain.Slot) (domain.ScheduleRecord, error)
	GetSchedule(ctx context.Context, groupKey string) (domain.ScheduleRecord, error)
	ListSchedules(ctx context.Context) ([]domain.ScheduleRecord, error)
	DeleteSchedule(ctx context.Context, groupKey string) (bool, error)

	AppendAudit(ctx context.Context, e AuditEntry) error

	Close() error
}
