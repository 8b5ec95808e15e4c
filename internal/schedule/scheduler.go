package schedule

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"pollbot/internal/domain"
	logx "pollbot/pkg/logx"
)

// Timers turns a slot into a live weekly trigger bound to run. The
// reconciler depends on this interface so tests can inject fakes.
type Timers interface {
	Schedule(slot domain.Slot, run func()) (Handle, error)
}

// CronScheduler drives all weekly triggers off one cron engine pinned to
// a single canonical timezone, so every deployment fires at the same
// wall-clock time.
type CronScheduler struct {
	log logx.Logger
	loc *time.Location

	mu      sync.Mutex
	c       *cron.Cron
	running bool
}

func NewCronScheduler(timezone string, log logx.Logger) (*CronScheduler, error) {
	tz := strings.TrimSpace(timezone)
	if tz == "" {
		tz = "Asia/Seoul"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", tz, err)
	}
	return &CronScheduler{
		log: log,
		loc: loc,
		c:   cron.New(cron.WithLocation(loc)),
	}, nil
}

func (s *CronScheduler) Location() *time.Location { return s.loc }

func (s *CronScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.c.Start()
	s.log.Info("cron scheduler started", logx.String("tz", s.loc.String()))
}

// Stop cancels future firings and waits for in-flight jobs up to ctx.
func (s *CronScheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	done := s.c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("cron scheduler stop timed out", logx.Err(ctx.Err()))
	}
	s.log.Info("cron scheduler stopped")
}

// Schedule registers a weekly trigger for slot. The returned handle only
// removes the cron entry; it never interrupts a run already in progress.
func (s *CronScheduler) Schedule(slot domain.Slot, run func()) (Handle, error) {
	if err := slot.Validate(); err != nil {
		return nil, err
	}
	hh, mm, err := splitHHMM(slot.Time)
	if err != nil {
		return nil, err
	}
	spec := fmt.Sprintf("%d %d * * %d", mm, hh, slot.Day)

	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.c.AddFunc(spec, run)
	if err != nil {
		return nil, fmt.Errorf("add cron entry %q: %w", spec, err)
	}
	s.log.Debug("weekly trigger registered",
		logx.String("spec", spec), logx.String("slot", slot.String()))
	return &cronHandle{c: s.c, id: id}, nil
}

type cronHandle struct {
	c       *cron.Cron
	id      cron.EntryID
	stopped atomic.Bool
}

// Stop is safe to call any number of times and safe to call while the
// entry's job is mid-execution.
func (h *cronHandle) Stop() {
	if h.stopped.CompareAndSwap(false, true) {
		h.c.Remove(h.id)
	}
}

func splitHHMM(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
