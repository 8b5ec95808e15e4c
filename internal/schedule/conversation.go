package schedule

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pollbot/internal/domain"
	logx "pollbot/pkg/logx"
)

// State of one administrator conversation.
type State int

const (
	StateIdle State = iota
	StateSelectingDay
	StateAwaitingTime
	StateAwaitingConfirm
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSelectingDay:
		return "selecting_day"
	case StateAwaitingTime:
		return "awaiting_time"
	case StateAwaitingConfirm:
		return "awaiting_confirm"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrBadState is returned when an input arrives in a state that cannot
// accept it (stale button press, free text outside a flow).
var ErrBadState = errors.New("unexpected conversation state")

type session struct {
	state     State
	draft     *domain.Draft
	updatedAt time.Time
}

// Sessions maps an administrator identity to conversation state. One
// conversation per administrator; sessions expire after ttl of
// inactivity and revert to idle, discarding the draft.
type Sessions struct {
	mu  sync.Mutex
	m   map[int64]*session
	ttl time.Duration
	log logx.Logger
	now func() time.Time
}

func NewSessions(ttl time.Duration, log logx.Logger) *Sessions {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Sessions{
		m:   make(map[int64]*session),
		ttl: ttl,
		log: log,
		now: time.Now,
	}
}

func (s *Sessions) touch(adminID int64) *session {
	sess := s.m[adminID]
	if sess == nil {
		sess = &session{state: StateIdle, draft: nil}
		s.m[adminID] = sess
	}
	sess.updatedAt = s.now()
	return sess
}

// StateOf returns the current state for adminID.
func (s *Sessions) StateOf(adminID int64) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.m[adminID]; ok {
		return sess.state
	}
	return StateIdle
}

// Draft returns a copy of the current draft, or nil when no flow is
// active.
func (s *Sessions) Draft(adminID int64) *domain.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[adminID]
	if !ok || sess.draft == nil {
		return nil
	}
	cp := *sess.draft
	cp.Slots = append([]domain.Slot(nil), sess.draft.Slots...)
	return &cp
}

// Begin starts the add-schedule flow for a group. The caller must have
// verified that no schedule exists for the group yet.
func (s *Sessions) Begin(adminID int64, groupKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.touch(adminID)
	if sess.state != StateIdle {
		return fmt.Errorf("%w: flow already active (%s)", ErrBadState, sess.state)
	}
	sess.state = StateSelectingDay
	sess.draft = &domain.Draft{GroupKey: groupKey, SelectedDay: -1}
	return nil
}

// SelectDay records the day awaiting a time entry.
func (s *Sessions) SelectDay(adminID int64, day int) error {
	if day < domain.MinDay || day > domain.MaxDay {
		return fmt.Errorf("%w: day %d out of range", domain.ErrValidation, day)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.touch(adminID)
	if sess.state != StateSelectingDay || sess.draft == nil {
		return fmt.Errorf("%w: select_day in %s", ErrBadState, sess.state)
	}
	sess.draft.SelectedDay = day
	sess.state = StateAwaitingTime
	return nil
}

// EnterTime interprets free text as the time for the selected day. On a
// malformed time the state (and the selected day) is kept so the
// administrator can simply try again.
func (s *Sessions) EnterTime(adminID int64, text string) (domain.Slot, error) {
	t := strings.TrimSpace(text)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.touch(adminID)
	if sess.state != StateAwaitingTime || sess.draft == nil || sess.draft.SelectedDay < 0 {
		return domain.Slot{}, fmt.Errorf("%w: time entry in %s", ErrBadState, sess.state)
	}
	if !domain.IsValidTime(t) {
		return domain.Slot{}, fmt.Errorf("%w: time %q is not HH:MM", domain.ErrValidation, t)
	}
	day := sess.draft.SelectedDay
	sess.draft.SetSlot(day, t)
	sess.draft.SelectedDay = -1
	sess.state = StateSelectingDay
	return domain.Slot{Day: day, Time: t}, nil
}

// Finalize moves to the confirmation step; it requires at least one slot
// and otherwise keeps the day menu open.
func (s *Sessions) Finalize(adminID int64) (*domain.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.touch(adminID)
	if sess.state != StateSelectingDay || sess.draft == nil {
		return nil, fmt.Errorf("%w: finalize in %s", ErrBadState, sess.state)
	}
	if len(sess.draft.Slots) == 0 {
		return nil, fmt.Errorf("%w: no slots selected", domain.ErrValidation)
	}
	sess.state = StateAwaitingConfirm
	return sess.draft, nil
}

// Confirm ends the flow and hands the draft to the caller for commit.
// The session reverts to idle no matter what the commit then does, so a
// failed commit never leaves a stale draft behind.
func (s *Sessions) Confirm(adminID int64) (*domain.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.touch(adminID)
	if sess.state != StateAwaitingConfirm || sess.draft == nil {
		return nil, fmt.Errorf("%w: confirm in %s", ErrBadState, sess.state)
	}
	d := sess.draft
	sess.state = StateIdle
	sess.draft = nil
	return d, nil
}

// Cancel discards any active flow. Safe to call in any state.
func (s *Sessions) Cancel(adminID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.touch(adminID)
	sess.state = StateIdle
	sess.draft = nil
}

// ExpireStale reverts sessions idle after the inactivity window and
// returns how many were expired. Run periodically by the app.
func (s *Sessions) ExpireStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.ttl)
	n := 0
	for id, sess := range s.m {
		if sess.state != StateIdle && sess.updatedAt.Before(cutoff) {
			s.log.Info("conversation expired",
				logx.Int64("admin", id), logx.String("state", sess.state.String()))
			sess.state = StateIdle
			sess.draft = nil
			n++
		}
	}
	return n
}
