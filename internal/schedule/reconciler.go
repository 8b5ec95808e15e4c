package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"pollbot/internal/domain"
	"pollbot/internal/eventbus"
	"pollbot/internal/store"
	kit "pollbot/internal/transport"
	logx "pollbot/pkg/logx"
)

// PollSender is the outbound capability a firing slot needs.
type PollSender interface {
	SendPoll(ctx context.Context, to kit.ChatTarget, p kit.Poll) (kit.MessageRef, error)
}

// Reconciler makes live timers match persisted schedule state. The store
// is the authority; the registry is a cache derived from it.
type Reconciler struct {
	log    logx.Logger
	store  store.Store
	reg    *Registry
	timers Timers
	sender PollSender
	bus    eventbus.Bus

	pollMu      sync.RWMutex
	poll        kit.Poll
	fireTimeout time.Duration
}

func NewReconciler(st store.Store, reg *Registry, timers Timers, sender PollSender, bus eventbus.Bus, poll kit.Poll, log logx.Logger) *Reconciler {
	return &Reconciler{
		log:         log,
		store:       st,
		reg:         reg,
		timers:      timers,
		sender:      sender,
		bus:         bus,
		poll:        poll,
		fireTimeout: 30 * time.Second,
	}
}

// SetPoll swaps the payload used by future firings. Safe to call while
// timers are live; used for config hot-reload.
func (r *Reconciler) SetPoll(p kit.Poll) {
	r.pollMu.Lock()
	r.poll = p
	r.pollMu.Unlock()
}

func (r *Reconciler) pollPayload() kit.Poll {
	r.pollMu.RLock()
	defer r.pollMu.RUnlock()
	return r.poll
}

// CommitDraft persists the draft and materializes one timer per slot.
// When timer creation fails after a successful persist, the record is
// rolled back so a saved-but-silent schedule can never exist.
func (r *Reconciler) CommitDraft(ctx context.Context, d *domain.Draft) (domain.ScheduleRecord, error) {
	if d == nil || len(d.Slots) == 0 {
		return domain.ScheduleRecord{}, fmt.Errorf("%w: draft has no slots", domain.ErrValidation)
	}

	rec, err := r.store.CreateSchedule(ctx, d.GroupKey, d.Slots)
	if err != nil {
		return domain.ScheduleRecord{}, err
	}

	var created []Key
	for _, slot := range rec.Slots {
		k := Key{GroupKey: rec.GroupKey, Day: slot.Day}
		if r.reg.Has(k) {
			// Stale live entry for this key; Register below replaces it
			// atomically, so no explicit stop is needed here.
			r.log.Warn("stale job replaced on commit",
				logx.String("group", k.GroupKey), logx.Int("day", k.Day))
		}
		h, err := r.materialize(rec.GroupKey, slot)
		if err != nil {
			r.rollbackCommit(ctx, rec.GroupKey, created, err)
			return domain.ScheduleRecord{}, fmt.Errorf("materialize %s: %w", slot, err)
		}
		r.reg.Register(k, h)
		created = append(created, k)
	}

	r.publish(eventbus.TypeScheduleCommitted, rec.GroupKey, fmt.Sprintf("%d slots", len(rec.Slots)))
	r.log.Info("schedule committed",
		logx.String("group", rec.GroupKey), logx.Int("slots", len(rec.Slots)))
	return rec, nil
}

// rollbackCommit undoes a partial commit: stops any timers created so
// far and deletes the just-persisted record.
func (r *Reconciler) rollbackCommit(ctx context.Context, groupKey string, created []Key, cause error) {
	for _, k := range created {
		r.reg.UnregisterAndStop(k)
	}
	if _, derr := r.store.DeleteSchedule(ctx, groupKey); derr != nil {
		r.log.Error("rollback delete failed; schedule saved but not firing",
			logx.String("group", groupKey), logx.Err(derr))
	}
	r.log.Warn("schedule commit rolled back", logx.String("group", groupKey), logx.Err(cause))
}

// RemoveSchedule stops every live job for the group, then deletes the
// record. A missing record is benign: (false, nil).
func (r *Reconciler) RemoveSchedule(ctx context.Context, groupKey string) (bool, error) {
	stopped := r.reg.UnregisterAndStopAll(groupKey)
	existed, err := r.store.DeleteSchedule(ctx, groupKey)
	if err != nil {
		return false, fmt.Errorf("delete schedule: %w", err)
	}
	if existed || stopped > 0 {
		r.publish(eventbus.TypeScheduleRemoved, groupKey, fmt.Sprintf("%d jobs stopped", stopped))
		r.log.Info("schedule removed",
			logx.String("group", groupKey), logx.Int("stopped", stopped))
	}
	return existed, nil
}

// OnGroupRemoved handles the bot being kicked or leaving: cascade the
// schedule removal and drop the group record.
func (r *Reconciler) OnGroupRemoved(ctx context.Context, groupKey string) error {
	if _, err := r.RemoveSchedule(ctx, groupKey); err != nil {
		return err
	}
	if _, err := r.store.DeleteGroup(ctx, groupKey); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	r.publish(eventbus.TypeGroupRemoved, groupKey, "")
	r.log.Info("group cleaned up", logx.String("group", groupKey))
	return nil
}

// Rehydrate re-materializes one timer per persisted slot. Timers do not
// survive restarts, so this must run before serving traffic.
func (r *Reconciler) Rehydrate(ctx context.Context) error {
	recs, err := r.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	n := 0
	for _, rec := range recs {
		for _, slot := range rec.Slots {
			h, err := r.materialize(rec.GroupKey, slot)
			if err != nil {
				return fmt.Errorf("rehydrate %s %s: %w", rec.GroupKey, slot, err)
			}
			r.reg.Register(Key{GroupKey: rec.GroupKey, Day: slot.Day}, h)
			n++
		}
	}
	r.log.Info("schedules rehydrated", logx.Int("records", len(recs)), logx.Int("jobs", n))
	return nil
}

func (r *Reconciler) materialize(groupKey string, slot domain.Slot) (Handle, error) {
	return r.timers.Schedule(slot, func() {
		r.fire(groupKey, slot)
	})
}

// fire runs at each weekly trigger. Send failures are logged and
// swallowed: a failed firing never unregisters the job and the timer
// keeps firing on its next occurrence.
func (r *Reconciler) fire(groupKey string, slot domain.Slot) {
	ctx, cancel := context.WithTimeout(context.Background(), r.fireTimeout)
	defer cancel()

	// The group may have been removed after the timer was created;
	// re-check membership at fire time and skip quietly if it is gone.
	g, err := r.store.GetGroup(ctx, groupKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			r.log.Warn("skipping fire, group no longer known",
				logx.String("group", groupKey), logx.String("slot", slot.String()))
		} else {
			r.log.Error("group lookup failed at fire time",
				logx.String("group", groupKey), logx.Err(err))
		}
		return
	}

	chatID, err := chatIDOf(g)
	if err != nil {
		r.log.Error("skipping fire, group has malformed chat id",
			logx.String("group", groupKey), logx.Err(err))
		return
	}

	_, err = r.sender.SendPoll(ctx, kit.ChatTarget{ChatID: chatID}, r.pollPayload())
	if err != nil {
		r.publish(eventbus.TypeJobSendFailed, groupKey, err.Error())
		r.log.Error("poll delivery failed",
			logx.String("group", groupKey), logx.String("slot", slot.String()), logx.Err(err))
		return
	}
	r.publish(eventbus.TypeJobFired, groupKey, slot.String())
	r.log.Info("poll sent",
		logx.String("group", groupKey), logx.String("slot", slot.String()))
}

func chatIDOf(g domain.Group) (int64, error) {
	id, err := strconv.ParseInt(g.TelegramID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chat id %q: %w", g.TelegramID, err)
	}
	return id, nil
}

func (r *Reconciler) publish(typ, groupKey, detail string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, GroupKey: groupKey, Detail: detail})
}
