package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"pollbot/internal/domain"
	logx "pollbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestScheduleCreateGetDelete(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	slots := []domain.Slot{{Day: 1, Time: "09:00"}, {Day: 3, Time: "09:00"}}
	rec, err := st.CreateSchedule(ctx, "-100123", slots)
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if rec.GroupKey != "-100123" || len(rec.Slots) != 2 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	got, err := st.GetSchedule(ctx, "-100123")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if len(got.Slots) != 2 || got.Slots[0] != slots[0] || got.Slots[1] != slots[1] {
		t.Fatalf("slots round-trip mismatch: %+v", got.Slots)
	}

	deleted, err := st.DeleteSchedule(ctx, "-100123")
	if err != nil || !deleted {
		t.Fatalf("DeleteSchedule = (%v, %v), want (true, nil)", deleted, err)
	}
	deleted, err = st.DeleteSchedule(ctx, "-100123")
	if err != nil || deleted {
		t.Fatalf("second DeleteSchedule = (%v, %v), want (false, nil)", deleted, err)
	}
	if _, err := st.GetSchedule(ctx, "-100123"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetSchedule after delete: %v, want ErrNotFound", err)
	}
}

func TestCreateScheduleConflict(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateSchedule(ctx, "g", []domain.Slot{{Day: 5, Time: "18:30"}}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := st.CreateSchedule(ctx, "g", []domain.Slot{{Day: 2, Time: "10:00"}})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	cases := [][]domain.Slot{
		nil,
		{{Day: 9, Time: "09:00"}},
		{{Day: 1, Time: "25:61"}},
		{{Day: 1, Time: "09:00"}, {Day: 1, Time: "09:00"}},
	}
	for i, slots := range cases {
		if _, err := st.CreateSchedule(ctx, "bad", slots); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("case %d: want ErrValidation, got %v", i, err)
		}
	}
	// Nothing half-written.
	if _, err := st.GetSchedule(ctx, "bad"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound after failed creates, got %v", err)
	}
}

func TestGroupRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	g := domain.Group{TelegramID: "-42", Name: "Math", Type: "supergroup", BotRole: "member"}
	if err := st.UpsertGroup(ctx, g); err != nil {
		t.Fatalf("UpsertGroup: %v", err)
	}
	// Upsert again with a role change.
	g.BotRole = "administrator"
	if err := st.UpsertGroup(ctx, g); err != nil {
		t.Fatalf("UpsertGroup update: %v", err)
	}

	got, err := st.GetGroup(ctx, "-42")
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if got.Name != "Math" || got.BotRole != "administrator" {
		t.Fatalf("unexpected group: %+v", got)
	}

	groups, err := st.ListGroups(ctx)
	if err != nil || len(groups) != 1 {
		t.Fatalf("ListGroups = (%d, %v)", len(groups), err)
	}

	deleted, err := st.DeleteGroup(ctx, "-42")
	if err != nil || !deleted {
		t.Fatalf("DeleteGroup = (%v, %v)", deleted, err)
	}
	if _, err := st.GetGroup(ctx, "-42"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetGroup after delete: %v", err)
	}
}

func TestListSchedules(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateSchedule(ctx, "a", []domain.Slot{{Day: 0, Time: "08:00"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateSchedule(ctx, "b", []domain.Slot{{Day: 6, Time: "20:15"}, {Day: 2, Time: "07:45"}}); err != nil {
		t.Fatal(err)
	}

	recs, err := st.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len = %d, want 2", len(recs))
	}
	if recs[1].GroupKey != "b" || len(recs[1].Slots) != 2 {
		t.Fatalf("unexpected second record: %+v", recs[1])
	}
	// Insertion order of slots is preserved.
	if recs[1].Slots[0] != (domain.Slot{Day: 6, Time: "20:15"}) {
		t.Fatalf("slot order lost: %+v", recs[1].Slots)
	}
}

func TestAppendAudit(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if err := st.AppendAudit(context.Background(), AuditEntry{Action: "schedule.committed", GroupKey: "g", OK: true}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}

func TestParseTSMalformed(t *testing.T) {
	t.Parallel()
	st := openTestStore(t).(*sqliteStore)
	if got := st.parseTS("not-a-timestamp"); !got.IsZero() {
		t.Fatalf("parseTS = %v, want zero time", got)
	}
	ts := st.parseTS("2026-08-31T10:00:00Z")
	if ts.IsZero() {
		t.Fatal("valid timestamp parsed to zero")
	}
}
