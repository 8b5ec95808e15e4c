package core

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"pollbot/internal/domain"
	"pollbot/internal/eventbus"
	"pollbot/internal/schedule"
	"pollbot/internal/store"
	kit "pollbot/internal/transport"
	"pollbot/internal/transport/telegram/router"
	logx "pollbot/pkg/logx"
	"pollbot/pkg/tgui"
)

const testAdminID int64 = 42

type sentText struct {
	to     kit.ChatTarget
	text   string
	markup *tele.ReplyMarkup
}

// recordAdapter captures outbound calls so flow tests can assert on
// the exact texts and keyboards the handlers produce.
type recordAdapter struct {
	mu      sync.Mutex
	texts   []sentText
	polls   []kit.Poll
	deleted []kit.MessageRef
}

func (a *recordAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *recordAdapter) Stop(context.Context) error                     { return nil }

func (a *recordAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := sentText{to: to, text: text}
	if opt != nil {
		if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
			st.markup = rm
		}
	}
	a.texts = append(a.texts, st)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.texts)}, nil
}

func (a *recordAdapter) SendPoll(_ context.Context, to kit.ChatTarget, p kit.Poll) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.polls = append(a.polls, p)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (a *recordAdapter) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, ref)
	return nil
}

func (a *recordAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (a *recordAdapter) lastText(t *testing.T) sentText {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.texts) == 0 {
		t.Fatal("no text sent")
	}
	return a.texts[len(a.texts)-1]
}

func (a *recordAdapter) allTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.texts))
	for _, s := range a.texts {
		out = append(out, s.text)
	}
	return out
}

func newTestApp(t *testing.T) (*App, *recordAdapter) {
	t.Helper()

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cron, err := schedule.NewCronScheduler("Asia/Seoul", logx.Nop())
	if err != nil {
		t.Fatalf("cron: %v", err)
	}

	ad := &recordAdapter{}
	bus := eventbus.New()
	reg := schedule.NewRegistry(logx.Nop())
	sessions := schedule.NewSessions(10*time.Minute, logx.Nop())
	poll := kit.Poll{Question: "ready?", Options: []string{"yes", "no"}}
	rec := schedule.NewReconciler(st, reg, cron, ad, bus, poll, logx.Nop())

	a := &App{
		log:      logx.Nop(),
		adapter:  ad,
		st:       st,
		bus:      bus,
		reg:      reg,
		cron:     cron,
		sessions: sessions,
		rec:      rec,
		rt:       router.New(logx.Nop(), ad, testAdminID),
	}
	a.registerRoutes()
	return a, ad
}

func adminReq(text string) *router.Request {
	return &router.Request{
		Update: kit.Update{
			Kind:    kit.UpdateMessage,
			Message: &kit.Message{ChatID: testAdminID, FromID: testAdminID, Text: text},
		},
		Chat:   kit.ChatTarget{ChatID: testAdminID},
		FromID: testAdminID,
		Logger: logx.Nop(),
	}
}

func callbackReq(data string) *router.Request {
	return &router.Request{
		Update: kit.Update{
			Kind:     kit.UpdateCallback,
			Callback: &kit.Callback{ID: "cb1", FromID: testAdminID, ChatID: testAdminID, MessageID: 7, Data: data},
		},
		Chat:   kit.ChatTarget{ChatID: testAdminID},
		FromID: testAdminID,
		Logger: logx.Nop(),
	}
}

func seedGroup(t *testing.T, a *App, id, name string) {
	t.Helper()
	err := a.st.UpsertGroup(context.Background(), domain.Group{
		TelegramID: id, Name: name, Type: "supergroup", BotRole: "member",
	})
	if err != nil {
		t.Fatalf("seed group: %v", err)
	}
}

func keyboardLabels(rm *tele.ReplyMarkup) []string {
	var out []string
	if rm == nil {
		return out
	}
	for _, row := range rm.InlineKeyboard {
		for _, btn := range row {
			out = append(out, btn.Text)
		}
	}
	return out
}

func TestStartListsGroupsUppercased(t *testing.T) {
	t.Parallel()
	a, ad := newTestApp(t)
	seedGroup(t, a, "-1001", "zoom math")
	seedGroup(t, a, "-1002", "zoom physics")

	if err := a.handleStart(context.Background(), adminReq("/start")); err != nil {
		t.Fatalf("start: %v", err)
	}

	last := ad.lastText(t)
	if last.text != "Select a group to manage schedules:" {
		t.Fatalf("text = %q", last.text)
	}
	labels := keyboardLabels(last.markup)
	if len(labels) != 2 || labels[0] != "ZOOM MATH" || labels[1] != "ZOOM PHYSICS" {
		t.Fatalf("labels = %v", labels)
	}
}

func TestStartSkipsGroupKeyOverCallbackLimit(t *testing.T) {
	t.Parallel()
	a, ad := newTestApp(t)
	seedGroup(t, a, "-1001", "zoom math")
	seedGroup(t, a, strings.Repeat("9", tgui.MaxCallbackDataLen), "broken")

	if err := a.handleStart(context.Background(), adminReq("/start")); err != nil {
		t.Fatalf("start: %v", err)
	}

	last := ad.lastText(t)
	labels := keyboardLabels(last.markup)
	if len(labels) != 1 || labels[0] != "ZOOM MATH" {
		t.Fatalf("labels = %v, want only the valid group", labels)
	}
}

func TestStartWithoutGroups(t *testing.T) {
	t.Parallel()
	a, ad := newTestApp(t)

	if err := a.handleStart(context.Background(), adminReq("/start")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := ad.lastText(t).text; got != "No groups found." {
		t.Fatalf("text = %q", got)
	}
}

func TestAddScheduleFullFlow(t *testing.T) {
	t.Parallel()
	a, ad := newTestApp(t)
	ctx := context.Background()
	seedGroup(t, a, "-1001", "zoom math")

	if err := a.cbAddSchedule(ctx, callbackReq("sched:add:-1001"), "-1001"); err != nil {
		t.Fatalf("add: %v", err)
	}
	day := ad.lastText(t)
	if day.text != "Select a day to set time (click to toggle):" {
		t.Fatalf("day menu text = %q", day.text)
	}
	labels := keyboardLabels(day.markup)
	if len(labels) != 7 || labels[0] != "MONDAY" || labels[6] != "SUNDAY" {
		t.Fatalf("day labels = %v", labels)
	}

	if err := a.cbSelectDay(ctx, callbackReq("sched:day:1"), "1"); err != nil {
		t.Fatalf("select day: %v", err)
	}
	if got := ad.lastText(t).text; got != "Please enter the time for this day (HH:MM):" {
		t.Fatalf("prompt = %q", got)
	}

	if err := a.handleText(ctx, adminReq("09:30")); err != nil {
		t.Fatalf("enter time: %v", err)
	}
	texts := ad.allTexts()
	if texts[len(texts)-2] != "Day and time added!" {
		t.Fatalf("ack = %q", texts[len(texts)-2])
	}
	menu := ad.lastText(t)
	labels = keyboardLabels(menu.markup)
	if labels[0] != "MONDAY ✅" {
		t.Fatalf("toggled label = %q", labels[0])
	}
	if last := labels[len(labels)-1]; last != "Finalize Schedule ✅" {
		t.Fatalf("finalize button = %q", last)
	}

	if err := a.cbFinalize(ctx, callbackReq("sched:finalize:"), ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	sum := ad.lastText(t)
	if !strings.Contains(sum.text, "ZOOM MATH") || !strings.Contains(sum.text, "MONDAY") || !strings.Contains(sum.text, "09:30") {
		t.Fatalf("summary = %q", sum.text)
	}

	if err := a.cbCommit(ctx, callbackReq("sched:commit:yes"), "yes"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	texts = ad.allTexts()
	if texts[len(texts)-2] != "Schedule successfully confirmed and created!" {
		t.Fatalf("success = %q", texts[len(texts)-2])
	}

	rec, err := a.st.GetSchedule(ctx, "-1001")
	if err != nil {
		t.Fatalf("schedule not stored: %v", err)
	}
	if len(rec.Slots) != 1 || rec.Slots[0].Day != 1 || rec.Slots[0].Time != "09:30" {
		t.Fatalf("stored slots = %v", rec.Slots)
	}
	if !a.reg.Has(schedule.Key{GroupKey: "-1001", Day: 1}) {
		t.Fatal("job not registered")
	}
	if a.sessions.StateOf(testAdminID) != schedule.StateIdle {
		t.Fatalf("session state = %v", a.sessions.StateOf(testAdminID))
	}
}

func TestAddScheduleConflict(t *testing.T) {
	t.Parallel()
	a, ad := newTestApp(t)
	ctx := context.Background()
	seedGroup(t, a, "-1001", "zoom math")
	if _, err := a.st.CreateSchedule(ctx, "-1001", []domain.Slot{{Day: 2, Time: "10:00"}}); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}

	if err := a.cbAddSchedule(ctx, callbackReq("sched:add:-1001"), "-1001"); err != nil {
		t.Fatalf("add: %v", err)
	}
	texts := ad.allTexts()
	if texts[len(texts)-2] != "This group already has a schedule." {
		t.Fatalf("got %q", texts[len(texts)-2])
	}
	if a.sessions.StateOf(testAdminID) != schedule.StateIdle {
		t.Fatal("flow should not start on conflict")
	}
}

func TestInvalidTimeReprompts(t *testing.T) {
	t.Parallel()
	a, ad := newTestApp(t)
	ctx := context.Background()
	seedGroup(t, a, "-1001", "zoom math")

	if err := a.cbAddSchedule(ctx, callbackReq("sched:add:-1001"), "-1001"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := a.cbSelectDay(ctx, callbackReq("sched:day:3"), "3"); err != nil {
		t.Fatalf("select day: %v", err)
	}
	if err := a.handleText(ctx, adminReq("25:99")); err != nil {
		t.Fatalf("text: %v", err)
	}
	if got := ad.lastText(t).text; got != "Invalid time format. Please use HH:MM format (e.g., 09:30)." {
		t.Fatalf("got %q", got)
	}
	if a.sessions.StateOf(testAdminID) != schedule.StateAwaitingTime {
		t.Fatal("should stay in time entry after bad input")
	}
}

func TestCommitNoCancelsFlow(t *testing.T) {
	t.Parallel()
	a, ad := newTestApp(t)
	ctx := context.Background()
	seedGroup(t, a, "-1001", "zoom math")

	mustFlowToConfirm(t, a, "-1001")

	if err := a.cbCommit(ctx, callbackReq("sched:commit:no"), "no"); err != nil {
		t.Fatalf("commit no: %v", err)
	}
	texts := ad.allTexts()
	if texts[len(texts)-2] != "Schedule creation canceled." {
		t.Fatalf("got %q", texts[len(texts)-2])
	}
	if _, err := a.st.GetSchedule(ctx, "-1001"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("schedule should not exist, err = %v", err)
	}
	if a.sessions.StateOf(testAdminID) != schedule.StateIdle {
		t.Fatal("session should be idle")
	}
}

func TestRemoveScheduleFlow(t *testing.T) {
	t.Parallel()
	a, ad := newTestApp(t)
	ctx := context.Background()
	seedGroup(t, a, "-1001", "zoom math")

	mustFlowToConfirm(t, a, "-1001")
	if err := a.cbCommit(ctx, callbackReq("sched:commit:yes"), "yes"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := a.cbRemovePrompt(ctx, callbackReq("sched:remove:-1001"), "-1001"); err != nil {
		t.Fatalf("remove prompt: %v", err)
	}
	prompt := ad.lastText(t)
	if prompt.text != "Are you sure you want to remove ALL schedules for group ZOOM MATH?" {
		t.Fatalf("prompt = %q", prompt.text)
	}
	labels := keyboardLabels(prompt.markup)
	if len(labels) != 2 || labels[0] != "Confirm ✅" || labels[1] != "Cancel ❌" {
		t.Fatalf("labels = %v", labels)
	}

	if err := a.cbRemoveYes(ctx, callbackReq("sched:rm_yes:-1001"), "-1001"); err != nil {
		t.Fatalf("remove yes: %v", err)
	}
	texts := ad.allTexts()
	if texts[len(texts)-2] != "All schedules for this group have been successfully removed!" {
		t.Fatalf("got %q", texts[len(texts)-2])
	}
	if _, err := a.st.GetSchedule(ctx, "-1001"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("schedule should be gone, err = %v", err)
	}
	if a.reg.Len() != 0 {
		t.Fatalf("registry len = %d", a.reg.Len())
	}
}

func TestRemoveCanceled(t *testing.T) {
	t.Parallel()
	a, ad := newTestApp(t)
	ctx := context.Background()
	seedGroup(t, a, "-1001", "zoom math")
	if _, err := a.st.CreateSchedule(ctx, "-1001", []domain.Slot{{Day: 5, Time: "18:00"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := a.cbRemoveNo(ctx, callbackReq("sched:rm_no:"), ""); err != nil {
		t.Fatalf("remove no: %v", err)
	}
	texts := ad.allTexts()
	if texts[len(texts)-2] != "Schedule removal canceled." {
		t.Fatalf("got %q", texts[len(texts)-2])
	}
	if _, err := a.st.GetSchedule(ctx, "-1001"); err != nil {
		t.Fatalf("schedule should survive: %v", err)
	}
}

func TestTextIgnoredWhenIdle(t *testing.T) {
	t.Parallel()
	a, ad := newTestApp(t)

	if err := a.handleText(context.Background(), adminReq("hello")); err != nil {
		t.Fatalf("text: %v", err)
	}
	if got := len(ad.allTexts()); got != 0 {
		t.Fatalf("sent %d messages, want 0", got)
	}
}

func TestMembershipUpsertAndCascade(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t)
	ctx := context.Background()

	join := &router.Request{
		Update: kit.Update{
			Kind: kit.UpdateMembership,
			Membership: &kit.Membership{
				ChatID: -2001, ChatTitle: "Zoom English", ChatType: "supergroup",
				OldRole: "left", NewRole: "member",
			},
		},
		FromID: testAdminID,
		Logger: logx.Nop(),
	}
	if err := a.handleMembership(ctx, join); err != nil {
		t.Fatalf("join: %v", err)
	}
	g, err := a.st.GetGroup(ctx, "-2001")
	if err != nil {
		t.Fatalf("group not stored: %v", err)
	}
	if g.Name != "Zoom English" || g.BotRole != "member" {
		t.Fatalf("group = %+v", g)
	}

	if _, err := a.st.CreateSchedule(ctx, "-2001", []domain.Slot{{Day: 0, Time: "08:00"}}); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}

	kick := &router.Request{
		Update: kit.Update{
			Kind: kit.UpdateMembership,
			Membership: &kit.Membership{
				ChatID: -2001, ChatTitle: "Zoom English", ChatType: "supergroup",
				OldRole: "member", NewRole: "kicked",
			},
		},
		FromID: testAdminID,
		Logger: logx.Nop(),
	}
	if err := a.handleMembership(ctx, kick); err != nil {
		t.Fatalf("kick: %v", err)
	}
	if _, err := a.st.GetGroup(ctx, "-2001"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("group should be deleted, err = %v", err)
	}
	if _, err := a.st.GetSchedule(ctx, "-2001"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("schedule should be deleted, err = %v", err)
	}
}

func TestMembershipUnnamedGroupFallback(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t)
	ctx := context.Background()

	req := &router.Request{
		Update: kit.Update{
			Kind: kit.UpdateMembership,
			Membership: &kit.Membership{
				ChatID: -2002, ChatType: "group", OldRole: "left", NewRole: "administrator",
			},
		},
		FromID: testAdminID,
		Logger: logx.Nop(),
	}
	if err := a.handleMembership(ctx, req); err != nil {
		t.Fatalf("membership: %v", err)
	}
	g, err := a.st.GetGroup(ctx, "-2002")
	if err != nil {
		t.Fatalf("group not stored: %v", err)
	}
	if g.Name != "Unnamed Group" {
		t.Fatalf("name = %q", g.Name)
	}
}

// mustFlowToConfirm drives the session to the confirmation step with a
// single Monday 09:30 slot.
func mustFlowToConfirm(t *testing.T, a *App, groupKey string) {
	t.Helper()
	ctx := context.Background()
	if err := a.cbAddSchedule(ctx, callbackReq("sched:add:"+groupKey), groupKey); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := a.cbSelectDay(ctx, callbackReq("sched:day:1"), strconv.Itoa(1)); err != nil {
		t.Fatalf("select day: %v", err)
	}
	if err := a.handleText(ctx, adminReq("09:30")); err != nil {
		t.Fatalf("time: %v", err)
	}
	if err := a.cbFinalize(ctx, callbackReq("sched:finalize:"), ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}
}
