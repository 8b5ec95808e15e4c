package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"pollbot/internal/domain"
	"pollbot/internal/schedule"
	kit "pollbot/internal/transport"
	"pollbot/internal/transport/telegram/router"
	logx "pollbot/pkg/logx"
	"pollbot/pkg/tgui"
)

// Callback routes all live under one scope; the payload is the group
// key or a weekday number.
const cbScope = "sched"

const (
	cbManage   = "manage"
	cbAdd      = "add"
	cbDay      = "day"
	cbFinalize = "finalize"
	cbCommit   = "commit"
	cbRemove   = "remove"
	cbRmYes    = "rm_yes"
	cbRmNo     = "rm_no"
)

// Day buttons are laid out Monday first, Sunday last, matching how
// people read a week.
var dayOrder = [7]int{1, 2, 3, 4, 5, 6, 0}

func (a *App) registerRoutes() {
	a.rt.Handle(
		[]router.Command{
			{Route: "start", Description: "show the groups menu", Timeout: 10 * time.Second, Handle: a.handleStart},
			{Route: "cancel", Description: "abandon the current flow", Timeout: 10 * time.Second, Handle: a.handleCancel},
		},
		[]router.CallbackRoute{
			{Scope: cbScope, Action: cbManage, Timeout: 10 * time.Second, Handle: a.cbManageGroup},
			{Scope: cbScope, Action: cbAdd, Timeout: 10 * time.Second, Handle: a.cbAddSchedule},
			{Scope: cbScope, Action: cbDay, Timeout: 10 * time.Second, Handle: a.cbSelectDay},
			{Scope: cbScope, Action: cbFinalize, Timeout: 10 * time.Second, Handle: a.cbFinalize},
			{Scope: cbScope, Action: cbCommit, Timeout: 15 * time.Second, Handle: a.cbCommit},
			{Scope: cbScope, Action: cbRemove, Timeout: 10 * time.Second, Handle: a.cbRemovePrompt},
			{Scope: cbScope, Action: cbRmYes, Timeout: 15 * time.Second, Handle: a.cbRemoveYes},
			{Scope: cbScope, Action: cbRmNo, Timeout: 10 * time.Second, Handle: a.cbRemoveNo},
		},
	)
	a.rt.HandleText(a.handleText)
	a.rt.HandleMembership(a.handleMembership)
}

func (a *App) reply(ctx context.Context, chat kit.ChatTarget, text string, markup *tgui.Inline) {
	opt := &kit.SendOptions{}
	if markup != nil {
		opt.ReplyMarkupAdapter = markup.Markup()
	}
	if _, err := a.adapter.SendText(ctx, chat, text, opt); err != nil {
		a.log.Warn("send failed", logx.Int64("chat_id", chat.ChatID), logx.Err(err))
	}
}

// deleteTrigger removes the message whose inline button fired this
// callback, so each step replaces the previous menu.
func (a *App) deleteTrigger(ctx context.Context, req *router.Request) {
	cb := req.Update.Callback
	if cb == nil {
		return
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	if err := a.adapter.DeleteMessage(ctx, ref); err != nil {
		a.log.Debug("menu delete failed", logx.Int("msg_id", ref.MessageID), logx.Err(err))
	}
}

// ---- commands ----

func (a *App) handleStart(ctx context.Context, req *router.Request) error {
	return a.showGroupsMenu(ctx, req.Chat)
}

func (a *App) handleCancel(ctx context.Context, req *router.Request) error {
	a.sessions.Cancel(req.FromID)
	a.reply(ctx, req.Chat, "Schedule creation canceled.", nil)
	return a.showGroupsMenu(ctx, req.Chat)
}

// ---- menus ----

func (a *App) showGroupsMenu(ctx context.Context, chat kit.ChatTarget) error {
	groups, err := a.st.ListGroups(ctx)
	if err != nil {
		a.reply(ctx, chat, "Error retrieving groups. Please try again.", nil)
		return err
	}
	if len(groups) == 0 {
		a.reply(ctx, chat, "No groups found.", nil)
		return nil
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })

	kb := tgui.NewInline()
	shown := 0
	for _, g := range groups {
		data := tgui.Data(cbScope, cbManage, g.TelegramID)
		if err := tgui.CheckData(data); err != nil {
			a.log.Warn("group button skipped",
				logx.String("group", g.TelegramID), logx.Err(err))
			continue
		}
		label := tgui.TruncRunes(strings.ToUpper(g.Name), 48)
		kb.Row(tgui.Btn(label, data))
		shown++
	}
	if shown == 0 {
		a.reply(ctx, chat, "No groups found.", nil)
		return nil
	}
	a.reply(ctx, chat, "Select a group to manage schedules:", kb)
	return nil
}

func (a *App) showDayMenu(ctx context.Context, chat kit.ChatTarget, adminID int64) {
	draft := a.sessions.Draft(adminID)

	var btns []tele.Btn
	for _, day := range dayOrder {
		label := strings.ToUpper(domain.DayName(day))
		if draft != nil && draft.HasDay(day) {
			label += " \u2705"
		}
		btns = append(btns, tgui.Btn(label, tgui.Data(cbScope, cbDay, strconv.Itoa(day))))
	}

	kb := tgui.NewInline().Grid2(btns...)
	if draft != nil && len(draft.Slots) > 0 {
		kb.Row(tgui.Btn("Finalize Schedule \u2705", tgui.Data(cbScope, cbFinalize, "")))
	}

	a.reply(ctx, chat, "Select a day to set time (click to toggle):", kb)
}

func (a *App) showGroupSchedule(ctx context.Context, chat kit.ChatTarget, groupKey string) error {
	name := a.groupName(ctx, groupKey)

	rec, err := a.st.GetSchedule(ctx, groupKey)
	switch {
	case err == nil && len(rec.Slots) > 0:
		var b strings.Builder
		fmt.Fprintf(&b, "\U0001F4C5 Current schedule for %s:\n\n", strings.ToUpper(name))
		for _, sl := range rec.Slots {
			fmt.Fprintf(&b, "- %s: %s\n", strings.ToUpper(domain.DayName(sl.Day)), sl.Time)
		}
		kb := tgui.NewInline().Row(
			tgui.Btn("Remove Schedule", tgui.Data(cbScope, cbRemove, groupKey)))
		a.reply(ctx, chat, b.String(), kb)
		return nil
	case errors.Is(err, domain.ErrNotFound) || (err == nil && len(rec.Slots) == 0):
		kb := tgui.NewInline().Row(
			tgui.Btn("Add Schedule", tgui.Data(cbScope, cbAdd, groupKey)))
		a.reply(ctx, chat,
			fmt.Sprintf("No schedule found for %s. Would you like to add one?", strings.ToUpper(name)), kb)
		return nil
	default:
		a.reply(ctx, chat, "Error retrieving schedule. Please try again.", nil)
		return err
	}
}

func (a *App) groupName(ctx context.Context, groupKey string) string {
	if g, err := a.st.GetGroup(ctx, groupKey); err == nil && strings.TrimSpace(g.Name) != "" {
		return g.Name
	}
	return groupKey
}

// ---- callbacks ----

func (a *App) cbManageGroup(ctx context.Context, req *router.Request, groupKey string) error {
	a.deleteTrigger(ctx, req)
	return a.showGroupSchedule(ctx, req.Chat, groupKey)
}

func (a *App) cbAddSchedule(ctx context.Context, req *router.Request, groupKey string) error {
	a.deleteTrigger(ctx, req)

	_, err := a.st.GetSchedule(ctx, groupKey)
	switch {
	case err == nil:
		a.reply(ctx, req.Chat, "This group already has a schedule.", nil)
		return a.showGroupSchedule(ctx, req.Chat, groupKey)
	case !errors.Is(err, domain.ErrNotFound):
		a.reply(ctx, req.Chat, "Error retrieving schedule. Please try again.", nil)
		return err
	}

	if err := a.sessions.Begin(req.FromID, groupKey); err != nil {
		// A stale flow blocks this one; drop it and retry.
		a.sessions.Cancel(req.FromID)
		if err := a.sessions.Begin(req.FromID, groupKey); err != nil {
			return err
		}
	}
	a.showDayMenu(ctx, req.Chat, req.FromID)
	return nil
}

func (a *App) cbSelectDay(ctx context.Context, req *router.Request, payload string) error {
	a.deleteTrigger(ctx, req)

	day, err := strconv.Atoi(payload)
	if err != nil {
		return fmt.Errorf("%w: day payload %q", domain.ErrValidation, payload)
	}
	if err := a.sessions.SelectDay(req.FromID, day); err != nil {
		if errors.Is(err, schedule.ErrBadState) {
			a.reply(ctx, req.Chat, "That menu has expired. Use /start to begin again.", nil)
			return nil
		}
		return err
	}
	a.reply(ctx, req.Chat, "Please enter the time for this day (HH:MM):", nil)
	return nil
}

func (a *App) cbFinalize(ctx context.Context, req *router.Request, _ string) error {
	a.deleteTrigger(ctx, req)

	draft, err := a.sessions.Finalize(req.FromID)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			a.reply(ctx, req.Chat,
				"No days and times have been selected. Please add at least one day and time.", nil)
			a.showDayMenu(ctx, req.Chat, req.FromID)
			return nil
		}
		if errors.Is(err, schedule.ErrBadState) {
			a.reply(ctx, req.Chat, "That menu has expired. Use /start to begin again.", nil)
			return nil
		}
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Please confirm the following schedule for group %s:\n",
		strings.ToUpper(a.groupName(ctx, draft.GroupKey)))
	for _, sl := range draft.Slots {
		fmt.Fprintf(&b, "- Day: %s, Time: %s\n", strings.ToUpper(domain.DayName(sl.Day)), sl.Time)
	}

	kb := tgui.ConfirmInline(
		tgui.Btn("Confirm \u2705", tgui.Data(cbScope, cbCommit, "yes")),
		tgui.Btn("Cancel \u274C", tgui.Data(cbScope, cbCommit, "no")),
	)
	a.reply(ctx, req.Chat, b.String(), kb)
	return nil
}

func (a *App) cbCommit(ctx context.Context, req *router.Request, payload string) error {
	a.deleteTrigger(ctx, req)

	draft, err := a.sessions.Confirm(req.FromID)
	if err != nil {
		a.reply(ctx, req.Chat, "That menu has expired. Use /start to begin again.", nil)
		return nil
	}
	if payload != "yes" {
		a.reply(ctx, req.Chat, "Schedule creation canceled.", nil)
		return a.showGroupsMenu(ctx, req.Chat)
	}

	if _, err := a.rec.CommitDraft(ctx, draft); err != nil {
		switch {
		case errors.Is(err, domain.ErrConflict):
			a.reply(ctx, req.Chat, "This group already has a schedule.", nil)
		default:
			a.reply(ctx, req.Chat, "Error saving schedule. Please try again.", nil)
		}
		return a.showGroupsMenu(ctx, req.Chat)
	}
	a.reply(ctx, req.Chat, "Schedule successfully confirmed and created!", nil)
	return a.showGroupsMenu(ctx, req.Chat)
}

func (a *App) cbRemovePrompt(ctx context.Context, req *router.Request, groupKey string) error {
	a.deleteTrigger(ctx, req)

	if _, err := a.st.GetSchedule(ctx, groupKey); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.reply(ctx, req.Chat, "No schedules found for this group.", nil)
			return a.showGroupsMenu(ctx, req.Chat)
		}
		a.reply(ctx, req.Chat, "Error preparing schedule removal. Please try again.", nil)
		return err
	}

	kb := tgui.ConfirmInline(
		tgui.Btn("Confirm \u2705", tgui.Data(cbScope, cbRmYes, groupKey)),
		tgui.Btn("Cancel \u274C", tgui.Data(cbScope, cbRmNo, "")),
	)
	a.reply(ctx, req.Chat,
		fmt.Sprintf("Are you sure you want to remove ALL schedules for group %s?",
			strings.ToUpper(a.groupName(ctx, groupKey))), kb)
	return nil
}

func (a *App) cbRemoveYes(ctx context.Context, req *router.Request, groupKey string) error {
	a.deleteTrigger(ctx, req)

	existed, err := a.rec.RemoveSchedule(ctx, groupKey)
	if err != nil {
		a.reply(ctx, req.Chat, "Error removing schedules. Please try again.", nil)
		return err
	}
	if existed {
		a.reply(ctx, req.Chat, "All schedules for this group have been successfully removed!", nil)
	} else {
		a.reply(ctx, req.Chat, "No schedules found for this group.", nil)
	}
	return a.showGroupsMenu(ctx, req.Chat)
}

func (a *App) cbRemoveNo(ctx context.Context, req *router.Request, _ string) error {
	a.deleteTrigger(ctx, req)
	a.reply(ctx, req.Chat, "Schedule removal canceled.", nil)
	return a.showGroupsMenu(ctx, req.Chat)
}

// ---- free text (time entry) ----

func (a *App) handleText(ctx context.Context, req *router.Request) error {
	if req.Update.Message == nil {
		return nil
	}
	if a.sessions.StateOf(req.FromID) != schedule.StateAwaitingTime {
		return nil
	}

	_, err := a.sessions.EnterTime(req.FromID, req.Update.Message.Text)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			a.reply(ctx, req.Chat, "Invalid time format. Please use HH:MM format (e.g., 09:30).", nil)
			return nil
		}
		return err
	}
	a.reply(ctx, req.Chat, "Day and time added!", nil)
	a.showDayMenu(ctx, req.Chat, req.FromID)
	return nil
}

// ---- membership ----

func (a *App) handleMembership(ctx context.Context, req *router.Request) error {
	mem := req.Update.Membership
	if mem == nil {
		return nil
	}
	groupKey := strconv.FormatInt(mem.ChatID, 10)

	switch {
	case mem.NewRole == "member" || mem.NewRole == "administrator":
		name := mem.ChatTitle
		if strings.TrimSpace(name) == "" {
			name = "Unnamed Group"
		}
		g := domain.Group{
			TelegramID: groupKey,
			Name:       name,
			Type:       mem.ChatType,
			BotRole:    mem.NewRole,
		}
		if err := a.st.UpsertGroup(ctx, g); err != nil {
			return fmt.Errorf("save group %s: %w", groupKey, err)
		}
		a.log.Info("group saved",
			logx.String("group", groupKey), logx.String("name", name),
			logx.String("role", mem.NewRole))
		return nil

	case (mem.OldRole == "member" || mem.OldRole == "administrator") &&
		(mem.NewRole == "left" || mem.NewRole == "kicked"):
		if err := a.rec.OnGroupRemoved(ctx, groupKey); err != nil {
			return fmt.Errorf("cleanup group %s: %w", groupKey, err)
		}
		return nil
	}
	return nil
}
