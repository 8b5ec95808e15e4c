// Package router dispatches incoming Telegram updates to registered
// handlers. The bot is single-admin: every message and callback from
// anyone else is dropped before a handler runs.
package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "pollbot/internal/runtime/supervisor"
	kit "pollbot/internal/transport"
	logx "pollbot/pkg/logx"
	"pollbot/pkg/tgui"
)

type Command struct {
	// Route is the command name without the leading slash, e.g. "start".
	Route       string
	Description string
	Timeout     time.Duration
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles inline-button data of the form
// "scope:action" or "scope:action:payload".
type CallbackRoute struct {
	Scope   string
	Action  string
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Route   string // matched command route or "cb:scope:action"
	Args    []string
	Payload string // callback payload (raw string)
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
}

type Router struct {
	mu        sync.RWMutex
	commands  map[string]Command
	callbacks map[string]map[string]CallbackRoute // scope -> action -> route
	// text receives non-command messages from the admin; used for
	// free-form conversation input like "09:30".
	text       HandlerFunc
	membership HandlerFunc

	adminID atomic.Int64

	log     logx.Logger
	adapter kit.Adapter

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, adminID int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		commands:  map[string]Command{},
		callbacks: map[string]map[string]CallbackRoute{},
		log:       log,
		adapter:   adapter,
		jobs:      make(chan func(), 64),
	}
	r.adminID.Store(adminID)
	return r
}

// SetAdmin updates the admin user ID. Safe to call during hot-reload.
func (r *Router) SetAdmin(id int64) { r.adminID.Store(id) }

func (r *Router) Handle(cmds []Command, cbs []CallbackRoute) {
	commands := map[string]Command{}
	for _, c := range cmds {
		name := strings.TrimSpace(strings.TrimPrefix(c.Route, "/"))
		if name == "" || c.Handle == nil {
			continue
		}
		commands[name] = c
	}
	callbacks := map[string]map[string]CallbackRoute{}
	for _, cb := range cbs {
		scope := strings.TrimSpace(cb.Scope)
		action := strings.TrimSpace(cb.Action)
		if scope == "" || action == "" || cb.Handle == nil {
			continue
		}
		if callbacks[scope] == nil {
			callbacks[scope] = map[string]CallbackRoute{}
		}
		callbacks[scope][action] = cb
	}

	r.mu.Lock()
	r.commands = commands
	r.callbacks = callbacks
	r.mu.Unlock()
}

// HandleText installs the handler for non-command admin messages.
func (r *Router) HandleText(h HandlerFunc) {
	r.mu.Lock()
	r.text = h
	r.mu.Unlock()
}

// HandleMembership installs the handler for the bot's own membership
// changes in groups. Membership updates bypass the admin gate; they are
// emitted by Telegram, not typed by a user.
func (r *Router) HandleMembership(h HandlerFunc) {
	r.mu.Lock()
	r.membership = h
	r.mu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel
// being closed during shutdown).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is canceled or the channel
// closes, fanning work out to a small bounded worker pool.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	if workers > 4 {
		workers = 4
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	r.runMu.Lock()
	r.sup = sup
	r.running = true
	r.runMu.Unlock()

	r.log.Info("dispatcher started",
		logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			r.runMu.Lock()
			r.running = false
			r.runMu.Unlock()
			close(r.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.Go0("router.worker."+strconv.Itoa(idx), func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					if job == nil {
						continue
					}
					// Middleware already catches panics; keep the
					// worker alive even if a bare job slips through.
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in router job",
									logx.Int("worker", idx),
									logx.Any("panic", rec),
									logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		})
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.runMu.Lock()
		r.sup = nil
		r.runMu.Unlock()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("dispatcher stopped (updates channel closed)")
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(root context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(root, up)
	case kit.UpdateCallback:
		r.routeCallback(root, up)
	case kit.UpdateMembership:
		r.routeMembership(root, up)
	}
}

func (r *Router) isAdmin(id int64) bool {
	admin := r.adminID.Load()
	return admin != 0 && id == admin
}

func (r *Router) routeMessage(root context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	// Group chatter is never routed; the bot only converses with its
	// admin in private.
	if msg.IsGroup {
		return
	}
	if !r.isAdmin(msg.FromID) {
		if strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
			_, _ = r.adapter.SendText(root, kit.ChatTarget{ChatID: msg.ChatID},
				"You are not authorized to use this bot.", nil)
		}
		return
	}

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		r.mu.RLock()
		h := r.text
		r.mu.RUnlock()
		if h == nil {
			return
		}
		r.enqueue(root, up, "text", nil, "", h, 0)
		return
	}

	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	r.mu.RLock()
	cmd, ok := r.commands[word]
	r.mu.RUnlock()
	if !ok {
		return
	}
	r.enqueue(root, up, cmd.Route, args, "", cmd.Handle, cmd.Timeout)
}

func (r *Router) routeCallback(root context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	if !r.isAdmin(cb.FromID) {
		_ = r.adapter.AnswerCallback(root, cb.ID, "forbidden")
		return
	}

	scope, action, payload, ok := tgui.ParseData(cb.Data)
	if !ok {
		r.log.Debug("malformed callback data", logx.String("data", cb.Data))
		return
	}

	r.mu.RLock()
	route, ok := r.callbacks[scope][action]
	r.mu.RUnlock()
	if !ok {
		r.log.Debug("unknown callback", logx.String("data", cb.Data))
		return
	}

	h := func(ctx context.Context, req *Request) error {
		return route.Handle(ctx, req, payload)
	}
	wrapped := func(ctx context.Context, req *Request) error {
		err := h(ctx, req)
		// Stop the button's "loading" spinner whether or not the
		// handler succeeded.
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return err
	}
	r.enqueue(root, up, "cb:"+scope+":"+action, nil, payload, wrapped, route.Timeout)
}

func (r *Router) routeMembership(root context.Context, up kit.Update) {
	if up.Membership == nil {
		return
	}
	r.mu.RLock()
	h := r.membership
	r.mu.RUnlock()
	if h == nil {
		return
	}
	r.enqueue(root, up, "membership", nil, "", h, 0)
}

func (r *Router) enqueue(root context.Context, up kit.Update, route string, args []string, payload string, h HandlerFunc, timeout time.Duration) {
	chat := kit.ChatTarget{}
	var fromID int64
	switch {
	case up.Message != nil:
		chat.ChatID = up.Message.ChatID
		fromID = up.Message.FromID
	case up.Callback != nil:
		chat.ChatID = up.Callback.ChatID
		fromID = up.Callback.FromID
	case up.Membership != nil:
		chat.ChatID = up.Membership.ChatID
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  fromID,
		Route:   route,
		Args:    args,
		Payload: payload,
		ReqID:   rid,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.String("route", route),
		),
	}

	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)

	if !r.tryEnqueue(func() { _ = final(root, req) }) {
		r.log.Warn("job queue full, update dropped", logx.String("route", route))
	}
}

func newReqID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b[:])
}
