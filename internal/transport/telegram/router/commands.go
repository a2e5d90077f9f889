// Package router turns transport updates into command, callback and
// conversation handler calls. Updates from one user are handled in order;
// different users are served in parallel by a fixed worker pool.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "postbot/internal/runtime/supervisor"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
	"postbot/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "posts" or
	// "admin tier".
	Route       string
	Aliases     []string // root-level aliases, e.g. ["np"]
	Description string
	Usage       string
	Access      Access

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles inline-button data of the form
// "namespace:action[:payload]".
type CallbackRoute struct {
	Namespace   string
	Action      string
	Description string
	Access      Access
	Timeout     time.Duration
	Handle      CallbackHandlerFunc
}

type Request struct {
	Update  kit.Update
	Message *kit.Message // nil for callbacks
	Chat    kit.ChatTarget
	FromID  int64
	Path    []string // matched command path tokens
	Command string   // route, "cb:ns:action" or "message"
	Args    []string
	Payload string // callback payload

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string
	Admin     bool

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return r.Adapter.SendText(ctx, r.Chat, text, opt)
}

// ReplyHTML sends HTML text without link previews.
func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

type Config struct {
	// Workers defaults to NumCPU with a minimum of two.
	Workers int
	// QueueSize is the per-worker backlog.
	QueueSize      int
	DefaultTimeout time.Duration
}

type CommandManager struct {
	cfg Config

	mu       sync.RWMutex
	root     *cmdNode
	alias    map[string]*cmdNode // alias -> leaf node
	admins   []int64
	fallback HandlerFunc

	cbMu      sync.RWMutex
	callbacks map[string]map[string]CallbackRoute // namespace -> action -> route

	log      logx.Logger
	adapter  kit.Adapter
	registry *rtsup.Registry

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	queues  []chan func()
	menu    []kit.BotCommand
}

func NewCommandManager(cfg Config, log logx.Logger, adapter kit.Adapter, registry *rtsup.Registry) *CommandManager {
	if cfg.Workers <= 0 {
		cfg.Workers = max(runtime.NumCPU(), 2)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		cfg:       cfg,
		root:      newRoot(),
		alias:     map[string]*cmdNode{},
		callbacks: map[string]map[string]CallbackRoute{},
		log:       log.With(logx.String("comp", "telegram.router")),
		adapter:   adapter,
		registry:  registry,
	}
}

// Supervisor returns the dispatcher's supervisor (nil if not running).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

// SetAdmins replaces the ids allowed to run AccessAdminOnly routes. Safe
// during hot-reload.
func (m *CommandManager) SetAdmins(ids []int64) {
	cp := append([]int64(nil), ids...)
	m.mu.Lock()
	m.admins = cp
	m.mu.Unlock()
}

func (m *CommandManager) IsAdmin(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.admins, id)
}

// SetFallback installs the handler for private messages that are not
// commands (plain text and media).
func (m *CommandManager) SetFallback(h HandlerFunc) {
	m.mu.Lock()
	m.fallback = h
	m.mu.Unlock()
}

func (m *CommandManager) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	helper := Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "Show help",
		Usage:       "/help [command]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, m.helpText(req.Args, req.Admin))
		},
	}
	cmds = append(cmds, helper)

	root := newRoot()
	alias := map[string]*cmdNode{}
	menuCandidates := make([]Command, 0, len(cmds))

	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		root.add(route, c)
		menuCandidates = append(menuCandidates, c)

		leaf := root.find(route)
		// Never alias a single-token command to itself: that would
		// short-circuit subcommand traversal ("/admin tier" must not
		// stop at "admin").
		if menu, ok := telegramCommandNameFromRoute(route); ok {
			if len(route) > 1 || menu != route[0] {
				if _, exists := alias[menu]; !exists {
					alias[menu] = leaf
				}
			}
		}
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
			if sa := sanitizeTelegramCommand(a); sa != "" {
				if _, exists := alias[sa]; !exists {
					alias[sa] = leaf
				}
			}
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, r := range cbs {
		ns := strings.TrimSpace(r.Namespace)
		a := strings.TrimSpace(r.Action)
		if ns == "" || a == "" || r.Handle == nil {
			continue
		}
		if cb[ns] == nil {
			cb[ns] = map[string]CallbackRoute{}
		}
		cb[ns][a] = r
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	m.cbMu.Lock()
	m.callbacks = cb
	m.cbMu.Unlock()

	menu := buildTelegramMenuCommands(root, menuCandidates)
	m.runMu.Lock()
	m.menu = menu
	sup := m.sup
	running := m.running
	m.runMu.Unlock()
	if running && sup != nil {
		m.pushMenu(sup, menu)
	}
}

// pushMenu publishes the command menu in the background when the adapter
// supports it.
func (m *CommandManager) pushMenu(sup *rtsup.Supervisor, menu []kit.BotCommand) {
	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok || len(menu) == 0 {
		return
	}
	sup.Go0("telegram.menu.update", func(ctx context.Context) {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(cctx, menu); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
	})
}

// enqueue hands fn to the worker owning key. It never blocks; false means
// the worker's queue is full or the dispatcher is stopped.
func (m *CommandManager) enqueue(key int64, fn func()) bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running || len(m.queues) == 0 {
		return false
	}
	idx := int(uint64(key) % uint64(len(m.queues)))
	select {
	case m.queues[idx] <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop routes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	queues := make([]chan func(), m.cfg.Workers)
	for i := range queues {
		queues[i] = make(chan func(), m.cfg.QueueSize)
	}

	m.runMu.Lock()
	m.sup = sup
	m.queues = queues
	m.running = true
	menu := m.menu
	m.runMu.Unlock()
	m.registry.Set("telegram.router", sup)
	m.pushMenu(sup, menu)

	m.log.Info("command dispatcher started", logx.Int("workers", len(queues)), logx.Int("queue_cap", m.cfg.QueueSize))

	for i, q := range queues {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-q:
					if !ok {
						return nil
					}
					m.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		m.runMu.Lock()
		m.running = false
		for _, q := range queues {
			close(q)
		}
		m.queues = nil
		m.runMu.Unlock()

		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.registry.Delete("telegram.router")
		m.runMu.Lock()
		m.sup = nil
		m.runMu.Unlock()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) routeUpdate(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") || !msg.Media.IsZero() {
		m.routeFallback(ctx, up)
		return
	}

	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	m.mu.RLock()
	rootNode := m.root
	aliasMap := m.alias
	m.mu.RUnlock()

	if leaf, ok := aliasMap[word]; ok && leaf != nil && leaf.cmd != nil {
		cmd := *leaf.cmd
		pos, flags, bools := parseFlags(args)
		m.enqueueCommand(ctx, up, cmd, splitRoute(cmd.Route), pos, args, flags, bools)
		return
	}

	cur, ok := rootNode.child(word)
	if !ok {
		_, _ = m.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		return
	}
	path := []string{word}
	for len(args) > 0 {
		nxt := args[0]
		if strings.HasPrefix(nxt, "-") {
			break
		}
		child, ok := cur.child(nxt)
		if !ok {
			break
		}
		cur = child
		path = append(path, nxt)
		args = args[1:]
	}

	// A group without its own handler answers with its help page.
	if cur.cmd == nil {
		txt := m.helpText(path, m.IsAdmin(msg.FromID))
		_, _ = m.adapter.SendText(ctx, chat, txt, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		return
	}

	cmd := *cur.cmd
	pos, flags, bools := parseFlags(args)
	m.enqueueCommand(ctx, up, cmd, path, pos, args, flags, bools)
}

func (m *CommandManager) newRequest(up kit.Update, chat kit.ChatTarget, from int64, command string) *Request {
	rid := newReqID()
	return &Request{
		Update:  up,
		Message: up.Message,
		Chat:    chat,
		FromID:  from,
		Command: command,
		ReqID:   rid,
		Admin:   m.IsAdmin(from),
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from),
			logx.String("cmd", command),
		),
	}
}

func (m *CommandManager) timeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return m.cfg.DefaultTimeout
}

func (m *CommandManager) enqueueCommand(ctx context.Context, up kit.Update, cmd Command, path, args, raw []string, flags map[string]string, bools map[string]bool) {
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	req := m.newRequest(up, chat, msg.FromID, cmd.Route)
	if cmd.Access == AccessAdminOnly && !req.Admin {
		_, _ = m.adapter.SendText(ctx, chat, "This command is for administrators only.", nil)
		return
	}
	req.Path = path
	req.Args = args
	req.RawArgs = raw
	req.Flags = flags
	req.BoolFlags = bools

	final := Chain(
		cmd.Handle,
		MWReplyError(),
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(m.timeout(cmd.Timeout)),
	)
	if !m.enqueue(msg.FromID, func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "Busy, try again in a moment.", nil)
	}
}

func (m *CommandManager) routeFallback(ctx context.Context, up kit.Update) {
	msg := up.Message
	if !msg.IsPrivate {
		return
	}
	m.mu.RLock()
	h := m.fallback
	m.mu.RUnlock()
	if h == nil {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	req := m.newRequest(up, chat, msg.FromID, "message")
	final := Chain(
		h,
		MWReplyError(),
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(m.cfg.DefaultTimeout),
	)
	if !m.enqueue(msg.FromID, func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "Busy, try again in a moment.", nil)
	}
}

func (m *CommandManager) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	ns, action, payload := tgui.ParseData(strings.TrimSpace(cb.Data))
	if action == "" {
		return
	}

	m.cbMu.RLock()
	route, ok := m.callbacks[ns][action]
	m.cbMu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	chat := kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	req := m.newRequest(up, chat, cb.FromID, "cb:"+ns+":"+action)
	if route.Access == AccessAdminOnly && !req.Admin {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}
	req.Payload = payload

	h := func(ctx context.Context, r *Request) error { return route.Handle(ctx, r, payload) }
	final := Chain(
		h,
		MWReplyError(),
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(m.timeout(route.Timeout)),
	)
	if !m.enqueue(cb.FromID, func() {
		_ = final(ctx, req)
		// stop the client's loading indicator
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
	}) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}
