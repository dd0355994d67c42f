package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "pricebot/pkg/logx"

	kit "pricebot/internal/transport"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g.:
	//   "watchlist"
	//   "status tiers"
	Route       string
	Aliases     []string // root-level aliases, e.g. ["wl"]
	Description string
	Usage       string
	Access      Access

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackAccess controls who can press an inline button. The zero
// value is owner-only; public UI callbacks opt in explicitly.
type CallbackAccess int

const (
	CallbackAccessOwnerOnly CallbackAccess = iota
	CallbackAccessEveryone
)

type CallbackRoute struct {
	Scope       string
	Action      string
	Description string
	Access      CallbackAccess
	Timeout     time.Duration
	Handle      CallbackHandlerFunc
}

// Request carries one update through the middleware chain into a
// handler, along with the parsed arguments and the services the
// handler may touch.
type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Path    []string // matched command path tokens (message updates)
	Command string   // route, or "cb:scope:action" for callbacks
	Args    []string
	Payload string // raw callback payload

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter     kit.Adapter
	Config      *Config
	Logger      logx.Logger
	Services    *Services
	OwnerUserID []int64
}

// Services is what handlers can reach beyond the adapter. Any entry
// may be nil in minimal or test setups; handlers check before use.
type Services struct {
	Scheduler SchedulerPort
	Notifier  NotifierPort

	// AppSupervisor is installed by the app once it runs.
	AppSupervisor *Supervisor

	// RuntimeSupervisors collects subsystem supervisors (adapter,
	// notifier, broadcast) for /status.
	RuntimeSupervisors *SupervisorRegistry
}

// SchedulerPort exposes read-only scheduler state for operational commands.
type SchedulerPort interface {
	Tasks() []TaskStatus
	History(limit int) []RunRecord
}

type NotifierPort interface {
	Notify(ctx context.Context, n kit.Notification) error
}

type CommandManager struct {
	mu sync.RWMutex

	root  *cmdNode
	alias map[string]*cmdNode // alias -> leaf node

	cbMu      sync.RWMutex
	callbacks map[string]map[string]CallbackRoute // scope -> action -> route

	textMu      sync.RWMutex
	textHandler HandlerFunc
	textTimeout time.Duration

	owners []int64

	log     logx.Logger
	adapter kit.Adapter
	cfgm    *ConfigManager
	serv    *Services

	runMu   sync.Mutex
	running bool
	sup     *Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, cfgm *ConfigManager, serv *Services, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		root:      newRoot(),
		alias:     map[string]*cmdNode{},
		callbacks: map[string]map[string]CallbackRoute{},
		log:       log,
		adapter:   adapter,
		cfgm:      cfgm,
		serv:      serv,
		owners:    append([]int64(nil), owners...),
		jobs:      make(chan func(), 256),
	}
}

// Supervisor exposes the dispatcher's supervisor for /status; nil
// while the dispatch loop is not running.
func (m *CommandManager) Supervisor() *Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue offers fn to the worker pool. It survives the jobs
// channel being closed mid-shutdown; a full queue reports false.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners swaps the owner list used for AccessOwnerOnly checks.
// Hot-reload calls this when the config's owner IDs change.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	cp := append([]int64(nil), m.owners...)
	m.mu.RUnlock()
	return cp
}

// SetTextHandler registers a handler for plain (non-command) messages.
// The watch-by-link flow lives here: a bare Amazon product URL in chat
// adds a watch without any slash command.
func (m *CommandManager) SetTextHandler(timeout time.Duration, h HandlerFunc) {
	m.textMu.Lock()
	m.textHandler = h
	m.textTimeout = timeout
	m.textMu.Unlock()
}

// SetRegistry replaces the command tree and callback table. /help is
// injected here so every registry answers it.
func (m *CommandManager) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show help",
		Usage:       "/help [cmd] [sub...]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			text := m.helpText(req.Args)
			_, _ = req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
			return nil
		},
	})

	root, alias, menuCandidates := buildCommandTree(cmds)
	cb := buildCallbackTable(cbs)

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	m.cbMu.Lock()
	m.callbacks = cb
	m.cbMu.Unlock()

	m.pushMenu(root, menuCandidates)
}

func buildCommandTree(cmds []Command) (*cmdNode, map[string]*cmdNode, []Command) {
	root := newRoot()
	alias := map[string]*cmdNode{}
	menuCandidates := make([]Command, 0, len(cmds))

	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		cc := c
		root.add(route, cc)
		menuCandidates = append(menuCandidates, cc)

		leaf := root.find(route)
		if leaf == nil {
			continue
		}

		// Telegram's /menu wants names in [a-z0-9_]{1,32}, so multi-token
		// routes get an auto-alias in that form. A single-token route must
		// never alias its own base token: an alias hit skips tree
		// traversal, and "status" pointing at its own leaf would swallow
		// "/status tiers" before the subcommand resolves.
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
			// The Telegram-safe variant rides along when it differs.
			if sa := sanitizeTelegramCommand(a); sa != "" {
				if _, exists := alias[sa]; !exists {
					alias[sa] = leaf
				}
			}
		}
	}
	return root, alias, menuCandidates
}

func buildCallbackTable(cbs []CallbackRoute) map[string]map[string]CallbackRoute {
	cb := map[string]map[string]CallbackRoute{}
	for _, r := range cbs {
		s := strings.TrimSpace(r.Scope)
		a := strings.TrimSpace(r.Action)
		if s == "" || a == "" || r.Handle == nil {
			continue
		}
		if cb[s] == nil {
			cb[s] = map[string]CallbackRoute{}
		}
		cb[s][a] = r
	}
	return cb
}

// pushMenu hands the command list to the adapter's /menu autocomplete,
// when the adapter supports it. The call is detached and bounded.
func (m *CommandManager) pushMenu(root *cmdNode, candidates []Command) {
	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildTelegramMenuCommands(root, candidates)
	run := func(parent context.Context) {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		_ = up.UpdateMenuCommands(ctx, menu)
	}

	// Under the app supervisor the call dies with the app; without one
	// (tests, minimal setups) it runs free.
	if m.serv != nil && m.serv.AppSupervisor != nil {
		m.serv.AppSupervisor.Go("telegram.menu.update", func(ctx context.Context) error {
			run(ctx)
			return nil
		})
		return
	}
	go run(context.Background())
}

// DispatchLoop consumes updates until ctx ends or the channel closes,
// fanning work out to a bounded pool so one slow handler cannot stall
// the intake.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := NewSupervisor(ctx,
		WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	if m.serv != nil && m.serv.RuntimeSupervisors != nil {
		m.serv.RuntimeSupervisors.Set("telegram.router", sup)
	}

	if !m.log.IsZero() {
		m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))
	}

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			// Flip to not-running first; tryEnqueue must start failing
			// before the channel closes under it.
			m.setSupervisor(sup, false)
			close(m.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			m.workerLoop(c, idx)
			return nil
		},
			WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			WithPublishFirstError(true),
			WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		if m.serv != nil && m.serv.RuntimeSupervisors != nil {
			m.serv.RuntimeSupervisors.Delete("telegram.router")
		}
		m.setSupervisor(nil, false)
		if !m.log.IsZero() {
			m.log.Info("command dispatcher stopped")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if !m.log.IsZero() {
				m.log.Info("command dispatcher stopped", logx.Any("err", ctx.Err()))
			}
			return nil
		case up, ok := <-updates:
			if !ok {
				if !m.log.IsZero() {
					m.log.Info("command dispatcher stopped (updates channel closed)")
				}
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) workerLoop(ctx context.Context, idx int) {
	if !m.log.IsZero() {
		m.log.Debug("command worker started", logx.Int("worker", idx))
		defer m.log.Debug("command worker stopped", logx.Int("worker", idx))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-m.jobs:
			if !ok {
				return
			}
			if job != nil {
				m.runJob(job, idx)
			}
		}
	}
}

// runJob isolates one job; middleware recovers handler panics, this
// catches anything thrown outside the chain.
func (m *CommandManager) runJob(job func(), idx int) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) routeUpdate(root context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(root, up)
	case kit.UpdateCallback:
		m.routeCallback(root, up)
	}
}

// newRequest builds the fields every request carries; callers add the
// route-specific ones.
func (m *CommandManager) newRequest(up kit.Update, chat kit.ChatTarget, fromID int64, label string, owners []int64) *Request {
	rid := newReqID()
	return &Request{
		Update:  up,
		Chat:    chat,
		FromID:  fromID,
		Command: label,
		ReqID:   rid,
		Adapter: m.adapter,
		Config:  m.cfgm.Get(),
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int("thread_id", chat.ThreadID),
			logx.Int64("from_id", fromID),
			logx.String("cmd", label),
		),
		Services:    m.serv,
		OwnerUserID: owners,
	}
}

func (m *CommandManager) chain(h HandlerFunc, timeout time.Duration) HandlerFunc {
	return Chain(h,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)
}

func (m *CommandManager) routeMessage(root context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		m.routePlainText(root, up)
		return
	}

	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		// "/watchlist@botname" form in groups.
		word = word[:i]
	}
	args := []string{}
	if len(parts) > 1 {
		args = parts[1:]
	}

	m.mu.RLock()
	rootNode := m.root
	aliasMap := m.alias
	m.mu.RUnlock()

	if leaf, ok := aliasMap[word]; ok && leaf != nil && leaf.cmd != nil {
		cmd := *leaf.cmd
		pos, flags, bools := parseFlags(args)
		m.enqueueCommand(root, up, cmd, splitRoute(cmd.Route), pos, args, flags, bools)
		return
	}

	cur, ok := rootNode.child(word)
	if !ok {
		// Unknown slash commands in group chats stay quiet; replying there
		// would make the bot noisy in shared rooms.
		if !msg.IsGroup {
			_, _ = m.adapter.SendText(root, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, "unknown command. try /help", nil)
		}
		return
	}
	path := []string{word}
	for len(args) > 0 {
		nxt := args[0]
		if strings.HasPrefix(nxt, "-") { // flags end the subcommand path
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

	// A container node without its own handler answers with help.
	if cur.cmd == nil {
		txt := m.helpText(path)
		_, _ = m.adapter.SendText(root, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, txt, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		return
	}

	cmd := *cur.cmd
	pos, flags, bools := parseFlags(args)
	m.enqueueCommand(root, up, cmd, path, pos, args, flags, bools)
}

// routePlainText hands non-command messages to the registered text handler.
// No handler registered means plain chatter is ignored.
func (m *CommandManager) routePlainText(root context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}

	m.textMu.RLock()
	h := m.textHandler
	timeout := m.textTimeout
	m.textMu.RUnlock()
	if h == nil {
		return
	}

	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	req := m.newRequest(up, chat, msg.FromID, "text", m.ownersSnapshot())
	final := m.chain(h, timeout)

	// Overload sheds plain text silently; a "busy" reply to ordinary
	// chatter would be worse than dropping the message.
	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		req.Logger.Debug("text handler queue full, message dropped")
	}
}

func (m *CommandManager) enqueueCommand(root context.Context, up kit.Update, cmd Command, path []string, args []string, raw []string, flags map[string]string, bools map[string]bool) {
	msg := up.Message
	if msg == nil {
		return
	}

	owners := m.ownersSnapshot()
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		_, _ = m.adapter.SendText(root, chat, "unauthorized", nil)
		return
	}

	req := m.newRequest(up, chat, msg.FromID, cmd.Route, owners)
	req.Path = path
	req.Args = args
	req.RawArgs = raw
	req.Flags = flags
	req.BoolFlags = bools

	final := m.chain(cmd.Handle, cmd.Timeout)
	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = m.adapter.SendText(root, req.Chat, "busy, try again", nil)
	}
}

func (m *CommandManager) routeCallback(root context.Context, up kit.Update) {
	if up.Callback == nil {
		return
	}
	cb := up.Callback
	// Data is scope:action:payload; the payload may itself contain ":".
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		return
	}
	scope, action := parts[0], parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	m.cbMu.RLock()
	route, ok := m.callbacks[scope][action]
	m.cbMu.RUnlock()
	if !ok {
		return
	}

	owners := m.ownersSnapshot()
	if route.Access == CallbackAccessOwnerOnly && !isOwner(cb.FromID, owners) {
		_ = m.adapter.AnswerCallback(root, cb.ID, "forbidden")
		return
	}

	chat := kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	req := m.newRequest(up, chat, cb.FromID, "cb:"+scope+":"+action, owners)
	req.Payload = payload

	final := m.chain(func(ctx context.Context, r *Request) error {
		return route.Handle(ctx, r, payload)
	}, route.Timeout)

	if !m.tryEnqueue(func() {
		_ = final(root, req)
		// Stops the client's loading spinner.
		_ = m.adapter.AnswerCallback(root, cb.ID, "")
	}) {
		_ = m.adapter.AnswerCallback(root, cb.ID, "busy")
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
