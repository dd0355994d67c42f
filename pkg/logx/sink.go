package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "pricebot/internal/transport"
)

// Service owns the root logger and its sinks. Apply rebuilds the sink
// set from config at runtime; Logger values resolve the current root
// on every write, so a reload takes effect without re-plumbing the
// loggers already handed out.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file *os.File

	sender   kit.Adapter
	tgQueue  chan telegramItem
	tgOnce   sync.Once
	tgCancel context.CancelFunc
	tgWG     sync.WaitGroup

	// ops sink knobs, guarded by mu
	chatID   int64
	threadID int
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

type telegramItem struct {
	to  kit.ChatTarget
	msg string
}

// New builds the service, applies cfg, and returns the root Logger.
// sender may be nil; the ops sink then stays dark.
func New(cfg Config, sender kit.Adapter) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{
		cfg:      cfg,
		sender:   sender,
		tgQueue:  make(chan telegramItem, 256),
		threadID: cfg.Telegram.ThreadID,
	}

	// Console-only root until Apply installs the real sinks, so
	// nothing logged during startup is lost.
	s.root.Store(newConsoleRoot(parseLevel(cfg.Level, zerolog.InfoLevel)))
	s.Apply(cfg)

	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl, ok := s.root.Load().(zerolog.Logger); ok {
		return zl
	}
	return zerolog.Nop()
}

// SetTelegramTarget points the ops sink at a chat. Zero chatID turns
// it off; zero threadID keeps the configured thread.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatID = chatID
	if threadID != 0 {
		s.threadID = threadID
	}
}

// Close stops the ops worker and closes the log file. Console output
// keeps working afterwards.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	cancel := s.tgCancel
	s.file = nil
	s.tgCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.tgWG.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply rebuilds the sink set and level from cfg. Writers racing the
// swap keep using the old root until the new one is stored.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.minLevel = parseLevel(cfg.Telegram.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.Telegram.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Telegram.ThreadID != 0 {
		s.threadID = cfg.Telegram.ThreadID
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		if f := openFileSink(cfg.File.Path); f != nil {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled {
		s.startOpsWorker()
		writers = append(writers, &telegramWriter{svc: s})
		if s.chatID == 0 {
			fmt.Fprintln(os.Stderr, "logx: telegram log sink enabled without an ops chat (set telegram.ops_chat)")
		}
	}
	if len(writers) == 0 {
		// Never end up mute.
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	lvl := parseLevel(cfg.Level, zerolog.InfoLevel)
	s.root.Store(zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger())
}

func openFileSink(path string) *os.File {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "./pricebot.log"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: cannot open log file %q: %v\n", path, err)
		return nil
	}
	return f
}

// startOpsWorker launches the delivery goroutine once. Callers hold
// s.mu. With a nil sender nothing is ever queued, so no worker runs.
func (s *Service) startOpsWorker() {
	if s.sender == nil {
		return
	}
	s.tgOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.tgCancel = cancel
		s.tgWG.Add(1)
		go func() {
			defer s.tgWG.Done()
			s.opsLoop(ctx)
		}()
	})
}

func (s *Service) opsLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.tgQueue:
			_, _ = s.sender.SendText(ctx, it.to, it.msg, &kit.SendOptions{DisablePreview: true})
		}
	}
}

// telegramWriter forwards qualifying lines to the ops chat through the
// bounded queue. It always reports the write as consumed; the ops sink
// must never fail the main log path.
type telegramWriter struct{ svc *Service }

func (w *telegramWriter) Write(p []byte) (int, error) {
	// Plain writes carry no level mark; treat them as info.
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *telegramWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if w.svc != nil {
		w.svc.relayToOps(level, p)
	}
	return len(p), nil
}

// relayToOps drops the line unless a target is set, the level clears
// the configured floor and the rate limiter has budget left.
func (s *Service) relayToOps(level zerolog.Level, p []byte) {
	s.mu.Lock()
	to := kit.ChatTarget{ChatID: s.chatID, ThreadID: s.threadID}
	lim := s.limiter
	floor := s.minLevel
	s.mu.Unlock()

	if to.ChatID == 0 || s.sender == nil || lim == nil {
		return
	}
	if level < floor || !lim.Allow() {
		return
	}
	msg := opsLine(p)
	if msg == "" {
		return
	}
	select {
	case s.tgQueue <- telegramItem{to: to, msg: msg}:
	default:
		// queue full, drop rather than stall logging
	}
}

const opsLineMax = 3500

// opsLine renders one zerolog JSON line as a compact chat message:
// "[LEVEL] message" plus a "- key=value" row per extra field, keys
// sorted. Non-JSON input passes through trimmed. Output is capped
// below the Telegram message limit.
func opsLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return clip(strings.TrimSpace(string(p)), opsLineMax)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)
	if msg == "" {
		msg, _ = m["msg"].(string)
	}

	var b strings.Builder
	if lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	b.WriteString(msg)

	for _, k := range sortedFieldKeys(m) {
		if k == "stack" {
			b.WriteString("\n- stack=\n")
			b.WriteString(clip(fmt.Sprint(m[k]), 900))
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), 600))
	}

	return clip(b.String(), opsLineMax)
}

func sortedFieldKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "msg":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// clip caps s at n bytes, marking the cut with an ellipsis when there
// is room for one.
func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func newConsoleRoot(lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(newConsoleWriter(Stdout())).Level(lvl).With().Timestamp().Logger()
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	// The caller field already arrives shortened; print it as is.
	cw.FormatCaller = func(i any) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

// Stdout is the console sink shared by every console writer.
func Stdout() io.Writer { return os.Stdout }
