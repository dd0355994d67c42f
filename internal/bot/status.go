package bot

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"time"

	"pricebot/internal/storage"
	"pricebot/internal/transport/telegram/router"
	"pricebot/pkg/tgui"
)

// handleStatus renders the owner-facing runtime snapshot: store tallies,
// rotation cursors, job state, supervisor counters.
func (b *Bot) handleStatus(ctx context.Context, req *router.Request) error {
	now := time.Now()
	counts, err := b.store.Counts(ctx)
	if err != nil {
		return fmt.Errorf("load counts: %w", err)
	}

	out := tgui.New().Title("🩺", "Status")
	out.KV("Uptime", now.Sub(b.started).Round(time.Second).String())
	out.KV("Goroutines", strconv.Itoa(runtime.NumGoroutine()))
	out.Blank()
	out.Section("Store")
	out.KV("Subscribers", strconv.Itoa(counts.Subscribers))
	out.KV("Items", strconv.Itoa(counts.Items))
	out.KV("Watches", strconv.Itoa(counts.Watches))
	out.KV("Observations", strconv.Itoa(counts.Observations))

	out.Blank()
	out.Section("Rotation")
	for _, tier := range []storage.Tier{storage.TierFast, storage.TierStandard} {
		pop, perr := b.store.TierPopulation(ctx, tier)
		cur, cerr := b.store.Cursor(ctx, tier)
		if perr != nil || cerr != nil {
			out.Line(fmt.Sprintf("• %s: unavailable", tier))
			continue
		}
		out.Line(fmt.Sprintf("• %s: %d items, cursor at %d", tier, len(pop), cur))
	}

	if req.Services != nil && req.Services.Scheduler != nil {
		if tasks := req.Services.Scheduler.Tasks(); len(tasks) > 0 {
			out.Blank()
			out.Section("Jobs")
			for _, t := range tasks {
				out.Line(taskLine(t, now))
			}
		}
	}

	if req.Services != nil {
		out.Blank()
		out.Section("Supervisors")
		if sup := req.Services.AppSupervisor; sup != nil {
			out.Line(supervisorLine("app", sup))
		}
		if reg := req.Services.RuntimeSupervisors; reg != nil {
			snap := reg.Snapshot()
			names := make([]string, 0, len(snap))
			for name := range snap {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				out.Line(supervisorLine(name, snap[name]))
			}
		}
	}

	return reply(ctx, req, out.Build())
}

func taskLine(t router.TaskStatus, now time.Time) string {
	state := "idle"
	if t.Running {
		state = "running"
	}
	line := fmt.Sprintf("• %s [%s] %s, %d runs", t.Name, t.Spec, state, t.Runs)
	if t.Skips > 0 {
		line += fmt.Sprintf(", %d skipped", t.Skips)
	}
	if !t.LastRun.IsZero() {
		line += ", last " + humanSince(t.LastRun, now)
		if t.LastTook > 0 {
			line += " in " + t.LastTook.Round(time.Millisecond).String()
		}
	}
	if t.LastErr != "" {
		line += ", last error: " + t.LastErr
	}
	if !t.NextRun.IsZero() {
		line += ", next " + t.NextRun.Format("15:04")
	}
	return line
}

func supervisorLine(name string, sup *router.Supervisor) string {
	c := sup.Counters()
	line := fmt.Sprintf("• %s: %d active, %d started", name, c.Active, c.Started)
	if err := sup.Err(); err != nil {
		line += ", first error: " + err.Error()
	}
	return line
}
