package router

import (
	"sort"
	"strings"
	"unicode"

	kit "pricebot/internal/transport"
)

// sanitizeTelegramCommand lowers an arbitrary route or alias into
// Telegram's [a-z0-9_]{1,32} command alphabet. Separators collapse to
// single underscores, anything else is dropped, and a leading digit
// gets a "cmd_" prefix since clients expect commands to start with a
// letter.
func sanitizeTelegramCommand(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			b.WriteByte('_')
		}
	}

	out := strings.Trim(collapseUnderscores(b.String()), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out == "" {
		return ""
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
		if len(out) > 32 {
			out = strings.TrimRight(out[:32], "_")
		}
	}
	return out
}

func collapseUnderscores(s string) string {
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return s
}

// telegramCommandNameFromRoute flattens a route like ["status","tiers"]
// into one menu command ("status_tiers").
func telegramCommandNameFromRoute(route []string) (string, bool) {
	out := sanitizeTelegramCommand(strings.Join(route, "_"))
	return out, out != ""
}

// buildTelegramMenuCommands renders the autocomplete menu: top-level
// groups and commands first, multi-token leaves as /a_b shortcuts after
// them. Owner-only entries carry a lock so regular users know not to
// bother.
func buildTelegramMenuCommands(root *cmdNode, leafCmds []Command) []kit.BotCommand {
	type entry struct {
		cmd  string
		desc string
		prio int
	}
	byCmd := map[string]entry{}
	add := func(cmd, desc string, prio int) {
		cmd = sanitizeTelegramCommand(cmd)
		if cmd == "" {
			return
		}
		desc = strings.ReplaceAll(strings.TrimSpace(desc), "\n", " ")
		if desc == "" {
			desc = cmd
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		// First writer wins unless the newcomer has a better priority
		// or, on a tie, a tighter description.
		if cur, ok := byCmd[cmd]; ok && (cur.prio < prio || (cur.prio == prio && len(cur.desc) <= len(desc))) {
			return
		}
		byCmd[cmd] = entry{cmd: cmd, desc: desc, prio: prio}
	}

	if root != nil {
		for _, name := range root.childNames() {
			n, _ := root.child(name)
			if n == nil {
				continue
			}
			desc := summarizeNodeDesc(n)
			if nodeIsOwnerOnly(n) {
				desc = "🔒 " + desc
			}
			add(name, desc, 0)
		}
	}

	for _, c := range leafCmds {
		route := splitRoute(c.Route)
		// Single-token routes are already in the top-level list.
		if len(route) < 2 {
			continue
		}
		menu, ok := telegramCommandNameFromRoute(route)
		if !ok {
			continue
		}
		desc := strings.TrimSpace(c.Description)
		if desc == "" {
			desc = strings.Join(route, " ")
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		add(menu, desc, 1)
	}

	entries := make([]entry, 0, len(byCmd))
	for _, e := range byCmd {
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].prio != entries[j].prio {
			return entries[i].prio < entries[j].prio
		}
		return entries[i].cmd < entries[j].cmd
	})

	// Telegram caps setMyCommands at 100 entries.
	out := make([]kit.BotCommand, 0, len(entries))
	for _, e := range entries {
		out = append(out, kit.BotCommand{Command: e.cmd, Description: e.desc})
		if len(out) >= 100 {
			break
		}
	}
	return out
}
