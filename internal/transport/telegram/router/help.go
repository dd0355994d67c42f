package router

import (
	"fmt"
	"html"
	"sort"
	"strings"
)

// helpText renders /help output as Telegram HTML. An empty path gives
// the top-level command list; a path walks the tree and also resolves
// single-token aliases.
func (m *CommandManager) helpText(path []string) string {
	m.mu.RLock()
	root := m.root
	alias := m.alias
	m.mu.RUnlock()

	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		n, ok := cur.child(p)
		if !ok {
			if leaf, ok2 := alias[p]; ok2 && leaf != nil && leaf.cmd != nil {
				cur = leaf
				full = splitRoute(leaf.cmd.Route)
				break
			}
			return m.helpUnknownHTML()
		}
		cur = n
		full = append(full, p)
	}

	if len(path) == 0 {
		return m.helpTopHTML(root)
	}
	return m.helpNodeHTML(cur, full)
}

func (m *CommandManager) helpUnknownHTML() string {
	return strings.Join([]string{
		"❓ <b>Unknown command</b>",
		"Type <code>/help</code> to see the command list.",
	}, "\n")
}

// cmdRow renders one "• /cmd — description" help line, locked entries
// marked with 🔒.
func cmdRow(display, desc string, lock bool) string {
	row := "• "
	if lock {
		row = "• 🔒 "
	}
	row += "<code>/" + html.EscapeString(display) + "</code>"
	if desc != "" {
		row += " — " + html.EscapeString(desc)
	}
	return row
}

func (m *CommandManager) helpTopHTML(root *cmdNode) string {
	type topRow struct {
		name string
		desc string
		lock bool
	}
	names := root.childNames()
	rows := make([]topRow, 0, len(names))
	for _, name := range names {
		n, _ := root.child(name)
		if n == nil {
			continue
		}
		rows = append(rows, topRow{name: name, desc: summarizeNodeDesc(n), lock: nodeIsOwnerOnly(n)})
	}
	// Public commands first, then owner-only, alphabetical within each.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].lock != rows[j].lock {
			return !rows[i].lock
		}
		return rows[i].name < rows[j].name
	})

	lines := []string{
		"📚 <b>Commands</b>",
		"Type <code>/help &lt;cmd&gt;</code> for details.",
		"",
	}
	for _, r := range rows {
		lines = append(lines, cmdRow(r.name, r.desc, r.lock))
	}
	lines = append(lines,
		"",
		"Tip: send an Amazon product link to start tracking it.",
	)
	return strings.Join(lines, "\n")
}

func (m *CommandManager) helpNodeHTML(cur *cmdNode, full []string) string {
	title := "/" + strings.Join(full, " ")
	lines := []string{fmt.Sprintf("📚 <b>Help</b> <code>%s</code>", html.EscapeString(title))}

	if cur != nil && cur.cmd != nil {
		c := cur.cmd
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "🔒 <i>owner only</i>")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
		}
		if short := buildShortcuts(*c); len(short) > 0 {
			lines = append(lines, "", "<b>Shortcuts</b>")
			for _, s := range short {
				lines = append(lines, "• <code>/"+html.EscapeString(s)+"</code>")
			}
		}
	} else {
		lines = append(lines, "Command group (has subcommands).")
		if nodeIsOwnerOnly(cur) {
			lines = append(lines, "🔒 <i>owner only</i>")
		}
	}

	if cur != nil && len(cur.children) > 0 {
		lines = append(lines, "", "<b>Subcommands</b>")
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			if n == nil {
				continue
			}
			display := strings.Join(append(append([]string(nil), full...), name), " ")
			lines = append(lines, cmdRow(display, summarizeNodeDesc(n), nodeIsOwnerOnly(n)))
		}
	}

	return strings.Join(lines, "\n")
}

// summarizeNodeDesc describes a node for list rows: a leaf's own
// description, or for a group the first few subcommand names.
func summarizeNodeDesc(n *cmdNode) string {
	if n == nil {
		return ""
	}
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	show := min(3, len(kids))
	s := strings.Join(kids[:show], ", ")
	if len(kids) > show {
		s += ", …"
	}
	return "subcommands: " + s
}

// nodeIsOwnerOnly reports whether every command reachable from n is
// owner-only; a leaf answers for itself.
func nodeIsOwnerOnly(n *cmdNode) bool {
	if n == nil {
		return false
	}
	if n.cmd != nil {
		return n.cmd.Access == AccessOwnerOnly
	}
	for _, ch := range n.children {
		if hasPublicCommand(ch) {
			return false
		}
	}
	return true
}

func hasPublicCommand(n *cmdNode) bool {
	if n == nil {
		return false
	}
	if n.cmd != nil && n.cmd.Access == AccessEveryone {
		return true
	}
	for _, ch := range n.children {
		if hasPublicCommand(ch) {
			return true
		}
	}
	return false
}

// buildShortcuts collects the single-token ways to reach c: its
// Telegram menu form and any aliases, each with a sanitized variant.
func buildShortcuts(c Command) []string {
	var out []string
	seen := map[string]bool{}
	push := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	if menu, ok := telegramCommandNameFromRoute(splitRoute(c.Route)); ok {
		push(menu)
	}
	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.ContainsRune(a, ' ') {
			continue
		}
		push(a)
		push(sanitizeTelegramCommand(a))
	}
	sort.Strings(out)
	return out
}
