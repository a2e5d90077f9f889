package router

import (
	"fmt"
	"html"
	"sort"
	"strings"
)

// helpText renders help in Telegram HTML. Admin-only commands are listed
// only for admins.
func (m *CommandManager) helpText(path []string, admin bool) string {
	m.mu.RLock()
	root := m.root
	alias := m.alias
	m.mu.RUnlock()

	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		p = strings.ToLower(strings.TrimPrefix(p, "/"))
		n, ok := cur.child(p)
		if !ok {
			if leaf, ok2 := alias[p]; ok2 && leaf != nil && leaf.cmd != nil {
				cur = leaf
				full = splitRoute(leaf.cmd.Route)
				break
			}
			return helpUnknownHTML()
		}
		cur = n
		full = append(full, p)
	}

	if len(path) == 0 {
		return helpTopHTML(root, admin)
	}
	if nodeIsAdminOnly(cur) && !admin {
		return helpUnknownHTML()
	}
	return helpNodeHTML(cur, full, admin)
}

func helpUnknownHTML() string {
	return "❓ <b>Unknown command</b>\nSend <code>/help</code> for the list of commands."
}

type topRow struct {
	name string
	desc string
	lock bool
}

func helpTopHTML(root *cmdNode, admin bool) string {
	names := root.childNames()
	rows := make([]topRow, 0, len(names))
	for _, name := range names {
		n, _ := root.child(name)
		lock := nodeIsAdminOnly(n)
		if lock && !admin {
			continue
		}
		rows = append(rows, topRow{name: name, desc: summarizeNodeDesc(n), lock: lock})
	}
	// admin commands last, alphabetical within each group
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].lock != rows[j].lock {
			return !rows[i].lock
		}
		return rows[i].name < rows[j].name
	})

	lines := []string{
		"📚 <b>Commands</b>",
		"Send <code>/help &lt;command&gt;</code> for details.",
		"",
	}
	for _, r := range rows {
		suffix := ""
		if r.desc != "" {
			suffix = " - " + html.EscapeString(r.desc)
		}
		prefix := "• "
		if r.lock {
			prefix = "• 🔒 "
		}
		lines = append(lines, prefix+"<code>/"+html.EscapeString(r.name)+"</code>"+suffix)
	}
	return strings.Join(filterEmpty(lines), "\n")
}

func helpNodeHTML(cur *cmdNode, full []string, admin bool) string {
	title := "/" + strings.Join(full, " ")
	lines := []string{fmt.Sprintf("📚 <b>Help</b> <code>%s</code>", html.EscapeString(title))}

	if cur.cmd != nil {
		c := cur.cmd
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if c.Access == AccessAdminOnly {
			lines = append(lines, "🔒 <i>Administrators only</i>")
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
		lines = append(lines, "Command group.")
	}

	if len(cur.children) > 0 {
		lines = append(lines, "", "<b>Subcommands</b>")
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			lock := nodeIsAdminOnly(n)
			if lock && !admin {
				continue
			}
			path := append(append([]string(nil), full...), name)
			suffix := ""
			if desc := summarizeNodeDesc(n); desc != "" {
				suffix = " - " + html.EscapeString(desc)
			}
			prefix := "• "
			if lock {
				prefix = "• 🔒 "
			}
			lines = append(lines, prefix+"<code>/"+html.EscapeString(strings.Join(path, " "))+"</code>"+suffix)
		}
	}
	return strings.Join(filterEmpty(lines), "\n")
}

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
	shown := min(len(kids), 3)
	s := strings.Join(kids[:shown], ", ")
	if len(kids) > shown {
		s += ", …"
	}
	return "subcommands: " + s
}

// nodeIsAdminOnly reports whether a leaf is admin-only, or whether every
// command below a group is.
func nodeIsAdminOnly(n *cmdNode) bool {
	if n == nil {
		return false
	}
	if n.cmd != nil {
		return n.cmd.Access == AccessAdminOnly
	}
	for _, ch := range n.children {
		if !nodeIsAdminOnly(ch) {
			return false
		}
	}
	return true
}

func buildShortcuts(c Command) []string {
	out := make([]string, 0, 4)
	seen := map[string]bool{}
	add := func(s string) {
		if s != "" && !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	route := splitRoute(c.Route)
	if menu, ok := telegramCommandNameFromRoute(route); ok && len(route) > 1 {
		add(menu)
	}
	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.Contains(a, " ") {
			continue
		}
		add(a)
		add(sanitizeTelegramCommand(a))
	}
	sort.Strings(out)
	return out
}

func filterEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for i, s := range in {
		// keep single blank separators between sections
		if strings.TrimSpace(s) == "" && (i == 0 || strings.TrimSpace(in[i-1]) == "") {
			continue
		}
		out = append(out, s)
	}
	return out
}
