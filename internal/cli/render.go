package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/harun/orbit/pkg/agent"
	"github.com/harun/orbit/pkg/session"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := time.Since(t)
	switch {
	case diff < 24*time.Hour:
		return t.Local().Format("Today 15:04")
	case diff < 7*24*time.Hour:
		return t.Local().Format("Mon 15:04")
	case diff < 365*24*time.Hour:
		return t.Local().Format("Jan 02 15:04")
	default:
		return t.Local().Format("2006-01-02")
	}
}

// renderSessionList writes one row per session, most recently active first
func renderSessionList(w io.Writer, summaries []session.Summary) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, headerStyle.Render("No sessions found"))
		return
	}

	sorted := append([]session.Summary(nil), summaries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LastActiveAt.After(sorted[j].LastActiveAt)
	})

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Found %d session(s)", len(sorted))))
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, strings.Join([]string{
		titleStyle.Render("ID"),
		titleStyle.Render("PARENT"),
		titleStyle.Render("TURNS"),
		titleStyle.Render("ITEMS"),
		titleStyle.Render("LAST ACTIVE"),
	}, "\t"))
	for _, s := range sorted {
		parent := "-"
		if s.ParentID != "" {
			parent = fmt.Sprintf("%s@%d", s.ParentID, s.ForkIndex)
		}
		fmt.Fprintln(tw, strings.Join([]string{
			s.ID,
			idStyle.Render(parent),
			countStyle.Render(fmt.Sprint(s.TurnCount)),
			fmt.Sprint(s.ItemCount),
			dimStyle.Render(formatTime(s.LastActiveAt)),
		}, "\t"))
	}
	tw.Flush()
}

// renderTrees draws each fork tree with box-drawing connectors
func renderTrees(w io.Writer, trees []*session.Tree) {
	if len(trees) == 0 {
		fmt.Fprintln(w, headerStyle.Render("No sessions found"))
		return
	}
	for _, tree := range trees {
		fmt.Fprintln(w, treeLabel(tree))
		renderChildren(w, tree.Children, "")
	}
}

func renderChildren(w io.Writer, children []*session.Tree, prefix string) {
	for i, child := range children {
		connector, next := "├── ", "│   "
		if i == len(children)-1 {
			connector, next = "└── ", "    "
		}
		fmt.Fprintln(w, prefix+dimStyle.Render(connector)+treeLabel(child))
		renderChildren(w, child.Children, prefix+next)
	}
}

func treeLabel(t *session.Tree) string {
	meta := fmt.Sprintf("%d turns", t.Summary.TurnCount)
	if t.Summary.ParentID != "" {
		meta = fmt.Sprintf("forked at %d, %s", t.Summary.ForkIndex, meta)
	}
	return titleStyle.Render(t.Summary.ID) + " " + dimStyle.Render("("+meta+")")
}

// renderTranscript writes a readable log of a session
func renderTranscript(w io.Writer, sess *session.Session) {
	summary := sess.Summary()
	fmt.Fprintln(w, headerStyle.Render("Session "+summary.ID))
	if summary.ParentID != "" {
		fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("forked from %s at %d", summary.ParentID, summary.ForkIndex)))
	}
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%d turns, %d items, created %s",
		summary.TurnCount, summary.ItemCount, formatTime(summary.CreatedAt))))

	for i, item := range sess.Items() {
		fmt.Fprintln(w)
		index := idStyle.Render(fmt.Sprintf("[%d]", i))
		switch v := item.(type) {
		case session.Message:
			fmt.Fprintf(w, "%s %s\n%s\n", index, titleStyle.Render(string(v.Role)), v.Content)
		case session.ToolCall:
			args, _ := json.Marshal(v.Args)
			fmt.Fprintf(w, "%s %s %s\n", index, toolStyle.Render("call "+v.Name), dimStyle.Render(string(args)))
		case session.ToolResult:
			if v.Error != "" {
				fmt.Fprintf(w, "%s %s\n%s\n", index, errorStyle.Render("error "+v.Name), v.Error)
			} else {
				fmt.Fprintf(w, "%s %s\n%s\n", index, toolStyle.Render("result "+v.Name), v.Output)
			}
		}
	}
}

// eventPrinter streams assistant text to out and progress lines to status
type eventPrinter struct {
	out    io.Writer
	status io.Writer

	sessionID  string
	midLine    bool
	stopReason string
}

// handle prints ev and returns the run error, if ev carries one
func (p *eventPrinter) handle(ev agent.Event) error {
	if ev.SessionID != "" {
		p.sessionID = ev.SessionID
	}

	switch ev.Type {
	case agent.EventSessionCreated:
		fmt.Fprintln(p.status, dimStyle.Render("session "+ev.SessionID))
	case agent.EventContentDelta:
		fmt.Fprint(p.out, ev.Text)
		p.midLine = !strings.HasSuffix(ev.Text, "\n")
	case agent.EventToolCallStart:
		p.endLine()
		args, _ := json.Marshal(ev.Call.Args)
		fmt.Fprintln(p.status, toolStyle.Render("→ "+ev.Call.Name)+" "+dimStyle.Render(string(args)))
	case agent.EventToolCallComplete:
		fmt.Fprintln(p.status, toolStyle.Render("✓ "+ev.Call.Name))
	case agent.EventToolCallError:
		name := "tool"
		if ev.Call != nil {
			name = ev.Call.Name
		}
		fmt.Fprintln(p.status, errorStyle.Render("✗ "+name)+" "+ev.Error)
	case agent.EventTurnComplete:
		p.endLine()
	case agent.EventExecutionComplete:
		p.endLine()
		p.stopReason = "complete"
		fmt.Fprintln(p.status, dimStyle.Render(fmt.Sprintf("done in %d turn(s), session %s", ev.Turns, p.sessionID)))
	case agent.EventMaxTurnsReached:
		p.endLine()
		p.stopReason = "max_turns"
		fmt.Fprintln(p.status, warnStyle.Render("stopped: turn limit reached")+" "+dimStyle.Render("session "+p.sessionID))
	case agent.EventLoopDetected:
		p.endLine()
		p.stopReason = "loop"
		name := ""
		if ev.Call != nil {
			name = ev.Call.Name
		}
		fmt.Fprintln(p.status, warnStyle.Render("stopped: repeated call to "+name)+" "+dimStyle.Render("session "+p.sessionID))
	case agent.EventExecutionError:
		p.endLine()
		p.stopReason = "error"
		return fmt.Errorf("run failed: %s", ev.Error)
	}
	return nil
}

func (p *eventPrinter) endLine() {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
}
