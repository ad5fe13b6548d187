package tui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"studio.dev/livechat/internal/console"
	"studio.dev/livechat/internal/models"
)

type consolePane int

const (
	paneList consolePane = iota
	paneReply
)

// ConsoleModel is the admin view: session list on the left, the selected
// conversation on the right.
type ConsoleModel struct {
	c      *console.Console
	snap   console.Snapshot
	cursor int
	pane   consolePane
	input  lineInput
	busy   bool
	err    error
	width  int
	height int
}

func NewConsoleModel(c *console.Console) *ConsoleModel {
	return &ConsoleModel{c: c, snap: c.View()}
}

func (m *ConsoleModel) Init() tea.Cmd {
	m.busy = true
	return run("open", m.c.Open)
}

// rows lists active sessions first, then closed ones.
func (m *ConsoleModel) rows() []models.ChatSession {
	out := make([]models.ChatSession, 0, len(m.snap.Active)+len(m.snap.Closed))
	out = append(out, m.snap.Active...)
	return append(out, m.snap.Closed...)
}

func (m *ConsoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = typed.Width, typed.Height
	case changedMsg:
		m.reload()
	case opDoneMsg:
		m.busy = false
		m.err = typed.err
		m.reload()
	case tea.KeyMsg:
		return m, m.handleKey(typed)
	}
	return m, nil
}

func (m *ConsoleModel) reload() {
	m.snap = m.c.View()
	if n := len(m.rows()); m.cursor >= n {
		m.cursor = max(n-1, 0)
	}
}

func (m *ConsoleModel) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c":
		return tea.Quit
	case "ctrl+r":
		m.busy = true
		return run("refresh", m.c.Refresh)
	case "ctrl+x":
		return run("close", m.c.CloseSelected)
	case "tab":
		m.pane = (m.pane + 1) % 2
		return nil
	case "esc":
		m.err = nil
		m.c.DismissNotice()
		return nil
	}

	if m.pane == paneList {
		return m.handleListKey(msg)
	}
	if msg.Type == tea.KeyEnter {
		text := m.input.take()
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return run("reply", func(ctx context.Context) error { return m.c.Reply(ctx, text) })
	}
	m.input.handle(msg)
	return nil
}

func (m *ConsoleModel) handleListKey(msg tea.KeyMsg) tea.Cmd {
	rows := m.rows()
	switch msg.String() {
	case "q":
		return tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(rows)-1 {
			m.cursor++
		}
	case "enter":
		if m.cursor < len(rows) {
			id := rows[m.cursor].ID
			m.pane = paneReply
			return run("select", func(ctx context.Context) error { return m.c.Select(ctx, id) })
		}
	}
	return nil
}

func (m *ConsoleModel) View() string {
	header := titleStyle.Render("Live chat console")
	if total := m.snap.UnreadTotal(); total > 0 {
		header += " " + badgeStyle.Render(fmt.Sprintf("%d unread", total))
	}
	if m.busy {
		header += mutedStyle.Render(" · working")
	}
	lines := []string{header}
	if m.snap.Notice != "" {
		lines = append(lines, noticeStyle.Render(m.snap.Notice))
	}
	if m.err != nil {
		lines = append(lines, errorLine(m.err))
	}

	listWidth := 34
	chatWidth := m.width - listWidth - 6
	if chatWidth < 30 {
		chatWidth = 30
	}
	bodyHeight := m.height - len(lines) - 4
	if bodyHeight < 5 {
		bodyHeight = 5
	}

	list := paneStyle.Width(listWidth).Height(bodyHeight).Render(m.viewList())
	chat := paneStyle.Width(chatWidth).Height(bodyHeight).Render(m.viewChat(bodyHeight - 3))
	lines = append(lines,
		lipgloss.JoinHorizontal(lipgloss.Top, list, chat),
		mutedStyle.Render("tab switch pane · enter open/send · ctrl+x close chat · ctrl+r refresh · ctrl+c quit"),
	)
	return strings.Join(lines, "\n")
}

func (m *ConsoleModel) viewList() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Active") + "\n")
	i := 0
	row := func(s models.ChatSession) {
		line := s.VisitorName
		if s.UnreadCountForAdmin > 0 {
			line += " " + badgeStyle.Render(fmt.Sprintf("%d", s.UnreadCountForAdmin))
		}
		line += mutedStyle.Render(" " + s.UpdatedAt.Local().Format("15:04"))
		if i == m.cursor && m.pane == paneList {
			line = selectStyle.Render(line)
		} else if m.snap.Selected != nil && m.snap.Selected.ID == s.ID {
			line = "› " + line
		}
		b.WriteString(line + "\n")
		i++
	}
	for _, s := range m.snap.Active {
		row(s)
	}
	if len(m.snap.Active) == 0 {
		b.WriteString(mutedStyle.Render("none") + "\n")
	}
	b.WriteString("\n" + titleStyle.Render("Closed") + "\n")
	for _, s := range m.snap.Closed {
		row(s)
	}
	return b.String()
}

func (m *ConsoleModel) viewChat(height int) string {
	sel := m.snap.Selected
	if sel == nil {
		return mutedStyle.Render("Select a session to start replying.")
	}
	title := titleStyle.Render(sel.VisitorName)
	if sel.VisitorEmail != "" {
		title += mutedStyle.Render(" <" + sel.VisitorEmail + ">")
	}
	if sel.IsClosed() {
		title += mutedStyle.Render(" · closed")
	}
	if m.snap.Stale {
		title += noticeStyle.Render(" · stale")
	}
	body := renderMessages(m.snap.Messages, models.RoleAdmin, height-2)
	input := mutedStyle.Render("closed")
	if !sel.IsClosed() {
		input = m.input.view("reply> ", m.pane == paneReply)
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, body, inputStyle.Render(input))
}

// RunConsole runs the admin console until the user quits.
func RunConsole(c *console.Console, n *Notifier) error {
	defer c.Close()
	p := tea.NewProgram(NewConsoleModel(c), tea.WithAltScreen())
	n.attach(p)
	_, err := p.Run()
	return err
}
