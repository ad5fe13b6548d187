package tui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"studio.dev/livechat/internal/models"
	"studio.dev/livechat/internal/widget"
)

type formField int

const (
	fieldName formField = iota
	fieldEmail
)

// WidgetModel is the visitor chat window.
type WidgetModel struct {
	w      *widget.Widget
	snap   widget.Snapshot
	name   lineInput
	email  lineInput
	field  formField
	input  lineInput
	busy   bool
	err    error
	width  int
	height int
}

func NewWidgetModel(w *widget.Widget) *WidgetModel {
	return &WidgetModel{w: w, snap: w.View()}
}

func (m *WidgetModel) Init() tea.Cmd {
	m.busy = true
	return tea.Batch(
		run("open", m.w.Open),
		run("focus", m.w.Focus),
	)
}

func (m *WidgetModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = typed.Width, typed.Height
	case changedMsg:
		m.snap = m.w.View()
	case opDoneMsg:
		m.busy = false
		m.err = typed.err
		m.snap = m.w.View()
	case tea.FocusMsg:
		return m, run("focus", m.w.Focus)
	case tea.BlurMsg:
		m.w.Blur()
		m.snap = m.w.View()
	case tea.KeyMsg:
		return m, m.handleKey(typed)
	}
	return m, nil
}

func (m *WidgetModel) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c", "ctrl+q":
		return tea.Quit
	case "ctrl+r":
		m.busy = true
		return run("refresh", m.w.Refresh)
	case "esc":
		m.err = nil
		m.w.DismissNotice()
		return nil
	case "ctrl+o":
		return m.cycleSession()
	}

	switch m.snap.State {
	case widget.StateStartForm:
		return m.handleFormKey(msg)
	case widget.StateClosed:
		if msg.String() == "ctrl+n" || msg.String() == "enter" {
			m.busy = true
			return run("new chat", m.w.StartNewChat)
		}
		return nil
	}

	if msg.String() == "ctrl+n" {
		m.busy = true
		return run("new chat", m.w.StartNewChat)
	}
	if msg.Type == tea.KeyEnter {
		text := m.input.take()
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return run("send", func(ctx context.Context) error { return m.w.Send(ctx, text) })
	}
	m.input.handle(msg)
	return nil
}

func (m *WidgetModel) handleFormKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyTab, tea.KeyShiftTab:
		m.field = (m.field + 1) % 2
		return nil
	case tea.KeyEnter:
		name, email := m.name.value, m.email.value
		m.busy = true
		return run("start", func(ctx context.Context) error { return m.w.Start(ctx, name, email) })
	}
	if m.field == fieldName {
		m.name.handle(msg)
	} else {
		m.email.handle(msg)
	}
	return nil
}

// cycleSession shows the next session from the visitor's history.
func (m *WidgetModel) cycleSession() tea.Cmd {
	sessions := m.snap.Sessions
	if len(sessions) < 2 || m.snap.Session == nil {
		return nil
	}
	next := sessions[0].ID
	for i, s := range sessions {
		if s.ID == m.snap.Session.ID {
			next = sessions[(i+1)%len(sessions)].ID
		}
	}
	return run("switch", func(ctx context.Context) error { return m.w.SwitchSession(ctx, next) })
}

func (m *WidgetModel) View() string {
	var b strings.Builder
	title := "Chat with us"
	if m.snap.Badge > 0 {
		title += " " + badgeStyle.Render(fmt.Sprintf("%d", m.snap.Badge))
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")

	if m.snap.Notice != "" {
		b.WriteString(noticeStyle.Render(m.snap.Notice) + "\n")
	}
	if m.err != nil {
		b.WriteString(errorLine(m.err) + "\n")
	}

	switch m.snap.State {
	case widget.StateStartForm:
		b.WriteString(m.viewForm())
	default:
		b.WriteString(m.viewChat())
	}
	return b.String()
}

func (m *WidgetModel) viewForm() string {
	lines := []string{
		"Tell us who you are to start a chat.",
		"",
		m.name.view("Name:  ", m.field == fieldName),
		m.email.view("Email: ", m.field == fieldEmail),
		"",
		mutedStyle.Render("tab switch field · enter start · ctrl+c quit"),
	}
	return strings.Join(lines, "\n")
}

func (m *WidgetModel) viewChat() string {
	sess := m.snap.Session
	header := ""
	if sess != nil {
		header = mutedStyle.Render(fmt.Sprintf("Started %s · %s", sess.CreatedAt.Local().Format("Jan 2 15:04"), sess.Status))
		if len(m.snap.Sessions) > 1 {
			header += mutedStyle.Render(fmt.Sprintf(" · %d chats, ctrl+o to switch", len(m.snap.Sessions)))
		}
	}

	height := m.height - 8
	body := renderMessages(m.snap.Messages, models.RoleVisitor, height)

	var footer string
	if m.snap.State == widget.StateClosed {
		footer = mutedStyle.Render("This chat is closed. enter start a new chat · ctrl+c quit")
	} else {
		footer = inputStyle.Render(m.input.view("> ", true)) + "\n" +
			mutedStyle.Render("enter send · ctrl+n new chat · ctrl+r refresh · ctrl+c quit")
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, "", body, footer)
}

// RunWidget runs the visitor widget until the user quits.
func RunWidget(w *widget.Widget, n *Notifier) error {
	defer w.Close()
	p := tea.NewProgram(NewWidgetModel(w), tea.WithAltScreen(), tea.WithReportFocus())
	n.attach(p)
	_, err := p.Run()
	return err
}
