// Package tui renders the visitor widget and the admin console in the terminal.
package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"studio.dev/livechat/internal/models"
)

const opTimeout = 15 * time.Second

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	adminStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	visitorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	selectStyle  = lipgloss.NewStyle().Reverse(true)
	badgeStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("9")).Padding(0, 1)
	paneStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("8")).Padding(0, 1)
	inputStyle   = lipgloss.NewStyle().Border(lipgloss.NormalBorder(), true, false, false, false).BorderForeground(lipgloss.Color("8"))
)

// changedMsg tells a model to re-read its controller.
type changedMsg struct{}

// opDoneMsg carries the result of a backend call run as a command.
type opDoneMsg struct {
	op  string
	err error
}

// Notifier forwards controller changes to a running program. Controllers are
// built before the program, so the program is attached later.
type Notifier struct {
	mu sync.Mutex
	p  *tea.Program
}

func (n *Notifier) attach(p *tea.Program) {
	n.mu.Lock()
	n.p = p
	n.mu.Unlock()
}

// Notify is safe to call from any goroutine, including subscription callbacks.
func (n *Notifier) Notify() {
	n.mu.Lock()
	p := n.p
	n.mu.Unlock()
	if p != nil {
		go p.Send(changedMsg{})
	}
}

func run(op string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return opDoneMsg{op: op, err: fn(ctx)}
	}
}

// lineInput is a single-line text field.
type lineInput struct {
	value string
}

// handle applies a key to the field and reports whether it was consumed.
func (in *lineInput) handle(msg tea.KeyMsg) bool {
	switch msg.Type {
	case tea.KeyRunes, tea.KeySpace:
		in.value += string(msg.Runes)
		return true
	case tea.KeyBackspace, tea.KeyDelete, tea.KeyCtrlH:
		if r := []rune(in.value); len(r) > 0 {
			in.value = string(r[:len(r)-1])
		}
		return true
	case tea.KeyCtrlU:
		in.value = ""
		return true
	}
	return false
}

func (in *lineInput) take() string {
	v := in.value
	in.value = ""
	return v
}

func (in lineInput) view(label string, focused bool) string {
	cursor := ""
	if focused {
		cursor = "█"
	}
	return mutedStyle.Render(label) + in.value + cursor
}

func renderMessages(msgs []models.ChatMessage, viewer models.SenderRole, height int) string {
	var lines []string
	for _, m := range msgs {
		style := visitorStyle
		if m.SenderRole == models.RoleAdmin {
			style = adminStyle
		}
		meta := m.CreatedAt.Local().Format("15:04")
		if m.Seq == 0 {
			meta = "sending"
		} else if m.SenderRole == viewer && m.ReadAt != nil {
			meta += " ✓"
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", style.Render(m.SenderName+":"), m.Body, mutedStyle.Render(meta)))
	}
	if height > 0 && len(lines) > height {
		lines = lines[len(lines)-height:]
	}
	if len(lines) == 0 {
		return mutedStyle.Render("No messages yet.")
	}
	return strings.Join(lines, "\n")
}

func errorLine(err error) string {
	if err == nil {
		return ""
	}
	return errorStyle.Render(err.Error())
}
