package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/luabridge/errors"
	"github.com/wippyai/luabridge/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// maxEntries bounds the scrollback kept on screen.
const maxEntries = 200

type entry struct {
	err    error
	input  string
	output string
}

type interactiveModel struct {
	err      error
	L        *runtime.State
	opts     []runtime.Option
	input    textinput.Model
	entries  []entry
	history  []string
	histIdx  int
	pending  []string
	evalBusy bool
}

func newInteractiveModel(opts []runtime.Option) *interactiveModel {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.PromptStyle = promptStyle
	ti.Placeholder = "lua statement or expression"
	ti.Width = 72
	ti.Focus()
	return &interactiveModel{
		opts:  opts,
		input: ti,
	}
}

type startedMsg struct {
	err error
	L   *runtime.State
}

type evalMsg struct {
	err    error
	input  string
	output string
}

func (m *interactiveModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.start)
}

func (m *interactiveModel) start() tea.Msg {
	L, err := newState(context.Background(), m.opts, nil)
	return startedMsg{L: L, err: err}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+d", "esc":
			if m.L != nil {
				_ = m.L.Close(context.Background())
			}
			return m, tea.Quit

		case "up":
			if m.histIdx > 0 {
				m.histIdx--
				m.input.SetValue(m.history[m.histIdx])
				m.input.CursorEnd()
			}
			return m, nil

		case "down":
			if m.histIdx < len(m.history)-1 {
				m.histIdx++
				m.input.SetValue(m.history[m.histIdx])
			} else {
				m.histIdx = len(m.history)
				m.input.SetValue("")
			}
			m.input.CursorEnd()
			return m, nil

		case "enter":
			if m.L == nil || m.evalBusy {
				return m, nil
			}
			line := m.input.Value()
			m.input.SetValue("")
			if strings.TrimSpace(line) == "" && len(m.pending) == 0 {
				return m, nil
			}
			m.history = append(m.history, line)
			m.histIdx = len(m.history)
			m.pending = append(m.pending, line)
			m.evalBusy = true
			return m, m.eval(strings.Join(m.pending, "\n"))
		}

	case startedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.L = msg.L

	case evalMsg:
		m.evalBusy = false
		if isIncomplete(msg.err) {
			m.input.Prompt = ">> "
			return m, nil
		}
		m.pending = nil
		m.input.Prompt = "> "
		m.entries = append(m.entries, entry{input: msg.input, output: msg.output, err: msg.err})
		if len(m.entries) > maxEntries {
			m.entries = m.entries[len(m.entries)-maxEntries:]
		}
		if m.L.Closed() {
			return m, tea.Quit
		}
		_, _ = m.L.MeasureMemory(context.Background())
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// eval runs source, first as an expression so the REPL echoes values.
func (m *interactiveModel) eval(source string) tea.Cmd {
	L := m.L
	return func() tea.Msg {
		ctx := context.Background()
		fn, err := L.Load(ctx, "return "+source, "=stdin")
		if err != nil {
			fn, err = L.Load(ctx, source, "=stdin")
		}
		if err != nil {
			return evalMsg{input: source, err: err}
		}
		defer fn.Release()

		results, err := fn.Call(ctx)
		if err != nil {
			return evalMsg{input: source, err: err}
		}
		return evalMsg{input: source, output: formatValues(results)}
	}
}

// isIncomplete reports a compile error caused by input ending mid-statement.
func isIncomplete(err error) bool {
	if !stderrors.Is(err, errors.ErrCompile) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "EOF") || strings.Contains(msg, "<eof>")
}

func (m *interactiveModel) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress esc to quit.", m.err))
	}
	if m.L == nil {
		return "Starting interpreter..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("Lua"))
	b.WriteString(" ")
	b.WriteString(statusStyle.Render(m.status()))
	b.WriteString("\n\n")

	for _, e := range m.entries {
		for i, line := range strings.Split(e.input, "\n") {
			prompt := "> "
			if i > 0 {
				prompt = ">> "
			}
			b.WriteString(promptStyle.Render(prompt))
			b.WriteString(line)
			b.WriteString("\n")
		}
		switch {
		case e.err != nil:
			b.WriteString(errorStyle.Render(e.err.Error()))
			b.WriteString("\n")
		case e.output != "":
			b.WriteString(resultStyle.Render(e.output))
			b.WriteString("\n")
		}
	}

	if len(m.pending) > 0 {
		for _, line := range m.pending {
			b.WriteString(promptStyle.Render(">> "))
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("enter run • ↑/↓ history • esc quit"))

	return b.String()
}

func (m *interactiveModel) status() string {
	if m.L.Closed() {
		return "closed"
	}
	usage := fmt.Sprintf("mem %d B", m.L.MemoryUsage())
	if limit := m.L.TimeLimit(); limit > 0 {
		usage += fmt.Sprintf(" • time limit %s", limit)
	}
	return usage
}

func runInteractive(opts []runtime.Option) error {
	p := tea.NewProgram(newInteractiveModel(opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
