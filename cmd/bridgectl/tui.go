package main

import (
	"context"
	goerrors "errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/subcommands"
	"golang.org/x/term"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/bridge"
	"github.com/wippyai/corebridge/errors"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	methodStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	serviceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type methodInfo struct {
	service abi.RPCService
	name    string
	example string
}

var tuiMethods = []methodInfo{
	{abi.RPCServiceHealth, "Check", ``},
	{abi.RPCServiceHealth, "Echo", `hello`},
	{abi.RPCServiceWorkflow, "GetSystemInfo", ``},
	{abi.RPCServiceWorkflow, "DescribeNamespace", `{"namespace":"default"}`},
	{abi.RPCServiceWorkflow, "StartWorkflowExecution", `{"namespace":"default","workflow_id":"wf-1","workflow_type":"Echo","task_queue":"bridgectl","input":"aGk="}`},
	{abi.RPCServiceWorkflow, "DescribeWorkflowExecution", `{"namespace":"default","workflow_id":"wf-1"}`},
	{abi.RPCServiceOperator, "ListSearchAttributes", `{"namespace":"default"}`},
	{abi.RPCServiceTest, "GetCurrentTime", ``},
}

type tuiState int

const (
	stateSelectMethod tuiState = iota
	stateEditRequest
	stateShowResult
)

type tuiModel struct {
	err      error
	client   *bridge.Client
	target   string
	result   string
	elapsed  time.Duration
	input    textinput.Model
	selected int
	state    tuiState
}

type callResultMsg struct {
	err     error
	result  string
	elapsed time.Duration
}

func newTUIModel(client *bridge.Client) *tuiModel {
	return &tuiModel{client: client, target: client.Target(), state: stateSelectMethod}
}

func (m *tuiModel) Init() tea.Cmd {
	return nil
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit

		case "q":
			if m.state != stateEditRequest {
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectMethod && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectMethod && m.selected < len(tuiMethods)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectMethod:
				m.prepareInput()
				m.state = stateEditRequest
				return m, nil
			case stateEditRequest:
				return m, m.call(m.input.Value())
			case stateShowResult:
				m.reset()
			}

		case "esc":
			if m.state != stateSelectMethod {
				m.reset()
				return m, nil
			}
		}

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.elapsed = msg.elapsed
		m.state = stateShowResult
	}

	if m.state == stateEditRequest {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *tuiModel) reset() {
	m.state = stateSelectMethod
	m.result = ""
	m.err = nil
}

func (m *tuiModel) prepareInput() {
	ti := textinput.New()
	ti.Prompt = "request: "
	ti.SetValue(tuiMethods[m.selected].example)
	ti.Width = 80
	ti.Focus()
	m.input = ti
}

func (m *tuiModel) call(body string) tea.Cmd {
	method := tuiMethods[m.selected]
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		start := time.Now()
		out, err := m.client.Call(ctx, bridge.RPCRequest{Service: method.service, Method: method.name, Request: []byte(body)})
		return callResultMsg{err: err, result: string(out), elapsed: time.Since(start)}
	}
}

func (m *tuiModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("bridgectl"))
	b.WriteString(" ")
	b.WriteString(m.target)
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectMethod:
		b.WriteString("Select a method to call:\n\n")
		for i, method := range tuiMethods {
			line := formatMethod(method)
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter edit request • q quit"))

	case stateEditRequest:
		b.WriteString(fmt.Sprintf("Calling %s\n\n", formatMethod(tuiMethods[m.selected])))
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter call • esc back"))

	case stateShowResult:
		b.WriteString(fmt.Sprintf("Result of %s in %v:\n\n", formatMethod(tuiMethods[m.selected]), m.elapsed.Round(time.Millisecond)))
		var rpcErr *errors.RPCError
		switch {
		case goerrors.As(m.err, &rpcErr):
			b.WriteString(errorStyle.Render(fmt.Sprintf("%s: %s", rpcErr.Code, rpcErr.Message)))
		case m.err != nil:
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		default:
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func formatMethod(m methodInfo) string {
	return serviceStyle.Render(m.service.String()) + "/" + methodStyle.Render(m.name)
}

type tuiCmd struct {
	settings
}

func (*tuiCmd) Name() string     { return "tui" }
func (*tuiCmd) Synopsis() string { return "browses and calls RPC methods interactively" }
func (*tuiCmd) Usage() string {
	return `bridgectl tui [flags...]

flags:
`
}

func (c *tuiCmd) SetFlags(f *flag.FlagSet) {
	c.connFlags(f)
}

func (c *tuiCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return failf("tui needs a terminal; use the rpc command instead")
	}
	s, err := openSession(ctx, c.settings)
	if err != nil {
		return failf("%v", err)
	}
	defer s.Close()
	client, err := s.connect(ctx, c.target)
	if err != nil {
		return failf("%v", err)
	}
	defer client.Close()

	p := tea.NewProgram(newTUIModel(client), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !goerrors.Is(err, tea.ErrProgramKilled) {
		return failf("%v", err)
	}
	return subcommands.ExitSuccess
}
