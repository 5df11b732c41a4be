package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rmax-ai/streamguard/pkg/api"
	"github.com/rmax-ai/streamguard/pkg/client"
	"github.com/rmax-ai/streamguard/pkg/queue"
)

const (
	pollRate       = time.Second
	maxRequests    = 50
	viewportHeight = 15
)

// Styles
var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Underline(true)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			Width(100)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(100)

	timeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(10)
	idStyle       = lipgloss.NewStyle().Width(38)
	providerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Width(12)

	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // Red
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // Green
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))  // Blue
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // Orange
)

type tickMsg time.Time

type dataMsg struct {
	stats     queue.Stats
	providers []api.ProviderState
	requests  []queue.Snapshot
	err       error
}

type model struct {
	client    *client.Client
	spinner   spinner.Model
	viewport  viewport.Model
	stats     queue.Stats
	providers []api.ProviderState
	requests  []queue.Snapshot
	err       error
	ready     bool
}

func initialModel(c *client.Client) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		client:   c,
		spinner:  s,
		viewport: newViewport(100),
	}
}

func newViewport(width int) viewport.Model {
	vp := viewport.New(width, viewportHeight)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)
	return vp
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		fetchData(m.client),
		tick(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		cmds = append(cmds, fetchData(m.client), tick())

	case dataMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.stats = msg.stats
			m.providers = msg.providers
			m.requests = recent(msg.requests, maxRequests)
			m.updateViewportContent()
		}
		m.ready = true

	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = viewportHeight
		m.ready = true
	}

	return m, tea.Batch(cmds...)
}

// recent returns the newest n requests, newest first.
func recent(reqs []queue.Snapshot, n int) []queue.Snapshot {
	out := append([]queue.Snapshot(nil), reqs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].EnqueuedAt.After(out[j].EnqueuedAt) })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func statusStyle(s queue.Status) lipgloss.Style {
	switch s {
	case queue.StatusFailed, queue.StatusCancelled:
		return failStyle
	case queue.StatusCompleted:
		return doneStyle
	case queue.StatusActive:
		return activeStyle
	default:
		return pendingStyle
	}
}

func (m *model) updateViewportContent() {
	var sb strings.Builder
	for _, r := range m.requests {
		status := statusStyle(r.Status).Render(string(r.Status))
		if r.AbortReason != "" {
			status += subtleStyle.Render(" (" + string(r.AbortReason) + ")")
		}
		fmt.Fprintf(&sb, "%s %s %s %-6s %s\n",
			timeStyle.Render(r.EnqueuedAt.Local().Format("15:04:05")),
			idStyle.Render(r.ID),
			providerStyle.Render(string(r.Provider)),
			r.Priority,
			status,
		)
	}
	m.viewport.SetContent(sb.String())
}

func (m model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Connecting...", m.spinner.View())
	}

	var top strings.Builder
	top.WriteString(titleStyle.Render("Queue") + "\n")
	fmt.Fprintf(&top, "%s pending  %s active  %s completed  %s failed  %s cancelled\n\n",
		pendingStyle.Render(fmt.Sprint(m.stats.Pending)),
		activeStyle.Render(fmt.Sprint(m.stats.Active)),
		doneStyle.Render(fmt.Sprint(m.stats.Completed)),
		failStyle.Render(fmt.Sprint(m.stats.Failed)),
		subtleStyle.Render(fmt.Sprint(m.stats.Cancelled)),
	)

	top.WriteString(titleStyle.Render("Providers") + "\n")
	if len(m.providers) == 0 {
		top.WriteString(subtleStyle.Render("No providers tracked yet."))
	} else {
		for _, p := range m.providers {
			wait := okStyle.Render("ready")
			if p.WaitMs > 0 {
				wait = failStyle.Render(fmt.Sprintf("wait %s (%s)", time.Duration(p.WaitMs)*time.Millisecond, p.Reason))
			}
			fmt.Fprintf(&top, "• %s  %d/%d requests  %s\n", p.Provider, p.RequestsRemaining, p.RequestsLimit, wait)
		}
	}

	topPane := paneStyle.Render(top.String())
	header := headerStyle.Render(fmt.Sprintf("%s Recent Requests", m.spinner.View()))

	var status string
	if m.err != nil {
		status = errorStyle.Render(fmt.Sprintf("Offline: %v", m.err))
	} else {
		status = okStyle.Render(fmt.Sprintf("Online • %d Requests • %d Providers", len(m.requests), len(m.providers)))
	}
	footer := subtleStyle.Render(fmt.Sprintf("\n%s\nPress q to quit", status))

	return lipgloss.JoinVertical(lipgloss.Left, topPane, header, m.viewport.View(), footer)
}

// Commands

func fetchData(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		stats, err := c.Stats(ctx)
		if err != nil {
			return dataMsg{err: err}
		}
		providers, err := c.Providers(ctx)
		if err != nil {
			return dataMsg{err: err}
		}
		requests, err := c.Requests(ctx, "")
		if err != nil {
			return dataMsg{err: err}
		}
		return dataMsg{stats: stats, providers: providers, requests: requests}
	}
}

func tick() tea.Cmd {
	return tea.Tick(pollRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func main() {
	apiURL := flag.String("api", envOr("STREAMGUARD_API", "http://127.0.0.1:8090"), "streamguard-d base URL")
	token := flag.String("token", os.Getenv("STREAMGUARD_AUTH_TOKEN"), "API bearer token")
	flag.Parse()

	c := client.NewClient(*apiURL, client.WithToken(*token))
	p := tea.NewProgram(initialModel(c), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
