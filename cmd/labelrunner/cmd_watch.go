package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"labelrunner/internal/app"
	"labelrunner/internal/queue"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var watchInterval time.Duration

// watchCmd is a live operator console for the queue
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live queue console",
	Long: `Shows the queue summary and every job, refreshed periodically.

Keys:
  p  print merged labels     k  process now
  r  requeue selected job    d  remove selected job
  c  clear failed jobs       q  quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m := newWatchModel(newClient(serverAddr()), watchInterval)
		_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
		return err
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "Refresh interval")
}

// queueAPI is the subset of the server API the console uses.
type queueAPI interface {
	Summary(ctx context.Context) (queue.Summary, error)
	Jobs(ctx context.Context) ([]queue.Job, error)
	Print(ctx context.Context, out any) error
	Process(ctx context.Context) error
	Requeue(ctx context.Context, id string) (queue.Job, error)
	Remove(ctx context.Context, id string) error
	ClearFailed(ctx context.Context) (int, error)
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	countStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
	boxStyle    = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240"))
)

type (
	tickMsg     time.Time
	snapshotMsg struct {
		summary queue.Summary
		jobs    []queue.Job
		err     error
	}
	actionMsg struct {
		notice string
		err    error
	}
)

type watchModel struct {
	api      queueAPI
	interval time.Duration
	table    table.Model

	summary queue.Summary
	jobs    []queue.Job
	notice  string
	err     error
}

func newWatchModel(api queueAPI, interval time.Duration) watchModel {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 38},
			{Title: "Status", Width: 11},
			{Title: "Tries", Width: 5},
			{Title: "Next", Width: 6},
			{Title: "Source", Width: 30},
			{Title: "Last error", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
		table.WithWidth(142),
	)
	return watchModel{api: api, interval: interval, table: t}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.refresh(), m.tick())
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m watchModel) refresh() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := m.api.Summary(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		jobs, err := m.api.Jobs(ctx)
		return snapshotMsg{summary: s, jobs: jobs, err: err}
	}
}

// act runs fn in the background and refreshes afterwards.
func (m watchModel) act(fn func(ctx context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		notice, err := fn(ctx)
		return actionMsg{notice: notice, err: err}
	}
}

func (m watchModel) selected() (queue.Job, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.jobs) {
		return queue.Job{}, false
	}
	return m.jobs[i], true
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		return m, tea.Batch(m.refresh(), m.tick())

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.summary = msg.summary
			m.jobs = msg.jobs
			m.table.SetRows(jobRows(msg.jobs, time.Now()))
		}
		return m, nil

	case actionMsg:
		m.notice, m.err = msg.notice, msg.err
		return m, m.refresh()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "p":
			return m, m.act(func(ctx context.Context) (string, error) {
				var res app.PrintResult
				if err := m.api.Print(ctx, &res); err != nil {
					return "", err
				}
				return fmt.Sprintf("printed %d labels (%d pages)", res.Printed, res.Pages), nil
			})
		case "k":
			return m, m.act(func(ctx context.Context) (string, error) {
				return "processing", m.api.Process(ctx)
			})
		case "c":
			return m, m.act(func(ctx context.Context) (string, error) {
				n, err := m.api.ClearFailed(ctx)
				return fmt.Sprintf("removed %d failed jobs", n), err
			})
		case "r":
			if job, ok := m.selected(); ok {
				return m, m.act(func(ctx context.Context) (string, error) {
					_, err := m.api.Requeue(ctx, job.ID)
					return "requeued " + job.ID, err
				})
			}
			return m, nil
		case "d":
			if job, ok := m.selected(); ok {
				return m, m.act(func(ctx context.Context) (string, error) {
					return "removed " + job.ID, m.api.Remove(ctx, job.ID)
				})
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("labelrunner"))
	b.WriteString("\n\n")

	s := m.summary
	counts := fmt.Sprintf("queued %d   processing %d   labels %d   ", s.Queued(), s.Processing, s.Labels)
	b.WriteString(countStyle.Render(counts))
	failed := fmt.Sprintf("failed %d", s.Failed)
	if s.Failed > 0 {
		failed = failStyle.Render(failed)
	} else {
		failed = countStyle.Render(failed)
	}
	b.WriteString(failed)
	b.WriteString("\n\n")

	b.WriteString(boxStyle.Render(m.table.View()))
	b.WriteString("\n")

	switch {
	case m.err != nil:
		b.WriteString(failStyle.Render(m.err.Error()))
	case m.notice != "":
		b.WriteString(noticeStyle.Render(m.notice))
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("p print · k process · r requeue · d remove · c clear failed · q quit"))
	return b.String()
}

func jobRows(jobs []queue.Job, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, table.Row{
			j.ID,
			string(j.Status),
			fmt.Sprint(j.Tries),
			nextIn(j, now),
			j.Source,
			j.LastError,
		})
	}
	return rows
}
