package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/annotator/internal/batch"
	"github.com/raphaelgruber/annotator/internal/client"
	"github.com/raphaelgruber/annotator/internal/events"
	"github.com/raphaelgruber/annotator/internal/models"
)

// Polling backs up the event stream: slow while events arrive, fast without them.
const (
	pollInterval     = time.Second
	livePollInterval = 5 * time.Second
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// tickMsg triggers polling the batch status
type tickMsg time.Time

// batchUpdateMsg carries the updated batch data. poll marks results of the
// polling loop, which schedule the next tick.
type batchUpdateMsg struct {
	res  *batch.BatchWithResults
	err  error
	poll bool
}

// batchEventMsg is an event pushed by the server for this batch.
type batchEventMsg events.Event

// watchEndedMsg reports that the event stream closed; polling continues.
type watchEndedMsg struct{ err error }

// progressModel is the bubbletea model for batch progress.
type progressModel struct {
	client   *client.Client
	batchID  string
	job      *models.BatchJob
	summary  *batch.Summary
	progress progress.Model
	theme    Theme
	// live is set while the event stream delivers events.
	live     bool
	done     bool
	quitting bool
	err      error
}

func newProgressModel(c *client.Client, job *models.BatchJob) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		client:   c,
		batchID:  job.ID,
		job:      job,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init fetches the batch once right away; it may have finished before the stream connected.
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.fetchBatch(true),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchBatch(true)

	case batchUpdateMsg:
		return m.applyUpdate(msg)

	case batchEventMsg:
		return m.applyEvent(events.Event(msg))

	case watchEndedMsg:
		m.live = false
		return m, nil

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// applyUpdate records a polled batch and decides whether to keep polling.
func (m progressModel) applyUpdate(msg batchUpdateMsg) (progressModel, tea.Cmd) {
	if msg.err != nil {
		m.err = fmt.Errorf("failed to fetch batch status: %w", msg.err)
		m.done = true
		return m, tea.Quit
	}

	m.job = msg.res.Job
	m.summary = &msg.res.Summary

	switch m.job.Status {
	case models.BatchStatusCompleted:
		m.done = true
		return m, tea.Quit
	case models.BatchStatusFailed:
		m.done = true
		if m.job.Error != "" {
			m.err = fmt.Errorf("%s", m.job.Error)
		} else {
			m.err = fmt.Errorf("batch failed with unknown error")
		}
		return m, tea.Quit
	case models.BatchStatusCancelled:
		m.done = true
		m.err = fmt.Errorf("batch cancelled")
		return m, tea.Quit
	}

	if !msg.poll {
		return m, nil
	}
	return m, tickCmd(m.pollInterval())
}

// applyEvent updates counters from progress events and fetches the final
// summary once a terminal event arrives.
func (m progressModel) applyEvent(ev events.Event) (progressModel, tea.Cmd) {
	m.live = true
	switch ev.Type {
	case batch.EventProgress:
		if m.job == nil {
			return m, nil
		}
		job := *m.job
		if n, ok := intField(ev.Data, "processed"); ok && n >= job.ProcessedItems {
			job.ProcessedItems = n
		}
		if n, ok := intField(ev.Data, "total"); ok {
			job.TotalItems = n
		}
		if p, ok := ev.Data["progress"].(float64); ok && p >= job.Progress {
			job.Progress = p
		}
		if st, ok := ev.Data["status"].(string); ok {
			job.Status = models.BatchStatus(st)
		}
		m.job = &job
	case batch.EventCompleted, batch.EventFailed, batch.EventCancelled:
		return m, m.fetchBatch(false)
	}
	return m, nil
}

func (m progressModel) pollInterval() time.Duration {
	if m.live {
		return livePollInterval
	}
	return pollInterval
}

// intField reads a JSON number from an event payload.
func intField(data map[string]any, key string) (int, bool) {
	switch v := data[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	if m.job == nil {
		return "Loading batch status...\n"
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.job.Status))
	progressBar := m.progress.ViewAs(m.job.Progress)
	counts := fmt.Sprintf("%d/%d items", m.job.ProcessedItems, m.job.TotalItems)
	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")

	return fmt.Sprintf("%s %s %s\n%s\n", status, progressBar, counts, hint)
}

// finalView renders the completion message.
func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nBatch %s continues in background.\nUse 'annotator batch show %s' to check status.\n",
			m.batchID, m.batchID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Batch %s: %s\n", m.batchID, m.err))
	}

	var b strings.Builder
	b.WriteString(m.theme.completedStyle().Render("✓ Completed") + "\n\n")
	if s := m.summary; s != nil {
		fmt.Fprintf(&b, "  Items processed:  %d\n", s.Processed)
		fmt.Fprintf(&b, "  Successful:       %d\n", s.Successful)
		if s.Cached > 0 {
			fmt.Fprintf(&b, "  Served from cache: %d\n", s.Cached)
		}
		fmt.Fprintf(&b, "  Tokens:           %d\n", s.TotalTokens)
		fmt.Fprintf(&b, "  Cost:             $%.4f\n", s.TotalCostUSD)
		if s.Failed > 0 {
			b.WriteString(m.theme.errorStyle().Render(fmt.Sprintf("\n  Failed: %d (see 'annotator batch show %s')\n", s.Failed, m.batchID)))
		}
	}
	return b.String()
}

// fetchBatch fetches the current batch status from the server.
// Runs in a separate goroutine (command) to avoid blocking Update().
func (m progressModel) fetchBatch(poll bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		res, err := m.client.GetBatch(ctx, m.batchID)
		return batchUpdateMsg{res: res, err: err, poll: poll}
	}
}

// tickCmd returns a command that sends a tick after d.
func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// RunBatchProgress runs the interactive progress UI for a batch, fed by the
// server's event stream with polling as a fallback.
// Returns nil on success or Ctrl+C (background), error when the batch fails or is cancelled.
func RunBatchProgress(c *client.Client, job *models.BatchJob) error {
	model := newProgressModel(c, job)
	p := tea.NewProgram(model)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		err := c.Watch(ctx, job.ID, func(ev events.Event) error {
			p.Send(batchEventMsg(ev))
			return nil
		})
		p.Send(watchEndedMsg{err: err})
	}()

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}

	return nil
}
