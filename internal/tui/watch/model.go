package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/refashion-gw/internal/poller"
)

// ErrInterrupted is returned when the user quits before the job finishes.
var ErrInterrupted = errors.New("watch interrupted")

type statusMsg struct {
	attempt int
	status  poller.Status
}

type doneMsg struct{ status poller.Status }

type failedMsg struct{ err error }

// Model is the BubbleTea model for watching a single job.
type Model struct {
	historyID string
	started   time.Time
	spinner   spinner.Model
	theme     Theme

	attempt  int
	last     poller.Status
	result   *poller.Status
	err      error
	quitting bool
}

// NewModel creates a watch model for historyID.
func NewModel(historyID string) Model {
	theme := NewDefaultTheme()
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = theme.Spinner
	return Model{
		historyID: historyID,
		started:   time.Now(),
		spinner:   sp,
		theme:     theme,
		last:      poller.Status{Status: "processing"},
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case statusMsg:
		m.attempt = msg.attempt
		m.last = msg.status
	case doneMsg:
		st := msg.status
		m.result = &st
		m.last = st
		return m, tea.Quit
	case failedMsg:
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.theme.Title.Render("refashion job " + m.historyID))
	b.WriteString("\n\n")

	elapsed := time.Since(m.started).Round(time.Second)
	switch {
	case m.result != nil:
		b.WriteString(m.theme.StatusOK.Render("✓ completed"))
		b.WriteString(m.theme.Dim.Render(fmt.Sprintf("  after %s", elapsed)))
		b.WriteString("\n")
		b.WriteString(resultLines(m.theme.Highlight.Render, m.theme.Dim.Render, *m.result))
	case m.err != nil:
		b.WriteString(m.theme.StatusFailed.Render("✗ " + m.err.Error()))
		b.WriteString("\n")
	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(m.theme.StatusStyle(m.last.Status).Render(m.last.Status))
		b.WriteString(m.theme.Dim.Render(fmt.Sprintf("  poll #%d  %s", m.attempt, elapsed)))
		b.WriteString("\n")
		b.WriteString(m.theme.Dim.Render("press q to stop watching"))
	}
	return m.theme.Border.Render(b.String()) + "\n"
}

// Result reports how the watch ended.
func (m Model) Result() (poller.Status, error) {
	switch {
	case m.result != nil:
		return *m.result, nil
	case m.err != nil:
		return m.last, m.err
	default:
		return m.last, ErrInterrupted
	}
}

type render func(strs ...string) string

func plain(strs ...string) string { return strings.Join(strs, " ") }

func resultLines(highlight, dim render, st poller.Status) string {
	var lines []string
	if st.VideoURL != "" {
		lines = append(lines, "video:  "+highlight(st.VideoURL))
	}
	if st.LocalVideoURL != "" {
		lines = append(lines, "local:  "+highlight(st.LocalVideoURL))
	}
	for i, u := range st.GeneratedImageURLs {
		if u == nil {
			lines = append(lines, fmt.Sprintf("image %d: %s", i, dim("(none)")))
			continue
		}
		lines = append(lines, fmt.Sprintf("image %d: %s", i, highlight(*u)))
	}
	if st.Seed != nil {
		lines = append(lines, fmt.Sprintf("seed:   %d", *st.Seed))
	}
	return strings.Join(lines, "\n")
}

// Run polls historyID with a spinner UI until the job finishes, fails, times
// out, or the user quits.
func Run(ctx context.Context, f poller.Fetcher, historyID string, opts poller.Options) (poller.Status, error) {
	p := tea.NewProgram(NewModel(historyID), tea.WithContext(ctx))

	opts.OnStatus = func(attempt int, st poller.Status) { p.Send(statusMsg{attempt: attempt, status: st}) }
	opts.OnComplete = func(st poller.Status) { p.Send(doneMsg{status: st}) }
	opts.OnFailure = func(err error) { p.Send(failedMsg{err: err}) }

	sess := poller.New(f, opts)
	sess.Update(historyID, true)
	defer sess.Stop()

	final, err := p.Run()
	if err != nil {
		return poller.Status{}, fmt.Errorf("watch ui: %w", err)
	}
	return final.(Model).Result()
}

// RunPlain polls historyID and writes one line per status to w.
func RunPlain(ctx context.Context, w io.Writer, f poller.Fetcher, historyID string, opts poller.Options) (poller.Status, error) {
	type outcome struct {
		status poller.Status
		err    error
	}
	done := make(chan outcome, 1)

	opts.OnStatus = func(attempt int, st poller.Status) {
		fmt.Fprintf(w, "%s  %s  poll #%d  status=%s\n", time.Now().Format(time.TimeOnly), historyID, attempt, st.Status)
	}
	opts.OnComplete = func(st poller.Status) { done <- outcome{status: st} }
	opts.OnFailure = func(err error) { done <- outcome{err: err} }

	sess := poller.New(f, opts)
	sess.Update(historyID, true)
	defer sess.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			fmt.Fprintf(w, "%s  %s  %v\n", time.Now().Format(time.TimeOnly), historyID, out.err)
			return poller.Status{}, out.err
		}
		fmt.Fprintf(w, "%s  %s  completed\n", time.Now().Format(time.TimeOnly), historyID)
		if lines := resultLines(plain, plain, out.status); lines != "" {
			fmt.Fprintln(w, lines)
		}
		return out.status, nil
	case <-ctx.Done():
		return poller.Status{}, ctx.Err()
	}
}
