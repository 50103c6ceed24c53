package replay

import (
	"fmt"
	"io"
	"time"

	"github.com/vinayprograms/chatty/internal/session"
)

// Replayer reads and formats recorded sessions.
type Replayer struct {
	output         io.Writer
	verbosity      int // 0=normal, 1=verbose (-v), 2=very verbose (-vv)
	maxContentSize int // Maximum size for content fields (0 = unlimited)
	width          int // Wrap width for content; 0 disables wrapping
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithMaxContentSize limits content field size.
func WithMaxContentSize(size int) ReplayerOption {
	return func(r *Replayer) {
		r.maxContentSize = size
	}
}

// WithWidth wraps content lines at width columns.
func WithWidth(width int) ReplayerOption {
	return func(r *Replayer) {
		r.width = width
	}
}

// New creates a new Replayer.
func New(output io.Writer, verbosity int, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		output:         output,
		verbosity:      verbosity,
		maxContentSize: 50 * 1024, // Default: 50KB per content field
		width:          100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReplayFile loads and replays a session from a file.
func (r *Replayer) ReplayFile(path string) error {
	sess, err := session.LoadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", path, err)
	}
	return r.Replay(sess)
}

// ReplayFiles replays several sessions one after another.
func (r *Replayer) ReplayFiles(paths []string) error {
	for i, path := range paths {
		if len(paths) > 1 {
			fmt.Fprintf(r.output, "\n%s %s\n", titleStyle.Render(fmt.Sprintf("[%d/%d]", i+1, len(paths))), dimStyle.Render(path))
		}
		if err := r.ReplayFile(path); err != nil {
			return err
		}
	}
	return nil
}

// Replay outputs a formatted timeline of a session.
func (r *Replayer) Replay(sess *session.Session) error {
	r.printHeader(sess)
	r.printTimeline(sess)
	r.printSummary(sess)
	return nil
}

func (r *Replayer) printHeader(sess *session.Session) {
	fmt.Fprintln(r.output)
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("SESSION"), valueStyle.Render(sess.ID))
	fmt.Fprintln(r.output, divider)
	if sess.Model != "" {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Model:    "), valueStyle.Render(sess.Model))
	}
	if sess.Workspace != "" {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Workspace:"), valueStyle.Render(sess.Workspace))
	}
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Status:   "), r.statusStyle(sess.Status).Render(sess.Status))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Created:  "), valueStyle.Render(sess.CreatedAt.Format(time.RFC3339)))
	fmt.Fprintln(r.output)
}

func (r *Replayer) printTimeline(sess *session.Session) {
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("TIMELINE"), dimStyle.Render(fmt.Sprintf("(%d turns)", len(sess.Turns))))
	fmt.Fprintln(r.output, divider)

	for i := range sess.Turns {
		r.formatTurn(&sess.Turns[i])
	}
}

func (r *Replayer) printSummary(sess *session.Session) {
	fmt.Fprintln(r.output)
	fmt.Fprintln(r.output, divider)

	switch sess.Status {
	case session.StatusComplete:
		fmt.Fprintln(r.output, successStyle.Render("COMPLETED"))
	case session.StatusFailed:
		fmt.Fprintln(r.output, errorStyle.Render("FAILED"))
	default:
		fmt.Fprintln(r.output, warnStyle.Render("RUNNING"))
	}

	PrintStats(r.output, ComputeStats(sess))
}
