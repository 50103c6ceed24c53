package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
)

var (
	promptTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	promptBoxStyle   = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("8")).
				Padding(0, 1)
	answerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// maxSummaryLines bounds how much of an argument summary is shown.
const maxSummaryLines = 40

// lineSource reads lines on one goroutine so a reader that gives up (on
// cancellation) does not leave a stray read that swallows the next line.
type lineSource struct {
	lines chan string
	mu    sync.Mutex
	err   error
}

func newLineSource(r io.Reader) *lineSource {
	s := &lineSource{lines: make(chan string)}
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			s.lines <- scanner.Text()
		}
		s.mu.Lock()
		s.err = scanner.Err()
		if s.err == nil {
			s.err = io.EOF
		}
		s.mu.Unlock()
		close(s.lines)
	}()
	return s
}

// Next returns the next line, io.EOF at end of input or ctx's error.
func (s *lineSource) Next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-s.lines:
		if !ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			return "", s.err
		}
		return line, nil
	}
}

// terminalConfirmer asks on the terminal. Concurrent requests are asked one
// at a time; the others wait their turn.
type terminalConfirmer struct {
	in    *lineSource
	out   io.Writer
	width int
	mu    sync.Mutex
}

func newTerminalConfirmer(in *lineSource, out io.Writer) *terminalConfirmer {
	return &terminalConfirmer{in: in, out: out, width: 80}
}

// Confirm implements gate.Confirmer.
func (c *terminalConfirmer) Confirm(ctx context.Context, name, summary string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}

	body := wordwrap.String(clipLines(summary, maxSummaryLines), c.width-4)
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, promptTitleStyle.Render("The assistant wants to run "+name))
	fmt.Fprintln(c.out, promptBoxStyle.Render(body))
	fmt.Fprint(c.out, "Allow? [y/N] ")

	line, err := c.in.Next(ctx)
	if err != nil {
		fmt.Fprintln(c.out)
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	ok := isYes(line)
	if ok {
		fmt.Fprintln(c.out, answerStyle.Render("approved"))
	} else {
		fmt.Fprintln(c.out, answerStyle.Render("declined"))
	}
	return ok, nil
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}

func clipLines(s string, max int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= max {
		return s
	}
	return strings.Join(lines[:max], "\n") + fmt.Sprintf("\n... (%d more lines)", len(lines)-max)
}
