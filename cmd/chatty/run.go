package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/vinayprograms/chatty/internal/kernel"
)

var (
	userPromptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	errorTextStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimTextStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Run starts the REPL, or answers a single prompt with --prompt.
func (r *RunCmd) Run() error {
	cfg, err := loadConfig(r.Config)
	if err != nil {
		return err
	}
	if r.Model != "" {
		cfg.LLM.Model = r.Model
		cfg.LLM.Provider = ""
	}

	// SIGTERM ends the session. Ctrl-C is scoped to the current turn, or
	// to the prompt while waiting for input; see repl.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	rt := newRuntime(cfg, globalCreds, r.Workspace)
	var runErr error
	defer func() { rt.close(runErr) }()

	if err := rt.createProvider(); err != nil {
		runErr = err
		return err
	}
	rt.setupRegistry(ctx, true)
	if err := rt.setupSandbox(); err != nil {
		runErr = err
		return err
	}
	if !r.NoSession {
		if err := rt.setupSession(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v (session will not be recorded)\n", err)
		}
	}

	input := newLineSource(os.Stdin)
	prompt := newTerminalConfirmer(input, os.Stderr)
	if err := rt.createKernel(rt.confirmer(r.AutoApprove, prompt)); err != nil {
		runErr = err
		return err
	}

	conv := rt.kernel.NewConversation()
	defer conv.Close()

	if r.Prompt != "" {
		turnCtx, stopTurn := interruptContext(ctx)
		defer stopTurn()
		answer, err := conv.Send(turnCtx, r.Prompt)
		if err != nil {
			runErr = err
			return err
		}
		fmt.Println(answer)
		return nil
	}

	if isTerminal(os.Stdin) {
		fmt.Fprintln(os.Stderr, dimTextStyle.Render("Type a message. Ctrl-D or \"exit\" to quit."))
	}
	runErr = repl(ctx, conv, input, os.Stdout)
	if rt.sess != nil {
		fmt.Fprintln(os.Stderr, dimTextStyle.Render("session saved: "+rt.sess.ID))
	}
	return runErr
}

// interruptContext returns a context that Ctrl-C cancels until stop is
// called.
var interruptContext = func(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}

// repl reads one input per line until EOF, "exit" or cancellation. A turn
// that fails is reported and the loop continues. Ctrl-C during a turn
// cancels that turn only; at the prompt it ends the loop.
func repl(ctx context.Context, conv *kernel.Conversation, input *lineSource, out io.Writer) error {
	for {
		fmt.Fprint(out, userPromptStyle.Render("> "))
		readCtx, stopRead := interruptContext(ctx)
		line, err := input.Next(readCtx)
		stopRead()
		if err != nil {
			fmt.Fprintln(out)
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		turnCtx, stopTurn := interruptContext(ctx)
		answer, err := conv.Send(turnCtx, line)
		interrupted := turnCtx.Err() != nil
		stopTurn()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case interrupted:
				fmt.Fprintln(out, dimTextStyle.Render("turn cancelled"))
			default:
				fmt.Fprintln(out, errorTextStyle.Render("error: "+err.Error()))
			}
			continue
		}
		fmt.Fprintln(out, answer)
		fmt.Fprintln(out)
	}
}
