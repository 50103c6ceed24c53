package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// ScriptFileName is the file the prepared script is written to.
const ScriptFileName = "main.py"

// ProcessExecutor runs scripts as local subprocesses, by default with
// `uv run main.py` in a fresh temporary directory. Tool calls reach the host
// through Gateway.
type ProcessExecutor struct {
	Command string
	Args    []string
	Gateway *Gateway

	// Interactive sessions use these; nil means the process's own stdio.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewProcessExecutor creates an executor running command with args.
func NewProcessExecutor(command string, args []string, gw *Gateway) *ProcessExecutor {
	if command == "" {
		command = "uv"
		if len(args) == 0 {
			args = []string{"run", ScriptFileName}
		}
	}
	return &ProcessExecutor{Command: command, Args: args, Gateway: gw}
}

// Execute implements Executor.
func (e *ProcessExecutor) Execute(ctx context.Context, req Request, relay Relay) (*Response, error) {
	dir, err := os.MkdirTemp("", "chatty-run-")
	if err != nil {
		return nil, fmt.Errorf("creating script dir: %w", err)
	}
	defer os.RemoveAll(dir)

	url, token := "", ""
	if e.Gateway != nil {
		url = e.Gateway.URL()
		token = e.Gateway.Register(relay)
		defer e.Gateway.Unregister(token)
	}

	if err := os.WriteFile(filepath.Join(dir, ToolsModuleName), []byte(GenerateToolsModule(req.Tools, url, token)), 0600); err != nil {
		return nil, fmt.Errorf("writing %s: %w", ToolsModuleName, err)
	}
	if err := os.WriteFile(filepath.Join(dir, ScriptFileName), []byte(req.Script), 0600); err != nil {
		return nil, fmt.Errorf("writing %s: %w", ScriptFileName, err)
	}

	if !req.Interactive && req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CHATTY_GATEWAY_URL="+url, "CHATTY_GATEWAY_TOKEN="+token)

	if req.Interactive {
		cmd.Stdin = orReader(e.Stdin, os.Stdin)
		cmd.Stdout = orWriter(e.Stdout, os.Stdout)
		cmd.Stderr = orWriter(e.Stderr, os.Stderr)
		code, err := exitCode(cmd.Run())
		if err != nil {
			return nil, err
		}
		return &Response{ExitStatus: code, Output: InteractiveEnded}, nil
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	code, err := exitCode(runErr)
	if err != nil {
		return nil, err
	}
	return &Response{
		ExitStatus:  code,
		Output:      stdout.String(),
		Diagnostics: filterNoise(stderr.String()),
	}, nil
}

// exitCode separates a script's non-zero exit from a failure to run it.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func orReader(r, def io.Reader) io.Reader {
	if r != nil {
		return r
	}
	return def
}

func orWriter(w, def io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return def
}
