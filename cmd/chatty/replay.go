package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vinayprograms/chatty/internal/replay"
)

// Run replays the given session files.
func (r *ReplayCmd) Run() error {
	paths, err := expandSessionPaths(r.Sessions)
	if err != nil {
		return err
	}
	return replay.New(os.Stdout, r.Verbose, replay.WithWidth(r.Width)).ReplayFiles(paths)
}

// expandSessionPaths resolves glob patterns. A pattern with no matches is
// an error; a plain path is passed through for the loader to report.
func expandSessionPaths(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", arg, err)
		}
		if len(matches) == 0 {
			if hasMeta(arg) {
				return nil, fmt.Errorf("no session files match %q", arg)
			}
			matches = []string{arg}
		}
		paths = append(paths, matches...)
	}
	return paths, nil
}

func hasMeta(p string) bool {
	for _, c := range p {
		switch c {
		case '*', '?', '[':
			return true
		}
	}
	return false
}
