// Package workflow implements the staged migration pipeline: nine nodes
// driven by a supervisor that decides the route after each one. Pipeline
// holds the stage implementations, Supervise the routing, and Runner the
// per-run lifecycle and its SSE event stream.
package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// defaultCommandTimeout bounds migration CLI invocations; code conversion
// gets a longer one.
const (
	defaultCommandTimeout = 30 * time.Minute
	convertCommandTimeout = 60 * time.Minute
)

// EchoFunc writes one line to the user's interactive terminal so CLI
// commands and stage progress stay visible in the frontend. A nil func or
// an empty session id is a no-op.
type EchoFunc func(sessionID, line string)

// CommandResult captures a finished CLI invocation. A non-zero exit code is
// not a Go error; Run returns an error only when the command could not be
// started or ran out of time.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner executes migration CLI commands. Stages drive the
// conversion toolchain exclusively through this seam.
type CommandRunner interface {
	Run(ctx context.Context, dir string, timeout time.Duration, name string, args ...string) (CommandResult, error)
}

// ExecRunner is the os/exec-backed CommandRunner used outside tests.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, timeout time.Duration, name string, args ...string) (CommandResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return res, fmt.Errorf("command timed out after %s: %w", timeout, context.DeadlineExceeded)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

// sqlExtensions are the file suffixes treated as migratable SQL sources.
var sqlExtensions = []string{".sql", ".ddl", ".btq", ".txt"}

func hasSQLExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range sqlExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// readSQLFiles concatenates every SQL-like file under dir, each prefixed
// with a "-- FILE:" marker so downstream stages can tell the pieces apart.
// Unreadable files are skipped. A missing directory yields "".
func readSQLFiles(dir string) string {
	if dir == "" {
		return ""
	}
	var parts []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !hasSQLExtension(d.Name()) {
			return nil
		}
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		parts = append(parts, fmt.Sprintf("-- FILE: %s\n%s\n", d.Name(), stripBOM(string(raw))))
		return nil
	})
	return strings.Join(parts, "\n")
}

// listSQLFiles returns the sorted SQL-like file paths under dir.
func listSQLFiles(dir string) []string {
	if dir == "" {
		return nil
	}
	var files []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !hasSQLExtension(d.Name()) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	sort.Strings(files)
	return files
}

// stripBOM drops a UTF-8 byte order mark; SQL exported from Windows tools
// frequently carries one.
func stripBOM(s string) string {
	return strings.TrimPrefix(s, "﻿")
}

// stripMarkdownFences unwraps a response the model wrapped in a ``` block
// despite instructions. Anything not shaped like a single fenced block is
// returned trimmed but otherwise untouched.
func stripMarkdownFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) >= 2 && strings.HasPrefix(lines[len(lines)-1], "```") {
		return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
	}
	return trimmed
}

// countNonEmptyLines counts lines holding at least one non-space character.
func countNonEmptyLines(s string) int {
	n := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

// junkNames are OS metadata files ignored when deciding whether a project
// directory already holds real content.
var junkNames = map[string]struct{}{
	".DS_Store":   {},
	"Thumbs.db":   {},
	"desktop.ini": {},
}

func dirHasRealEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if _, junk := junkNames[e.Name()]; !junk {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// copyFile copies src to dst, creating parent directories as needed.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
