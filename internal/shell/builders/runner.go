package builders

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// =============================================================================
// Command Runner
// =============================================================================

var (
	// ErrToolNotFound is returned when a build tool binary is not on PATH.
	ErrToolNotFound = errors.New("build tool not found")
)

// CommandRunner executes an external build tool, streaming its combined
// output line by line. Strategies that shell out (nixpacks, buildpacks)
// depend on this instead of os/exec so tests can record invocations.
type CommandRunner interface {
	Run(ctx context.Context, dir string, env []string, onLine func(string), name string, args ...string) error
}

// CLIRunner runs build tools as local subprocesses.
type CLIRunner struct{}

// Run executes name with args in dir, appending env ("K=V" entries) to the
// inherited environment. Stdout and stderr are interleaved into onLine in
// arrival order.
func (CLIRunner) Run(ctx context.Context, dir string, env []string, onLine func(string), name string, args ...string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return fmt.Errorf("start %s: %w", name, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onLine != nil {
				onLine(scanner.Text())
			}
		}
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-done

	if waitErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w", name, waitErr)
	}
	return nil
}
