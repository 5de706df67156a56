// Package execx runs the external commands a neuron hooks into config
// applies and hot reloads.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Command is one invocation. Stdin and Env are optional; Env entries are
// appended to the current environment.
type Command struct {
	Name  string
	Args  []string
	Stdin []byte
	Env   []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner abstracts command execution so callers can be unit-tested without
// spawning processes.
type Runner interface {
	Run(ctx context.Context, c Command) error
	Output(ctx context.Context, c Command) (string, error)
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func NewOSRunner(stdout, stderr io.Writer) *OSRunner {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &OSRunner{Stdout: stdout, Stderr: stderr}
}

func (r *OSRunner) command(ctx context.Context, c Command) (*exec.Cmd, error) {
	if c.Name == "" {
		return nil, errors.New("execx: empty command")
	}
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if len(c.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd, nil
}

func (r *OSRunner) Run(ctx context.Context, c Command) error {
	cmd, err := r.command(ctx, c)
	if err != nil {
		return err
	}
	cmd.Stdout = r.Stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %s: %s", c, err.Error(), msg)
		}
		return fmt.Errorf("%s: %w", c, err)
	}
	if stderr.Len() > 0 && r.Stderr != nil {
		_, _ = io.Copy(r.Stderr, &stderr)
	}
	return nil
}

func (r *OSRunner) Output(ctx context.Context, c Command) (string, error) {
	cmd, err := r.command(ctx, c)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		out := strings.TrimSpace(buf.String())
		if out == "" {
			return "", fmt.Errorf("%s: %w", c, err)
		}
		return "", fmt.Errorf("%s: %s", c, out)
	}
	return strings.TrimSpace(buf.String()), nil
}
