// Package hook provides lifecycle hook execution.
package hook

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/oarkflow/codesign/internal/config"
	"github.com/oarkflow/codesign/internal/tmpl"
)

// Runner executes lifecycle hooks.
type Runner struct {
	tmplCtx *tmpl.Context
	workDir string
}

// NewRunner creates a new hook runner.
func NewRunner(tmplCtx *tmpl.Context, workDir string) *Runner {
	return &Runner{
		tmplCtx: tmplCtx,
		workDir: workDir,
	}
}

// Run executes a single hook.
func (r *Runner) Run(ctx context.Context, hook config.Hook) error {
	if hook.If != "" {
		condition, err := r.tmplCtx.Apply(hook.If)
		if err != nil {
			return fmt.Errorf("failed to evaluate condition: %w", err)
		}
		if condition != "true" && condition != "1" {
			log.Debug("skipping hook due to condition", "condition", hook.If)
			return nil
		}
	}

	cmd := hook.Cmd
	if cmd == "" {
		return nil
	}

	cmd, err := r.tmplCtx.Apply(cmd)
	if err != nil {
		return fmt.Errorf("failed to apply template to command: %w", err)
	}

	log.Info("running hook", "cmd", cmd)

	var c *exec.Cmd
	shellPath := os.Getenv("SHELL")
	if shellPath == "" {
		if runtime.GOOS == "windows" {
			shellPath = "powershell.exe"
		} else {
			shellPath = "/bin/sh"
		}
	}

	if hook.Shell {
		if runtime.GOOS == "windows" {
			c = exec.CommandContext(ctx, shellPath, "-Command", cmd)
		} else {
			c = exec.CommandContext(ctx, shellPath, "-c", cmd)
		}
	} else {
		parts := strings.Fields(cmd)
		if len(parts) == 0 {
			return nil
		}
		c = exec.CommandContext(ctx, parts[0], parts[1:]...)
	}
	c.Dir = r.workDir

	c.Env = os.Environ()
	for key, value := range hook.Env {
		expandedValue, _ := r.tmplCtx.Apply(value)
		c.Env = append(c.Env, fmt.Sprintf("%s=%s", key, expandedValue))
	}

	if hook.Output {
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
	}

	if err := c.Run(); err != nil {
		if hook.FailFast {
			return fmt.Errorf("hook failed: %w", err)
		}
		log.Warn("hook failed but continuing", "cmd", cmd, "error", err)
	}

	return nil
}

// RunHooks executes multiple hooks in order, stopping at the first
// FailFast failure.
func (r *Runner) RunHooks(ctx context.Context, hooks []config.Hook) error {
	for _, h := range hooks {
		if err := r.Run(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// GlobalHooks manages the before/after hooks run around the outermost
// SignAsync call (SPEC_FULL.md §4 "Lifecycle hooks" — an ambient concern,
// not part of the recursive dispatcher's own contract).
type GlobalHooks struct {
	Before []config.Hook
	After  []config.Hook
	runner *Runner
}

// NewGlobalHooks creates a global hook manager.
func NewGlobalHooks(before, after []config.Hook, tmplCtx *tmpl.Context, workDir string) *GlobalHooks {
	return &GlobalHooks{
		Before: before,
		After:  after,
		runner: NewRunner(tmplCtx, workDir),
	}
}

// RunBefore executes the before hooks.
func (g *GlobalHooks) RunBefore(ctx context.Context) error {
	log.Debug("running before hooks", "count", len(g.Before))
	return g.runner.RunHooks(ctx, g.Before)
}

// RunAfter executes the after hooks.
func (g *GlobalHooks) RunAfter(ctx context.Context) error {
	log.Debug("running after hooks", "count", len(g.After))
	return g.runner.RunHooks(ctx, g.After)
}
