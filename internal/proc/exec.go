// Package proc runs the per-item automation step as an external command.
//
// The command receives the item payload on stdin and the browser endpoints in
// the environment, and writes its result to stdout. Keeping the automation
// script out of process means it can be replaced without redeploying the
// engine.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"taskherd/internal/browser"
	"taskherd/internal/engine"
	logx "taskherd/pkg/logx"
)

type Config struct {
	Command string
	Args    []string
	Timeout time.Duration // per item; 0 means 5m
}

type Runner struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Runner, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("processor command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Runner{cfg: cfg, log: log}, nil
}

const maxStderrTail = 2048

func (r *Runner) Process(ctx context.Context, item engine.JobItem, resource engine.ResourceHandle) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.Command, r.cfg.Args...)
	cmd.Stdin = bytes.NewReader(item.Payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	env := append(os.Environ(),
		fmt.Sprintf("TASKHERD_ITEM_ID=%d", item.ID),
		fmt.Sprintf("TASKHERD_JOB_ID=%d", item.JobID),
		fmt.Sprintf("TASKHERD_RESOURCE_ID=%s", resource.ID()),
	)
	if h, ok := resource.(*browser.Handle); ok {
		env = append(env,
			"TASKHERD_BROWSER_WS="+h.WSAddress,
			"TASKHERD_BROWSER_HTTP="+h.HTTPAddr,
		)
	}
	cmd.Env = env

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		tail := stderr.String()
		if len(tail) > maxStderrTail {
			tail = tail[len(tail)-maxStderrTail:]
		}
		r.log.Debug("processor command failed",
			logx.Int64("item", item.ID),
			logx.Duration("elapsed", elapsed),
			logx.Err(err))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("processor timed out after %s", r.cfg.Timeout)
		}
		if tail != "" {
			return nil, fmt.Errorf("processor: %w: %s", err, strings.TrimSpace(tail))
		}
		return nil, fmt.Errorf("processor: %w", err)
	}

	r.log.Debug("processor command done",
		logx.Int64("item", item.ID),
		logx.Duration("elapsed", elapsed))
	return stdout.Bytes(), nil
}
