// Package daemonctl orchestrates the spoold process from the CLI: launching
// it detached, waiting for its API to come up, and confirming shutdown.
package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"spool/internal/api"
)

// ErrDaemonNotRunning reports a control operation against a daemon whose API
// is unreachable.
var ErrDaemonNotRunning = errors.New("daemon is not running")

const pollInterval = 200 * time.Millisecond

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	Bind       string
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State    StartState
	Launched bool
	PID      int
}

// Launch starts a detached spoold process.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	var args []string
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if bind := strings.TrimSpace(opts.Bind); bind != "" {
		args = append(args, "--bind", bind)
	}

	proc := exec.Command(executablePath, args...)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForAPI polls the daemon API until it reports running.
func WaitForAPI(ctx context.Context, bind string, timeout time.Duration) (*api.DaemonStatus, error) {
	client, err := api.NewClient(bind)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		status, err := client.Status(ctx)
		if err == nil && status.Running {
			return status, nil
		}
		if err != nil {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for daemon")
	}
	return nil, fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon if its API is unreachable, then waits for
// it to report running.
func EnsureStarted(ctx context.Context, bind, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	client, err := api.NewClient(bind)
	if err != nil {
		return StartResult{}, err
	}
	if status, statusErr := client.Status(ctx); statusErr == nil && status.Running {
		return StartResult{State: StartStateAlreadyRunning, PID: status.PID}, nil
	}

	if err := Launch(executablePath, opts); err != nil {
		return StartResult{}, err
	}
	status, err := WaitForAPI(ctx, bind, waitTimeout)
	if err != nil {
		return StartResult{}, err
	}
	return StartResult{State: StartStateStarted, Launched: true, PID: status.PID}, nil
}

// StopAndWait requests shutdown and polls until the API stops answering.
func StopAndWait(ctx context.Context, bind string, timeout time.Duration) error {
	client, err := api.NewClient(bind)
	if err != nil {
		return err
	}
	if err := client.Shutdown(ctx); err != nil {
		if api.IsAPIUnavailable(err) {
			return ErrDaemonNotRunning
		}
		return err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, err := client.Status(ctx)
		if err != nil || !status.Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return fmt.Errorf("daemon did not stop within %s", timeout)
}

// ProcessInfo reports whether the daemon API is reachable and its PID.
func ProcessInfo(ctx context.Context, bind string) (bool, int, error) {
	client, err := api.NewClient(bind)
	if err != nil {
		return false, 0, err
	}
	status, err := client.Status(ctx)
	if err != nil {
		if api.IsAPIUnavailable(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return status.Running, status.PID, nil
}
