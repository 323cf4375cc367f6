// Package healthcheck runs a configured command as the health signal that
// gates remediation: a clean exit reads as passing, a non-zero exit as
// failing.
package healthcheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/remedyd/remedy/internal/models"
)

// DefaultTimeout bounds one health-check invocation.
const DefaultTimeout = 5 * time.Minute

// Command runs a shell-free command line in a working directory and maps
// its exit status to a health state.
type Command struct {
	// Name is the executable; Args its arguments. Empty Name means no
	// health check is configured and every check reports unknown.
	Name string
	Args []string

	Workdir string
	Timeout time.Duration
}

// Check executes the command once. Failure to start at all (missing
// binary, bad workdir) is an error, not a failing state: an unrunnable
// check says nothing about the tree's health.
func (c *Command) Check(ctx context.Context) (models.HealthState, error) {
	if c.Name == "" {
		return models.HealthUnknown, nil
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Workdir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if err == nil {
		return models.HealthPassing, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return models.HealthFailing, nil
	}
	if ctx.Err() != nil {
		// Timeout counts as failing: a hung check suite is not healthy.
		return models.HealthFailing, nil
	}
	return models.HealthUnknown, fmt.Errorf("run health check %s: %w", c.Name, err)
}
