package provision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/stencil-vm/stencil/internal/hypervisor"
	"github.com/stencil-vm/stencil/internal/logging"
)

// Self-test polling bounds.
const (
	DefaultTestAttempts = 20
	DefaultTestInterval = 15 * time.Second
)

// Check is one verified property of the template under test.
type Check struct {
	Name   string
	Passed bool
	Detail string
}

// TestReport is the outcome of a template self-test.
type TestReport struct {
	TemplateID hypervisor.VMID
	CloneID    hypervisor.VMID
	Checks     []Check
}

// Passed reports whether every check succeeded.
func (r TestReport) Passed() bool {
	for _, check := range r.Checks {
		if !check.Passed {
			return false
		}
	}
	return len(r.Checks) > 0
}

// Tester exercises a finished template by cloning it into a disposable
// instance, booting it and waiting for the guest agent. The clone is
// destroyed on every exit path, success or failure.
type Tester struct {
	Client hypervisor.Client
	Logger *slog.Logger

	// Attempts and Interval bound the agent poll. Zero values take the
	// defaults.
	Attempts int
	Interval time.Duration

	// Sleep waits between poll attempts; tests substitute it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (t *Tester) logger() *slog.Logger {
	return logging.Ensure(t.Logger).With("component", "selftest")
}

func (t *Tester) sleep(ctx context.Context, d time.Duration) error {
	if t.Sleep != nil {
		return t.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Test runs the full create, exercise, destroy cycle against the template.
// The returned report carries per-check results; the error aggregates
// infrastructure failures including teardown.
func (t *Tester) Test(ctx context.Context, templateID hypervisor.VMID) (report TestReport, err error) {
	report = TestReport{TemplateID: templateID}

	cloneID, err := t.Client.NextID(ctx)
	if err != nil {
		return report, fmt.Errorf("allocate clone id: %w", err)
	}
	report.CloneID = cloneID

	cloneName := fmt.Sprintf("selftest-%s", uuid.New().String()[:8])
	if err := t.Client.Clone(ctx, templateID, cloneID, cloneName); err != nil {
		report.Checks = append(report.Checks, Check{Name: "clone", Detail: err.Error()})
		return report, fmt.Errorf("clone template: %w", err)
	}
	report.Checks = append(report.Checks, Check{Name: "clone", Passed: true})
	t.logger().Info("created disposable clone", "template", templateID, "clone", cloneID, "name", cloneName)

	defer func() {
		// Guaranteed teardown: the clone must not outlive the test.
		if stopErr := t.Client.Stop(context.WithoutCancel(ctx), cloneID); stopErr != nil {
			t.logger().Warn("failed to stop clone", "clone", cloneID, "error", stopErr)
		}
		if destroyErr := t.Client.Destroy(context.WithoutCancel(ctx), cloneID); destroyErr != nil {
			err = multierror.Append(err, fmt.Errorf("destroy clone %s: %w", cloneID, destroyErr)).ErrorOrNil()
		} else {
			t.logger().Info("destroyed disposable clone", "clone", cloneID)
		}
	}()

	if startErr := t.Client.Start(ctx, cloneID); startErr != nil {
		report.Checks = append(report.Checks, Check{Name: "start", Detail: startErr.Error()})
		return report, fmt.Errorf("start clone: %w", startErr)
	}
	report.Checks = append(report.Checks, Check{Name: "start", Passed: true})

	report.Checks = append(report.Checks, t.waitForAgent(ctx, cloneID))
	return report, nil
}

// waitForAgent polls the guest agent a bounded number of times.
func (t *Tester) waitForAgent(ctx context.Context, cloneID hypervisor.VMID) Check {
	attempts := t.Attempts
	if attempts <= 0 {
		attempts = DefaultTestAttempts
	}
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultTestInterval
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = t.Client.AgentPing(ctx, cloneID); lastErr == nil {
			return Check{Name: "guest-agent", Passed: true}
		}
		t.logger().Debug("guest agent not ready", "clone", cloneID, "attempt", attempt, "error", lastErr)

		if attempt == attempts {
			break
		}
		if err := t.sleep(ctx, interval); err != nil {
			lastErr = err
			break
		}
	}

	return Check{
		Name:   "guest-agent",
		Detail: fmt.Sprintf("no response after %d attempts: %v", attempts, lastErr),
	}
}
