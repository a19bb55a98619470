// Package provision drives the hypervisor through the ordered sequence of
// operations that turns a validated specification and compiled payload into a
// finished template.
package provision

import (
	"context"
	"fmt"

	"github.com/stencil-vm/stencil/internal/cloudinit"
	"github.com/stencil-vm/stencil/internal/hypervisor"
	"github.com/stencil-vm/stencil/internal/template"
)

// State names a position in the provisioning state machine.
type State string

// The provisioning states, in execution order. CloudInitAttached is skipped
// when the compiled payload is empty.
const (
	StatePlanned           State = "planned"
	StateDownloading       State = "downloading"
	StateVMShellCreated    State = "vm-shell-created"
	StateDiskImported      State = "disk-imported"
	StateDiskAttached      State = "disk-attached"
	StateDiskResized       State = "disk-resized"
	StateCloudInitAttached State = "cloud-init-attached"
	StateTagged            State = "tagged"
	StateConverted         State = "converted-to-template"
	StateDone              State = "done"
)

// Run is the mutable context threaded through a single provisioning run.
// The specification itself is never mutated.
type Run struct {
	Spec    template.Spec
	Payload cloudinit.Ref

	VMID      hypervisor.VMID
	ImagePath string
	Pool      string
	DiskKey   string

	State State
}

// Step is one provisioning operation. Steps are data: the same plan shape
// backs full execution, plan-only preview and the self-test flow.
type Step struct {
	Name string
	// Reaches is the state the run enters when the step succeeds.
	Reaches State
	Run     func(ctx context.Context, run *Run) error
}

// StepError reports a failed provisioning step with enough context for
// manual remediation: the partially-built resource is left in place.
type StepError struct {
	Step  string
	State State
	VMID  hypervisor.VMID
	Err   error
}

func (e *StepError) Error() string {
	if e.VMID != 0 {
		return fmt.Sprintf("step %q failed (vm %s, last completed state %s): %v", e.Step, e.VMID, e.State, e.Err)
	}
	return fmt.Sprintf("step %q failed (last completed state %s): %v", e.Step, e.State, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
