package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stencil-vm/stencil/internal/catalog"
	"github.com/stencil-vm/stencil/internal/cloudinit"
	"github.com/stencil-vm/stencil/internal/hypervisor"
	"github.com/stencil-vm/stencil/internal/logging"
	"github.com/stencil-vm/stencil/internal/template"
)

// DefaultBridge is the network bridge new shells attach to when none is
// configured.
const DefaultBridge = "vmbr0"

// Orchestrator executes the provisioning plan against the hypervisor. A
// single orchestrator run is strictly sequential and never cleans up a
// partially-built VM: failures leave the resource in place for inspection.
type Orchestrator struct {
	Client   hypervisor.Client
	Catalog  *catalog.Catalog
	Cache    *ImageCache
	Compiler *cloudinit.Compiler
	Logger   *slog.Logger

	// DefaultPool receives the imported disk when no pool on the node
	// advertises image content.
	DefaultPool string
	// Bridge is the network bridge for the shell's first interface.
	Bridge string
}

// Result describes a finished provisioning run.
type Result struct {
	VMID  hypervisor.VMID
	Name  string
	State State
}

func (o *Orchestrator) logger() *slog.Logger {
	return logging.Ensure(o.Logger).With("component", "orchestrator")
}

// Provision runs the full create flow for a validated specification. The
// distribution is resolved before any side effect; a failed payload upload
// degrades to provisioning without cloud-init.
func (o *Orchestrator) Provision(ctx context.Context, spec template.Spec) (Result, error) {
	distribution, err := o.Catalog.Resolve(spec.DistributionID)
	if err != nil {
		return Result{}, err
	}

	payload, err := o.Compiler.Compile(ctx, spec.CloudInit, spec.Name)
	if err != nil {
		var uploadErr *cloudinit.UploadError
		if !errors.As(err, &uploadErr) {
			return Result{}, err
		}
		o.logger().Warn("cloud-init payload upload failed, instance will boot unconfigured",
			"template", spec.Name, "error", err)
		payload = cloudinit.Ref{}
	}

	run := &Run{Spec: spec, Payload: payload, State: StatePlanned}

	for _, step := range o.plan(distribution, spec, payload) {
		o.logger().Info("running step", "step", step.Name, "template", spec.Name)
		if err := step.Run(ctx, run); err != nil {
			return Result{VMID: run.VMID, Name: spec.Name, State: run.State}, &StepError{
				Step:  step.Name,
				State: run.State,
				VMID:  run.VMID,
				Err:   err,
			}
		}
		run.State = step.Reaches
	}
	run.State = StateDone

	o.finalizeEphemeral(ctx, run)

	o.logger().Info("template provisioned", "template", spec.Name, "vmid", run.VMID)
	return Result{VMID: run.VMID, Name: spec.Name, State: run.State}, nil
}

// PlanPreview returns the step names a provisioning run would execute,
// without side effects.
func (o *Orchestrator) PlanPreview(spec template.Spec) []string {
	// The preview assumes the payload compiles; its presence only depends on
	// the chosen strategy.
	payload := cloudinit.Ref{}
	if !spec.CloudInit.Disabled() {
		payload = cloudinit.Ref{Storage: "-", Path: "-"}
	}

	steps := o.plan(catalog.Distribution{}, spec, payload)
	names := make([]string, len(steps))
	for i, step := range steps {
		names[i] = step.Name
	}
	return names
}

func (o *Orchestrator) plan(distribution catalog.Distribution, spec template.Spec, payload cloudinit.Ref) []Step {
	steps := []Step{
		{
			Name:    "download image",
			Reaches: StateDownloading,
			Run: func(ctx context.Context, run *Run) error {
				path, err := o.Cache.Fetch(ctx, distribution, spec.Version)
				if err != nil {
					return err
				}
				run.ImagePath = path
				return nil
			},
		},
		{
			Name:    "create vm shell",
			Reaches: StateVMShellCreated,
			Run:     o.createShell,
		},
		{
			Name:    "import disk image",
			Reaches: StateDiskImported,
			Run: func(ctx context.Context, run *Run) error {
				disk, err := o.Client.ImportDisk(ctx, run.VMID, run.Pool, run.ImagePath)
				if err != nil {
					return err
				}
				run.DiskKey = disk
				return nil
			},
		},
		{
			Name:    "attach disk",
			Reaches: StateDiskAttached,
			Run: func(ctx context.Context, run *Run) error {
				return o.Client.SetProperties(ctx, run.VMID, hypervisor.Config{
					"boot":     "order=" + run.DiskKey,
					"bootdisk": run.DiskKey,
					"serial0":  "socket",
					"vga":      "serial0",
					"agent":    "1",
				})
			},
		},
		{
			Name:    "resize disk",
			Reaches: StateDiskResized,
			Run: func(ctx context.Context, run *Run) error {
				return o.Client.ResizeDisk(ctx, run.VMID, run.DiskKey, spec.DiskGB)
			},
		},
	}

	if !payload.IsZero() {
		steps = append(steps, Step{
			Name:    "attach cloud-init",
			Reaches: StateCloudInitAttached,
			Run:     o.attachCloudInit,
		})
	}

	steps = append(steps,
		Step{
			Name:    "apply tags and description",
			Reaches: StateTagged,
			Run:     o.applyTags,
		},
		Step{
			Name:    "convert to template",
			Reaches: StateConverted,
			Run: func(ctx context.Context, run *Run) error {
				return o.Client.ConvertToTemplate(ctx, run.VMID)
			},
		},
	)
	return steps
}

// createShell allocates an identifier, chooses the image pool and creates
// the VM shell.
func (o *Orchestrator) createShell(ctx context.Context, run *Run) error {
	pool, err := o.chooseImagePool(ctx)
	if err != nil {
		return err
	}
	run.Pool = pool

	id, err := o.Client.NextID(ctx)
	if err != nil {
		return err
	}
	run.VMID = id

	bridge := o.Bridge
	if bridge == "" {
		bridge = DefaultBridge
	}

	return o.Client.Create(ctx, id, hypervisor.CreateOptions{
		Name:          run.Spec.Name,
		MemoryMB:      run.Spec.MemoryMB,
		CPUCores:      run.Spec.CPUCores,
		NetworkDevice: "virtio,bridge=" + bridge,
	})
}

// chooseImagePool picks the first pool advertising image content. A node
// without one gets the configured default pool and a warning instead of a
// hard failure.
func (o *Orchestrator) chooseImagePool(ctx context.Context) (string, error) {
	pools, err := o.Client.ListPools(ctx)
	if err != nil {
		return "", err
	}

	for _, pool := range pools {
		if pool.Accepts("images") {
			return pool.ID, nil
		}
	}

	if o.DefaultPool == "" {
		return "", fmt.Errorf("no storage pool accepts images and no default pool is configured")
	}
	o.logger().Warn("no storage pool advertises image content, falling back to default",
		"pool", o.DefaultPool)
	return o.DefaultPool, nil
}

// attachCloudInit wires the compiled payload and, for the guided strategy,
// the user, credential and network properties.
func (o *Orchestrator) attachCloudInit(ctx context.Context, run *Run) error {
	props := hypervisor.Config{}

	switch {
	case strings.HasPrefix(run.Payload.Path, "snippets/"):
		props["ide2"] = run.Pool + ":cloudinit"
		props["cicustom"] = "user=" + run.Payload.String()
	case strings.HasPrefix(run.Payload.Path, "iso/"):
		// Seed image sink: the payload is a NoCloud ISO attached as a CD-ROM.
		props["ide2"] = run.Payload.String() + ",media=cdrom"
	default:
		return fmt.Errorf("unrecognized payload reference %q", run.Payload.String())
	}

	if guided := run.Spec.CloudInit.Guided; run.Spec.CloudInit.Mode == template.CloudInitGuided && guided != nil {
		props["ciuser"] = guided.Username
		if guided.Password != "" {
			props["cipassword"] = guided.Password
		}
		if guided.SSHPublicKey != "" {
			props["sshkeys"] = guided.SSHPublicKey
		}

		switch guided.Network.Mode {
		case template.NetworkStatic:
			static := guided.Network.Static
			props["ipconfig0"] = fmt.Sprintf("ip=%s,gw=%s", static.AddressCIDR, static.Gateway)
			if len(static.Nameservers) > 0 {
				props["nameserver"] = strings.Join(static.Nameservers, " ")
			}
		default:
			props["ipconfig0"] = "ip=dhcp"
		}
	}

	return o.Client.SetProperties(ctx, run.VMID, props)
}

// applyTags is best-effort: a failure is logged and the run continues.
func (o *Orchestrator) applyTags(ctx context.Context, run *Run) error {
	props := hypervisor.Config{
		"description": fmt.Sprintf("%s %s template, built by stencil", run.Spec.DistributionID, run.Spec.Version),
	}
	if len(run.Spec.Tags) > 0 {
		props["tags"] = strings.Join(run.Spec.Tags, ";")
	}

	if err := o.Client.SetProperties(ctx, run.VMID, props); err != nil {
		o.logger().Warn("failed to apply tags and description", "vmid", run.VMID, "error", err)
	}
	return nil
}

// finalizeEphemeral deletes an ephemeral payload once the run reached Done.
// Earlier aborts deliberately leave the artifact behind for inspection.
func (o *Orchestrator) finalizeEphemeral(ctx context.Context, run *Run) {
	if !run.Payload.Ephemeral || run.State != StateDone {
		return
	}
	if err := o.Client.DeleteFile(ctx, run.Payload.Storage, run.Payload.Path); err != nil {
		o.logger().Warn("failed to delete ephemeral payload", "ref", run.Payload.String(), "error", err)
		return
	}
	o.logger().Info("deleted ephemeral payload", "ref", run.Payload.String())
}
