package cloudinit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stencil-vm/stencil/internal/logging"
	"github.com/stencil-vm/stencil/internal/template"
)

// Ref is the compiled payload reference the orchestrator consumes. The zero
// value means "no payload".
type Ref struct {
	Storage string
	// Path is pool-relative, e.g. "snippets/ci-web01.yaml".
	Path string
	// Ephemeral marks references that belong to a single provisioning run
	// and are deleted once that run finishes.
	Ephemeral bool
}

// IsZero reports whether the reference is empty.
func (r Ref) IsZero() bool {
	return r.Storage == "" && r.Path == ""
}

// String renders the hypervisor-facing reference, "storage:snippets/name".
func (r Ref) String() string {
	if r.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s:%s", r.Storage, r.Path)
}

// UploadSink persists a payload somewhere the hypervisor can read it.
type UploadSink interface {
	Upload(ctx context.Context, filename string, data []byte) (Ref, error)
}

// UploadError reports a failed payload upload. The orchestrator treats it as
// non-fatal: provisioning continues without cloud-init.
type UploadError struct {
	Reason string
	Err    error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payload upload failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("payload upload failed: %s", e.Reason)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Compiler turns a validated cloud-init strategy into a single Ref.
type Compiler struct {
	Sink   UploadSink
	Logger *slog.Logger
}

func (c *Compiler) logger() *slog.Logger {
	return logging.Ensure(c.Logger).With("component", "cloudinit")
}

// Compile resolves the strategy branch of the given configuration. The
// returned Ref is zero only for the disabled strategy; a guided configuration
// with nothing selected still yields a minimal baseline document. specName
// feeds the upload filename and nothing else.
func (c *Compiler) Compile(ctx context.Context, cfg template.CloudInitConfig, specName string) (Ref, error) {
	switch cfg.Mode {
	case "", template.CloudInitDisabled:
		return Ref{}, nil

	case template.CloudInitGuided:
		data, err := c.synthesize(cfg.Guided)
		if err != nil {
			return Ref{}, err
		}
		ref, err := c.upload(ctx, specName, data)
		if err != nil {
			return Ref{}, err
		}
		c.logger().Info("compiled guided cloud-init payload", "ref", ref.String())
		return ref, nil

	case template.CloudInitExternalFile:
		// Shape was checked by the validator; pass through untouched.
		ref := Ref{Storage: cfg.External.Storage, Path: cfg.External.Path}
		c.logger().Info("using external cloud-init payload", "ref", ref.String())
		return ref, nil

	case template.CloudInitInline:
		ref, err := c.upload(ctx, specName, []byte(cfg.Inline))
		if err != nil {
			return Ref{}, err
		}
		ref.Ephemeral = true
		c.logger().Info("uploaded inline cloud-init payload", "ref", ref.String())
		return ref, nil

	default:
		return Ref{}, fmt.Errorf("unknown cloud-init strategy %q", cfg.Mode)
	}
}

// synthesize builds the normalized guided document. Deterministic for equal
// inputs.
func (c *Compiler) synthesize(guided *template.GuidedCloudInit) ([]byte, error) {
	if guided == nil {
		return nil, fmt.Errorf("guided cloud-init settings are required")
	}

	var templateID, raw string
	if guided.FirstBootScript != nil {
		templateID = guided.FirstBootScript.TemplateID
		raw = guided.FirstBootScript.Raw
	}
	runCmd, err := resolveScript(templateID, raw)
	if err != nil {
		return nil, err
	}

	document := Document{
		PackageUpdate: true,
		Packages:      expandPackages(guided.PackageCategories, guided.ExtraPackages),
		RunCmd:        runCmd,
	}
	return document.Marshal()
}

func (c *Compiler) upload(ctx context.Context, specName string, data []byte) (Ref, error) {
	filename := fmt.Sprintf("ci-%s-%s.yaml", specName, uuid.New().String()[:8])
	ref, err := c.Sink.Upload(ctx, filename, data)
	if err != nil {
		return Ref{}, &UploadError{Reason: fmt.Sprintf("upload %s", filename), Err: err}
	}
	return ref, nil
}
