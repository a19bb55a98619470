// Package registry provides lifecycle operations over already-finalized
// templates: list, describe, clone, delete, export and import. All of them
// sit on the same hypervisor boundary as provisioning.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/stencil-vm/stencil/internal/hypervisor"
	"github.com/stencil-vm/stencil/internal/logging"
)

// Registry performs read-mostly operations over finalized templates.
type Registry struct {
	Client hypervisor.Client
	Logger *slog.Logger
}

func (r *Registry) logger() *slog.Logger {
	return logging.Ensure(r.Logger).With("component", "registry")
}

// List returns every resource the hypervisor flags as a template, ordered by
// identifier.
func (r *Registry) List(ctx context.Context) ([]hypervisor.VMInfo, error) {
	all, err := r.Client.List(ctx)
	if err != nil {
		return nil, err
	}

	templates := make([]hypervisor.VMInfo, 0, len(all))
	for _, info := range all {
		if info.IsTemplate {
			templates = append(templates, info)
		}
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].ID < templates[j].ID })
	return templates, nil
}

// Property is one row of a template description.
type Property struct {
	Key   string
	Value string
}

// Describe projects the template's property bag into ordered key/value rows.
func (r *Registry) Describe(ctx context.Context, id hypervisor.VMID) ([]Property, error) {
	config, err := r.Client.GetConfig(ctx, id)
	if err != nil {
		return nil, err
	}

	properties := make([]Property, 0, len(config))
	for key, value := range config {
		properties = append(properties, Property{Key: key, Value: value})
	}
	sort.Slice(properties, func(i, j int) bool { return properties[i].Key < properties[j].Key })
	return properties, nil
}

// Clone duplicates a template into a new identifier and re-flags the copy as
// a template.
func (r *Registry) Clone(ctx context.Context, id hypervisor.VMID, name string) (hypervisor.VMID, error) {
	newID, err := r.Client.NextID(ctx)
	if err != nil {
		return 0, err
	}
	if err := r.Client.Clone(ctx, id, newID, name); err != nil {
		return 0, err
	}
	if err := r.Client.ConvertToTemplate(ctx, newID); err != nil {
		return newID, fmt.Errorf("re-flag clone %s as template: %w", newID, err)
	}

	r.logger().Info("cloned template", "source", id, "clone", newID, "name", name)
	return newID, nil
}

// Delete removes the template. A single irreversible call.
func (r *Registry) Delete(ctx context.Context, id hypervisor.VMID) error {
	if err := r.Client.Destroy(ctx, id); err != nil {
		return err
	}
	r.logger().Info("deleted template", "vmid", id)
	return nil
}
