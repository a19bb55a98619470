// Package hypervisor defines the capability set this tool consumes from the
// hypervisor's management API. The engine treats these operations as an
// opaque boundary; internal/hypervisor/proxmox provides the REST adapter and
// tests substitute in-memory fakes.
package hypervisor

import (
	"context"
	"fmt"
	"strings"
)

// VMID is the unique numeric handle the hypervisor assigns to a VM or
// template.
type VMID int

func (id VMID) String() string {
	return fmt.Sprintf("%d", int(id))
}

// Config is the hypervisor-side property bag of a VM. Keys and values follow
// the management API's own naming; this tool never interprets keys it does
// not set itself.
type Config map[string]string

// CreateOptions carries the initial shell properties for a new VM.
type CreateOptions struct {
	Name     string
	MemoryMB int
	CPUCores int
	// NetworkDevice is the full net0 device string, e.g. "virtio,bridge=vmbr0".
	NetworkDevice string
}

// VMInfo is a single row of the hypervisor's VM listing.
type VMInfo struct {
	ID         VMID
	Name       string
	Status     string
	IsTemplate bool
}

// StoragePool describes a pool and the content types it accepts.
type StoragePool struct {
	ID      string
	Content []string
}

// Accepts reports whether the pool advertises the given content type.
func (p StoragePool) Accepts(content string) bool {
	for _, c := range p.Content {
		if strings.EqualFold(c, content) {
			return true
		}
	}
	return false
}

// Client is the full capability set consumed by the provisioning engine and
// the registry operations.
type Client interface {
	// NextID returns the next free VM identifier.
	NextID(ctx context.Context) (VMID, error)

	// Create allocates a VM shell under the given identifier.
	Create(ctx context.Context, id VMID, opts CreateOptions) error

	// SetProperties applies arbitrary VM properties.
	SetProperties(ctx context.Context, id VMID, props Config) error

	// GetConfig retrieves the VM's current property bag.
	GetConfig(ctx context.Context, id VMID) (Config, error)

	// ImportDisk imports a disk image from the node-local path into the pool
	// and attaches it as the VM's primary disk. It returns the attached disk
	// key (e.g. "scsi0").
	ImportDisk(ctx context.Context, id VMID, pool, imagePath string) (string, error)

	// ResizeDisk grows the named disk to the given size in gigabytes.
	ResizeDisk(ctx context.Context, id VMID, disk string, sizeGB int) error

	// ConvertToTemplate marks the VM read-only. Irreversible.
	ConvertToTemplate(ctx context.Context, id VMID) error

	// Clone duplicates a VM or template into a new identifier.
	Clone(ctx context.Context, id, newID VMID, name string) error

	// Destroy removes the VM and its disks.
	Destroy(ctx context.Context, id VMID) error

	Start(ctx context.Context, id VMID) error
	Stop(ctx context.Context, id VMID) error

	// Status returns the VM's current run state, e.g. "running" or "stopped".
	Status(ctx context.Context, id VMID) (string, error)

	// AgentPing succeeds once the in-guest agent answers.
	AgentPing(ctx context.Context, id VMID) error

	// List returns every VM and template on the node.
	List(ctx context.Context) ([]VMInfo, error)

	// ListPools returns the storage pools and their supported content types.
	ListPools(ctx context.Context) ([]StoragePool, error)

	// UploadFile stores a file in the pool's area for the given content type
	// ("snippets" or "iso") and returns the pool-relative path.
	UploadFile(ctx context.Context, pool, content, filename string, data []byte) (string, error)

	// DeleteFile removes a previously uploaded file, addressed by its
	// pool-relative path.
	DeleteFile(ctx context.Context, pool, path string) error
}

// APIError reports a failed management API call.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}
