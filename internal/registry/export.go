package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/stencil-vm/stencil/internal/hypervisor"
)

// ExportSchemaVersion identifies the export file layout.
const ExportSchemaVersion = 1

// ExportMetadata records provenance for an exported configuration.
type ExportMetadata struct {
	ExportedAt    time.Time `json:"exported_at"`
	Source        string    `json:"source"`
	Name          string    `json:"config_name"`
	SchemaVersion int       `json:"schema_version"`
}

// ExportFile is the persisted configuration format: provenance metadata plus
// the verbatim property bag retrieved from the hypervisor at export time.
type ExportFile struct {
	Metadata      ExportMetadata    `json:"metadata"`
	ProxmoxConfig hypervisor.Config `json:"proxmox_config"`
}

// diskKeyPrefixes name the property keys that reference disk volumes. Import
// skips them: disk contents are not restored from an export.
var diskKeyPrefixes = []string{
	"scsi", "virtio", "sata", "ide", "efidisk", "tpmstate", "unused",
}

func isDiskKey(key string) bool {
	for _, prefix := range diskKeyPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// Export serializes the template's current configuration to the named file.
func (r *Registry) Export(ctx context.Context, id hypervisor.VMID, path string) error {
	config, err := r.Client.GetConfig(ctx, id)
	if err != nil {
		return err
	}

	file := ExportFile{
		Metadata: ExportMetadata{
			ExportedAt:    time.Now().UTC(),
			Source:        fmt.Sprintf("vmid/%s", id),
			Name:          config["name"],
			SchemaVersion: ExportSchemaVersion,
		},
		ProxmoxConfig: config,
	}

	payload, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write export file: %w", err)
	}

	r.logger().Info("exported template configuration", "vmid", id, "path", path)
	return nil
}

// ImportResult describes a finished import.
type ImportResult struct {
	VMID hypervisor.VMID
	// SkippedKeys lists the disk-referencing properties that were not
	// restored. Disk contents are never recreated from an export.
	SkippedKeys []string
}

// Import reconstructs a VM shell from a previously exported file. The shell
// carries the exported properties minus anything disk-related; attaching
// disks again is up to the operator.
func (r *Registry) Import(ctx context.Context, path string) (ImportResult, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return ImportResult{}, fmt.Errorf("read export file: %w", err)
	}

	var file ExportFile
	if err := json.Unmarshal(payload, &file); err != nil {
		return ImportResult{}, fmt.Errorf("decode export file: %w", err)
	}
	if file.Metadata.SchemaVersion > ExportSchemaVersion {
		return ImportResult{}, fmt.Errorf("export schema version %d is newer than supported %d",
			file.Metadata.SchemaVersion, ExportSchemaVersion)
	}

	id, err := r.Client.NextID(ctx)
	if err != nil {
		return ImportResult{}, err
	}

	name := file.ProxmoxConfig["name"]
	if name == "" {
		name = fmt.Sprintf("imported-%s", id)
	}
	if err := r.Client.Create(ctx, id, hypervisor.CreateOptions{Name: name}); err != nil {
		return ImportResult{}, err
	}

	result := ImportResult{VMID: id}
	props := hypervisor.Config{}
	for key, value := range file.ProxmoxConfig {
		switch {
		case key == "name", key == "vmid", key == "template", key == "meta", key == "digest":
			// Identity and bookkeeping keys are owned by the new shell.
		case isDiskKey(key):
			result.SkippedKeys = append(result.SkippedKeys, key)
		default:
			props[key] = value
		}
	}
	sort.Strings(result.SkippedKeys)

	var applyErrs *multierror.Error
	if len(props) > 0 {
		if err := r.Client.SetProperties(ctx, id, props); err != nil {
			applyErrs = multierror.Append(applyErrs, fmt.Errorf("apply exported properties: %w", err))
		}
	}

	r.logger().Info("imported template configuration",
		"vmid", id, "path", path, "skipped_keys", len(result.SkippedKeys))
	return result, applyErrs.ErrorOrNil()
}
