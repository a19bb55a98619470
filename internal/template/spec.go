// Package template defines the template specification model and its
// validation rules. A Spec is built once by a collector, validated once, and
// then passed by value through compilation and provisioning without mutation.
package template

import "fmt"

// CloudInitMode selects exactly one first-boot configuration strategy.
type CloudInitMode string

// Supported cloud-init strategies. The modes are mutually exclusive:
// selecting one leaves the other variant fields unset.
const (
	// CloudInitDisabled provisions the template without any first-boot
	// configuration.
	CloudInitDisabled CloudInitMode = "disabled"
	// CloudInitGuided synthesizes a first-boot document from structured
	// answers (user, network, packages, script).
	CloudInitGuided CloudInitMode = "guided"
	// CloudInitExternalFile references a payload that already exists in a
	// storage pool's snippet area.
	CloudInitExternalFile CloudInitMode = "external-file"
	// CloudInitInline uploads operator-provided raw text verbatim.
	CloudInitInline CloudInitMode = "inline"
)

// NetworkMode selects how the guided first-boot configuration sets up
// guest networking.
type NetworkMode string

// Supported network modes.
const (
	NetworkDHCP   NetworkMode = "dhcp"
	NetworkStatic NetworkMode = "static"
)

// StaticNetwork carries the addressing used when NetworkMode is static.
type StaticNetwork struct {
	// AddressCIDR is the guest address in CIDR notation, e.g. "10.0.0.5/24".
	AddressCIDR string `yaml:"address"`
	Gateway     string `yaml:"gateway"`
	Nameservers []string `yaml:"nameservers,omitempty"`
}

// NetworkConfig is the guided strategy's network choice.
type NetworkConfig struct {
	Mode   NetworkMode    `yaml:"mode"`
	Static *StaticNetwork `yaml:"static,omitempty"`
}

// FirstBootScript names the commands run on first boot. At most one of
// TemplateID and Raw is set; TemplateID selects a named script shipped with
// the compiler, Raw is operator-provided freeform text split line by line.
type FirstBootScript struct {
	TemplateID string `yaml:"template,omitempty"`
	Raw        string `yaml:"raw,omitempty"`
}

// GuidedCloudInit holds the structured answers the guided strategy is
// compiled from. Password is kept in memory only and must never be logged.
type GuidedCloudInit struct {
	Username     string `yaml:"username"`
	SSHPublicKey string `yaml:"ssh_public_key,omitempty"`
	Password     string `yaml:"password,omitempty"`

	Network NetworkConfig `yaml:"network"`

	PackageCategories []string `yaml:"package_categories,omitempty"`
	ExtraPackages     []string `yaml:"extra_packages,omitempty"`

	FirstBootScript *FirstBootScript `yaml:"first_boot_script,omitempty"`
}

// ExternalPayload points at a pre-existing snippet in a storage pool.
type ExternalPayload struct {
	Storage string `yaml:"storage"`
	// Path is rooted at the pool's snippet area, e.g. "snippets/base.yaml".
	Path string `yaml:"path"`
}

// String renders the hypervisor-facing reference, "storage:snippets/name".
func (p ExternalPayload) String() string {
	return fmt.Sprintf("%s:%s", p.Storage, p.Path)
}

// CloudInitConfig is the tagged union of first-boot strategies. Only the
// variant field matching Mode is consulted.
type CloudInitConfig struct {
	Mode CloudInitMode `yaml:"mode"`

	Guided   *GuidedCloudInit `yaml:"guided,omitempty"`
	External *ExternalPayload `yaml:"external,omitempty"`
	Inline   string           `yaml:"inline,omitempty"`
}

// Disabled reports whether the spec opted out of first-boot configuration.
func (c CloudInitConfig) Disabled() bool {
	return c.Mode == "" || c.Mode == CloudInitDisabled
}

// Spec is a fully-populated template specification, the primary unit of work.
type Spec struct {
	Name           string   `yaml:"name"`
	DistributionID string   `yaml:"distribution"`
	Version        string   `yaml:"version"`
	CPUCores       int      `yaml:"cores"`
	MemoryMB       int      `yaml:"memory_mb"`
	DiskGB         int      `yaml:"disk_gb"`
	Tags           []string `yaml:"tags,omitempty"`

	CloudInit CloudInitConfig `yaml:"cloud_init"`
}
