package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/stencil-vm/stencil/internal/catalog"
)

// Hardware limits accepted by the hypervisor profile this tool targets.
const (
	MinCPUCores = 1
	MaxCPUCores = 128
	MinMemoryMB = 512
	MaxMemoryMB = 131072
	MinDiskGB   = 8
	MaxDiskGB   = 2048
)

// DefaultMinPasswordLength applies when the validator is built without an
// explicit minimum.
const DefaultMinPasswordLength = 5

var (
	namePattern     = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	usernamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	cidrPattern     = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}/\d{1,2}$`)
	snippetPattern  = regexp.MustCompile(`^snippets/[A-Za-z0-9._-]+$`)
)

// FieldError reports a single violated validation rule.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError batches every violated rule for a specification. The batch
// is never empty.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	messages := make([]string, len(e.Fields))
	for i, field := range e.Fields {
		messages[i] = field.Error()
	}
	return fmt.Sprintf("invalid template specification: %s", strings.Join(messages, "; "))
}

// Validator checks fully-populated specifications against domain rules. It
// performs no I/O and never partially validates: every violated rule is
// collected before returning.
type Validator struct {
	Catalog *catalog.Catalog

	// MinPasswordLength bounds guided passwords. Zero means the default;
	// a negative value disables the check.
	MinPasswordLength int
}

// Validate returns nil when the specification is acceptable, or a
// *ValidationError listing every violated rule.
func (v *Validator) Validate(spec Spec) error {
	var fields []FieldError

	add := func(field, format string, args ...any) {
		fields = append(fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if spec.Name == "" {
		add("name", "must not be empty")
	} else if !namePattern.MatchString(spec.Name) {
		add("name", "may only contain letters, digits, underscores and hyphens")
	}

	distribution, err := v.Catalog.Resolve(spec.DistributionID)
	known := err == nil
	if !known {
		add("distribution", "unknown distribution %q", spec.DistributionID)
	}
	if spec.Version == "" {
		add("version", "must not be empty")
	}

	if spec.CPUCores < MinCPUCores || spec.CPUCores > MaxCPUCores {
		add("cores", "must be between %d and %d, got %d", MinCPUCores, MaxCPUCores, spec.CPUCores)
	}
	if spec.MemoryMB < MinMemoryMB || spec.MemoryMB > MaxMemoryMB {
		add("memory_mb", "must be between %d and %d, got %d", MinMemoryMB, MaxMemoryMB, spec.MemoryMB)
	}
	if spec.DiskGB < MinDiskGB || spec.DiskGB > MaxDiskGB {
		add("disk_gb", "must be between %d and %d, got %d", MinDiskGB, MaxDiskGB, spec.DiskGB)
	}

	if !spec.CloudInit.Disabled() && known && !distribution.SupportsCloudInit {
		add("cloud_init", "distribution %q does not support cloud-init", spec.DistributionID)
	}

	switch spec.CloudInit.Mode {
	case "", CloudInitDisabled:
	case CloudInitGuided:
		fields = append(fields, v.validateGuided(spec.CloudInit.Guided)...)
	case CloudInitExternalFile:
		fields = append(fields, validateExternal(spec.CloudInit.External)...)
	case CloudInitInline:
		if strings.TrimSpace(spec.CloudInit.Inline) == "" {
			add("cloud_init.inline", "payload text must not be empty")
		}
	default:
		add("cloud_init.mode", "unknown strategy %q", spec.CloudInit.Mode)
	}

	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

func (v *Validator) validateGuided(guided *GuidedCloudInit) []FieldError {
	if guided == nil {
		return []FieldError{{Field: "cloud_init.guided", Message: "guided settings are required"}}
	}

	var fields []FieldError

	if guided.Username == "" {
		fields = append(fields, FieldError{
			Field:   "cloud_init.guided.username",
			Message: "must not be empty",
		})
	} else if !usernamePattern.MatchString(guided.Username) {
		fields = append(fields, FieldError{
			Field:   "cloud_init.guided.username",
			Message: "must start with a lowercase letter followed by lowercase letters, digits, underscores or hyphens",
		})
	}

	minLength := v.MinPasswordLength
	if minLength == 0 {
		minLength = DefaultMinPasswordLength
	}
	if guided.Password != "" && minLength > 0 && len(guided.Password) < minLength {
		fields = append(fields, FieldError{
			Field:   "cloud_init.guided.password",
			Message: fmt.Sprintf("must be at least %d characters", minLength),
		})
	}

	if guided.Network.Mode == NetworkStatic {
		if guided.Network.Static == nil {
			fields = append(fields, FieldError{
				Field:   "cloud_init.guided.network",
				Message: "static addressing requires address and gateway",
			})
		} else if !cidrPattern.MatchString(guided.Network.Static.AddressCIDR) {
			fields = append(fields, FieldError{
				Field:   "cloud_init.guided.network.address",
				Message: fmt.Sprintf("%q is not in CIDR notation (a.b.c.d/len)", guided.Network.Static.AddressCIDR),
			})
		}
	}

	if guided.FirstBootScript != nil &&
		guided.FirstBootScript.TemplateID != "" && guided.FirstBootScript.Raw != "" {
		fields = append(fields, FieldError{
			Field:   "cloud_init.guided.first_boot_script",
			Message: "set either a template id or raw text, not both",
		})
	}

	return fields
}

func validateExternal(external *ExternalPayload) []FieldError {
	if external == nil {
		return []FieldError{{Field: "cloud_init.external", Message: "payload reference is required"}}
	}

	var fields []FieldError
	if external.Storage == "" {
		fields = append(fields, FieldError{
			Field:   "cloud_init.external.storage",
			Message: "storage pool id must not be empty",
		})
	}
	if !snippetPattern.MatchString(external.Path) {
		fields = append(fields, FieldError{
			Field:   "cloud_init.external.path",
			Message: fmt.Sprintf("%q must have the form snippets/<filename>", external.Path),
		})
	}
	return fields
}
