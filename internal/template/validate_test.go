package template

import (
	"errors"
	"testing"

	"github.com/stencil-vm/stencil/internal/catalog"
)

func testValidator() *Validator {
	return &Validator{Catalog: catalog.Default()}
}

func validSpec() Spec {
	return Spec{
		Name:           "web01",
		DistributionID: "ubuntu",
		Version:        "22.04",
		CPUCores:       2,
		MemoryMB:       2048,
		DiskGB:         16,
		CloudInit:      CloudInitConfig{Mode: CloudInitDisabled},
	}
}

func fieldsOf(t *testing.T, err error) []FieldError {
	t.Helper()
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if len(validation.Fields) == 0 {
		t.Fatalf("ValidationError carries no fields")
	}
	return validation.Fields
}

func TestValidateAcceptsMinimalSpec(t *testing.T) {
	if err := testValidator().Validate(validSpec()); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidateCPUBoundaries(t *testing.T) {
	cases := []struct {
		cores int
		valid bool
	}{
		{0, false},
		{1, true},
		{128, true},
		{129, false},
	}

	for _, tc := range cases {
		spec := validSpec()
		spec.CPUCores = tc.cores
		err := testValidator().Validate(spec)
		if tc.valid && err != nil {
			t.Fatalf("cores=%d: unexpected error %v", tc.cores, err)
		}
		if !tc.valid && err == nil {
			t.Fatalf("cores=%d: expected validation error", tc.cores)
		}
	}
}

func TestValidateMemoryBoundaries(t *testing.T) {
	for _, tc := range []struct {
		memory int
		valid  bool
	}{{511, false}, {512, true}, {131072, true}, {131073, false}} {
		spec := validSpec()
		spec.MemoryMB = tc.memory
		err := testValidator().Validate(spec)
		if (err == nil) != tc.valid {
			t.Fatalf("memory=%d: valid=%v, err=%v", tc.memory, tc.valid, err)
		}
	}
}

func TestValidateDiskBoundaries(t *testing.T) {
	for _, tc := range []struct {
		disk  int
		valid bool
	}{{7, false}, {8, true}, {2048, true}, {2049, false}} {
		spec := validSpec()
		spec.DiskGB = tc.disk
		err := testValidator().Validate(spec)
		if (err == nil) != tc.valid {
			t.Fatalf("disk=%d: valid=%v, err=%v", tc.disk, tc.valid, err)
		}
	}
}

func TestValidateZeroCoresReportsSingleFieldError(t *testing.T) {
	spec := validSpec()
	spec.CPUCores = 0

	fields := fieldsOf(t, testValidator().Validate(spec))
	if len(fields) != 1 {
		t.Fatalf("field count = %d, want 1 (%v)", len(fields), fields)
	}
	if fields[0].Field != "cores" {
		t.Fatalf("field = %q, want %q", fields[0].Field, "cores")
	}
}

func TestValidateCollectsAllViolations(t *testing.T) {
	spec := Spec{
		Name:           "bad name!",
		DistributionID: "plan9",
		CPUCores:       0,
		MemoryMB:       64,
		DiskGB:         4,
	}

	fields := fieldsOf(t, testValidator().Validate(spec))
	if len(fields) < 5 {
		t.Fatalf("expected every violation reported, got %d: %v", len(fields), fields)
	}
}

func TestValidateNamePattern(t *testing.T) {
	for name, valid := range map[string]bool{
		"web01":       true,
		"web_01-a":    true,
		"":            false,
		"web 01":      false,
		"web.01":      false,
		"tmpl/web01":  false,
	} {
		spec := validSpec()
		spec.Name = name
		err := testValidator().Validate(spec)
		if (err == nil) != valid {
			t.Fatalf("name=%q: valid=%v, err=%v", name, valid, err)
		}
	}
}

func TestValidateStaticNetworkRequiresCIDR(t *testing.T) {
	spec := validSpec()
	spec.CloudInit = CloudInitConfig{
		Mode: CloudInitGuided,
		Guided: &GuidedCloudInit{
			Username: "admin",
			Network: NetworkConfig{
				Mode:   NetworkStatic,
				Static: &StaticNetwork{AddressCIDR: "10.0.0.5", Gateway: "10.0.0.1"},
			},
		},
	}

	fields := fieldsOf(t, testValidator().Validate(spec))
	if len(fields) != 1 || fields[0].Field != "cloud_init.guided.network.address" {
		t.Fatalf("fields = %v, want single address error", fields)
	}

	spec.CloudInit.Guided.Network.Static.AddressCIDR = "10.0.0.5/24"
	if err := testValidator().Validate(spec); err != nil {
		t.Fatalf("Validate() with CIDR suffix error = %v", err)
	}
}

func TestValidateGuidedUsername(t *testing.T) {
	for username, valid := range map[string]bool{
		"admin":    true,
		"a1-b_2":   true,
		"":         false,
		"Admin":    false,
		"1admin":   false,
		"adm in":   false,
	} {
		spec := validSpec()
		spec.CloudInit = CloudInitConfig{
			Mode:   CloudInitGuided,
			Guided: &GuidedCloudInit{Username: username},
		}
		err := testValidator().Validate(spec)
		if (err == nil) != valid {
			t.Fatalf("username=%q: valid=%v, err=%v", username, valid, err)
		}
	}
}

func TestValidateRejectsCloudInitWithoutDistributionSupport(t *testing.T) {
	spec := validSpec()
	spec.DistributionID = "alpine"
	spec.Version = "3.20"
	spec.CloudInit = CloudInitConfig{
		Mode:   CloudInitGuided,
		Guided: &GuidedCloudInit{Username: "admin"},
	}

	fields := fieldsOf(t, testValidator().Validate(spec))
	found := false
	for _, field := range fields {
		if field.Field == "cloud_init" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cloud_init support violation, got %v", fields)
	}
}

func TestValidatePasswordMinimumLength(t *testing.T) {
	spec := validSpec()
	spec.CloudInit = CloudInitConfig{
		Mode:   CloudInitGuided,
		Guided: &GuidedCloudInit{Username: "admin", Password: "ab"},
	}

	if err := testValidator().Validate(spec); err == nil {
		t.Fatalf("expected short-password violation with the default minimum")
	}

	relaxed := &Validator{Catalog: catalog.Default(), MinPasswordLength: -1}
	if err := relaxed.Validate(spec); err != nil {
		t.Fatalf("Validate() with disabled minimum error = %v", err)
	}
}

func TestValidateExternalPayloadShape(t *testing.T) {
	for _, tc := range []struct {
		storage string
		path    string
		valid   bool
	}{
		{"local", "snippets/base.yaml", true},
		{"", "snippets/base.yaml", false},
		{"local", "base.yaml", false},
		{"local", "snippets/sub/base.yaml", false},
		{"local", "iso/base.yaml", false},
	} {
		spec := validSpec()
		spec.CloudInit = CloudInitConfig{
			Mode:     CloudInitExternalFile,
			External: &ExternalPayload{Storage: tc.storage, Path: tc.path},
		}
		err := testValidator().Validate(spec)
		if (err == nil) != tc.valid {
			t.Fatalf("ref=%s:%s: valid=%v, err=%v", tc.storage, tc.path, tc.valid, err)
		}
	}
}

func TestValidateInlinePayloadMustNotBeEmpty(t *testing.T) {
	spec := validSpec()
	spec.CloudInit = CloudInitConfig{Mode: CloudInitInline, Inline: "  \n "}

	fields := fieldsOf(t, testValidator().Validate(spec))
	if fields[0].Field != "cloud_init.inline" {
		t.Fatalf("field = %q, want cloud_init.inline", fields[0].Field)
	}
}
