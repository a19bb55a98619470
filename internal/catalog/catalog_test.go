package catalog

import (
	"errors"
	"strings"
	"testing"
)

func TestResolveKnownDistribution(t *testing.T) {
	cat := Default()

	distribution, err := cat.Resolve("ubuntu")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if distribution.ID != "ubuntu" {
		t.Fatalf("ID = %q, want %q", distribution.ID, "ubuntu")
	}
	if !distribution.SupportsCloudInit {
		t.Fatalf("ubuntu should support cloud-init")
	}
}

func TestResolveUnknownDistribution(t *testing.T) {
	cat := Default()

	_, err := cat.Resolve("plan9")
	if err == nil {
		t.Fatalf("Resolve() expected error for unknown id")
	}

	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error type = %T, want *NotFoundError", err)
	}
	if notFound.ID != "plan9" {
		t.Fatalf("NotFoundError.ID = %q, want %q", notFound.ID, "plan9")
	}
}

func TestSupportsCloudInit(t *testing.T) {
	cat := Default()

	if !cat.SupportsCloudInit("debian") {
		t.Fatalf("debian should support cloud-init")
	}
	if cat.SupportsCloudInit("alpine") {
		t.Fatalf("alpine should not support cloud-init")
	}
	if cat.SupportsCloudInit("plan9") {
		t.Fatalf("unknown id should not support cloud-init")
	}
}

func TestBuildDownloadURL(t *testing.T) {
	distribution := Distribution{
		ID:          "ubuntu",
		URLTemplate: "https://example.com/%version%/image-%version%.img",
	}

	url := BuildDownloadURL(distribution, "22.04")
	want := "https://example.com/22.04/image-22.04.img"
	if url != want {
		t.Fatalf("BuildDownloadURL() = %q, want %q", url, want)
	}

	// Pure function: repeating the call yields an identical string.
	if again := BuildDownloadURL(distribution, "22.04"); again != url {
		t.Fatalf("BuildDownloadURL() not deterministic: %q vs %q", again, url)
	}
}

func TestDefaultCatalogTemplatesCarryPlaceholder(t *testing.T) {
	for _, distribution := range Default().All() {
		if !strings.Contains(distribution.URLTemplate, VersionPlaceholder) {
			t.Fatalf("distribution %q template missing version placeholder: %s",
				distribution.ID, distribution.URLTemplate)
		}
	}
}

func TestAllIsSortedByID(t *testing.T) {
	all := Default().All()
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID {
			t.Fatalf("All() not sorted: %q before %q", all[i-1].ID, all[i].ID)
		}
	}
}
