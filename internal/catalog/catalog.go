// Package catalog holds the static table of supported distributions and the
// cloud image download URLs they publish.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// VersionPlaceholder is substituted into a distribution's URL template when
// building a concrete download URL.
const VersionPlaceholder = "%version%"

// Distribution describes a single supported distribution.
type Distribution struct {
	ID                string
	DisplayName       string
	SupportsCloudInit bool
	URLTemplate       string
}

// NotFoundError reports a distribution id that is absent from the catalog.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown distribution %q", e.ID)
}

// Catalog resolves distribution ids to their descriptors. It is immutable
// after construction.
type Catalog struct {
	entries map[string]Distribution
}

// Default returns the catalog of distributions this tool ships with.
func Default() *Catalog {
	return New(
		Distribution{
			ID:                "ubuntu",
			DisplayName:       "Ubuntu Server",
			SupportsCloudInit: true,
			URLTemplate:       "https://cloud-images.ubuntu.com/releases/%version%/release/ubuntu-%version%-server-cloudimg-amd64.img",
		},
		Distribution{
			ID:                "debian",
			DisplayName:       "Debian",
			SupportsCloudInit: true,
			URLTemplate:       "https://cloud.debian.org/images/cloud/%version%/latest/debian-%version%-genericcloud-amd64.qcow2",
		},
		Distribution{
			ID:                "fedora",
			DisplayName:       "Fedora Cloud",
			SupportsCloudInit: true,
			URLTemplate:       "https://download.fedoraproject.org/pub/fedora/linux/releases/%version%/Cloud/x86_64/images/Fedora-Cloud-Base-Generic-%version%.x86_64.qcow2",
		},
		Distribution{
			ID:                "rockylinux",
			DisplayName:       "Rocky Linux",
			SupportsCloudInit: true,
			URLTemplate:       "https://download.rockylinux.org/pub/rocky/%version%/images/x86_64/Rocky-%version%-GenericCloud-Base.latest.x86_64.qcow2",
		},
		Distribution{
			ID:                "almalinux",
			DisplayName:       "AlmaLinux",
			SupportsCloudInit: true,
			URLTemplate:       "https://repo.almalinux.org/almalinux/%version%/cloud/x86_64/images/AlmaLinux-%version%-GenericCloud-latest.x86_64.qcow2",
		},
		Distribution{
			ID:                "alpine",
			DisplayName:       "Alpine Linux",
			SupportsCloudInit: false,
			URLTemplate:       "https://dl-cdn.alpinelinux.org/alpine/v%version%/releases/cloud/nocloud_alpine-%version%.0-x86_64-bios-tiny-r0.qcow2",
		},
	)
}

// New builds a catalog from the provided distributions. Later duplicates of an
// id replace earlier ones.
func New(distributions ...Distribution) *Catalog {
	entries := make(map[string]Distribution, len(distributions))
	for _, distribution := range distributions {
		entries[distribution.ID] = distribution
	}
	return &Catalog{entries: entries}
}

// Resolve returns the descriptor for the given id or a NotFoundError.
func (c *Catalog) Resolve(id string) (Distribution, error) {
	distribution, ok := c.entries[id]
	if !ok {
		return Distribution{}, &NotFoundError{ID: id}
	}
	return distribution, nil
}

// SupportsCloudInit reports whether the distribution accepts a cloud-init
// payload. Unknown ids report false.
func (c *Catalog) SupportsCloudInit(id string) bool {
	distribution, ok := c.entries[id]
	return ok && distribution.SupportsCloudInit
}

// All returns every distribution ordered by id, for menu rendering.
func (c *Catalog) All() []Distribution {
	all := make([]Distribution, 0, len(c.entries))
	for _, distribution := range c.entries {
		all = append(all, distribution)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// BuildDownloadURL substitutes the version into the distribution's URL
// template. Pure string substitution; the same inputs always yield the same
// URL.
func BuildDownloadURL(distribution Distribution, version string) string {
	return strings.ReplaceAll(distribution.URLTemplate, VersionPlaceholder, version)
}
