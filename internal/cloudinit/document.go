// Package cloudinit compiles a specification's first-boot strategy into a
// single payload reference the orchestrator can hand to the hypervisor.
package cloudinit

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Marker is the first line every compiled document starts with.
const Marker = "#cloud-config"

// AgentPackage is always installed so the hypervisor can reach the guest
// agent after first boot.
const AgentPackage = "qemu-guest-agent"

// Document is the normalized first-boot document produced for the guided
// strategy.
type Document struct {
	PackageUpdate bool     `yaml:"package_update"`
	Packages      []string `yaml:"packages"`
	RunCmd        []string `yaml:"runcmd"`
}

// Marshal renders the document as a cloud-config YAML payload. The output is
// deterministic for equal inputs.
func (d Document) Marshal() ([]byte, error) {
	body, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal cloud-config: %w", err)
	}
	return append([]byte(Marker+"\n"), body...), nil
}

// packageCategories maps a selection key to the concrete packages it pulls in.
var packageCategories = map[string][]string{
	"base-utils": {"curl", "wget", "vim", "htop", "unzip"},
	"monitoring": {"prometheus-node-exporter", "sysstat"},
	"containers": {"podman", "buildah"},
	"hardening":  {"fail2ban", "unattended-upgrades"},
}

// PackageCategories returns the selectable category keys, ordered for menus.
func PackageCategories() []string {
	keys := make([]string, 0, len(packageCategories))
	for key := range packageCategories {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// expandPackages resolves category keys and extras into a concrete package
// list. The agent package always comes first; unknown categories are skipped,
// duplicates removed, order otherwise preserved.
func expandPackages(categories, extras []string) []string {
	packages := []string{AgentPackage}
	seen := map[string]bool{AgentPackage: true}

	appendPackage := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		packages = append(packages, name)
	}

	for _, category := range categories {
		for _, name := range packageCategories[category] {
			appendPackage(name)
		}
	}
	for _, name := range extras {
		appendPackage(strings.TrimSpace(name))
	}
	return packages
}

// scriptTemplates are the named first-boot scripts selectable in guided mode.
var scriptTemplates = map[string][]string{
	"agent-only": {
		"systemctl enable --now qemu-guest-agent",
	},
	"docker-host": {
		"systemctl enable --now qemu-guest-agent",
		"curl -fsSL https://get.docker.com | sh",
		"systemctl enable --now docker",
	},
	"security-baseline": {
		"systemctl enable --now qemu-guest-agent",
		"sed -i 's/^#\\?PasswordAuthentication.*/PasswordAuthentication no/' /etc/ssh/sshd_config",
		"systemctl restart sshd",
		"systemctl enable --now fail2ban",
	},
}

// ScriptTemplates returns the selectable script template ids, ordered.
func ScriptTemplates() []string {
	keys := make([]string, 0, len(scriptTemplates))
	for key := range scriptTemplates {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// UnknownScriptError reports a script template id that does not exist.
type UnknownScriptError struct {
	ID string
}

func (e *UnknownScriptError) Error() string {
	return fmt.Sprintf("unknown first-boot script template %q", e.ID)
}

// resolveScript turns a script selection into the ordered runcmd lines. With
// no selection the baseline agent enablement still runs.
func resolveScript(templateID, raw string) ([]string, error) {
	switch {
	case templateID != "":
		lines, ok := scriptTemplates[templateID]
		if !ok {
			return nil, &UnknownScriptError{ID: templateID}
		}
		return append([]string(nil), lines...), nil
	case raw != "":
		lines := []string{"systemctl enable --now qemu-guest-agent"}
		for _, line := range strings.Split(raw, "\n") {
			if line = strings.TrimRight(line, "\r"); strings.TrimSpace(line) != "" {
				lines = append(lines, line)
			}
		}
		return lines, nil
	default:
		return append([]string(nil), scriptTemplates["agent-only"]...), nil
	}
}
