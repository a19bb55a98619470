package collect

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/stencil-vm/stencil/internal/catalog"
	"github.com/stencil-vm/stencil/internal/cloudinit"
	"github.com/stencil-vm/stencil/internal/template"
)

var _ Collector = (*Wizard)(nil)

// Wizard collects a specification interactively. Inline validators catch the
// obvious mistakes early; the full rule set still runs in the validator
// afterwards.
type Wizard struct {
	Catalog *catalog.Catalog

	// Accessible switches huh into screen-reader friendly rendering.
	Accessible bool
}

// Collect runs the interactive forms and assembles the specification.
func (w *Wizard) Collect(ctx context.Context) (template.Spec, error) {
	spec := template.Spec{}

	if err := w.runIdentityGroup(ctx, &spec); err != nil {
		return template.Spec{}, fmt.Errorf("template identity: %w", err)
	}
	if err := w.runHardwareGroup(ctx, &spec); err != nil {
		return template.Spec{}, fmt.Errorf("hardware sizing: %w", err)
	}
	if err := w.runCloudInitGroup(ctx, &spec); err != nil {
		return template.Spec{}, fmt.Errorf("cloud-init: %w", err)
	}

	return spec, nil
}

func (w *Wizard) runIdentityGroup(ctx context.Context, spec *template.Spec) error {
	distributions := w.Catalog.All()
	options := make([]huh.Option[string], 0, len(distributions))
	for _, distribution := range distributions {
		label := distribution.DisplayName
		if !distribution.SupportsCloudInit {
			label += " (no cloud-init)"
		}
		options = append(options, huh.NewOption(label, distribution.ID))
	}

	var tags string
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Template Name").
				Description("Letters, digits, underscores and hyphens").
				Placeholder("ubuntu-2204-base").
				Value(&spec.Name),
			huh.NewSelect[string]().
				Title("Distribution").
				Options(options...).
				Value(&spec.DistributionID),
			huh.NewInput().
				Title("Version").
				Description("Distribution release, e.g. 22.04 or 12").
				Value(&spec.Version),
			huh.NewInput().
				Title("Tags (optional)").
				Description("Comma-separated").
				Value(&tags),
		).Title("Template Identity"),
	).WithAccessible(w.Accessible).RunWithContext(ctx)
	if err != nil {
		return err
	}

	spec.Tags = splitList(tags)
	return nil
}

func (w *Wizard) runHardwareGroup(ctx context.Context, spec *template.Spec) error {
	cores := strconv.Itoa(template.MinCPUCores)
	memory := "2048"
	disk := strconv.Itoa(template.MinDiskGB)

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("CPU Cores").
				Validate(intInRange(template.MinCPUCores, template.MaxCPUCores)).
				Value(&cores),
			huh.NewInput().
				Title("Memory (MB)").
				Validate(intInRange(template.MinMemoryMB, template.MaxMemoryMB)).
				Value(&memory),
			huh.NewInput().
				Title("Disk (GB)").
				Validate(intInRange(template.MinDiskGB, template.MaxDiskGB)).
				Value(&disk),
		).Title("Hardware"),
	).WithAccessible(w.Accessible).RunWithContext(ctx)
	if err != nil {
		return err
	}

	spec.CPUCores, _ = strconv.Atoi(cores)
	spec.MemoryMB, _ = strconv.Atoi(memory)
	spec.DiskGB, _ = strconv.Atoi(disk)
	return nil
}

func (w *Wizard) runCloudInitGroup(ctx context.Context, spec *template.Spec) error {
	mode := string(template.CloudInitDisabled)
	modeOptions := []huh.Option[string]{
		huh.NewOption("Disabled", string(template.CloudInitDisabled)),
		huh.NewOption("Guided (user, network, packages)", string(template.CloudInitGuided)),
		huh.NewOption("Existing snippet file", string(template.CloudInitExternalFile)),
		huh.NewOption("Paste raw payload", string(template.CloudInitInline)),
	}
	if !w.Catalog.SupportsCloudInit(spec.DistributionID) {
		modeOptions = modeOptions[:1]
	}

	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("First-Boot Configuration").
				Options(modeOptions...).
				Value(&mode),
		).Title("Cloud-Init"),
	).WithAccessible(w.Accessible).RunWithContext(ctx)
	if err != nil {
		return err
	}

	spec.CloudInit.Mode = template.CloudInitMode(mode)
	switch spec.CloudInit.Mode {
	case template.CloudInitGuided:
		return w.runGuidedGroup(ctx, spec)
	case template.CloudInitExternalFile:
		return w.runExternalGroup(ctx, spec)
	case template.CloudInitInline:
		return w.runInlineGroup(ctx, spec)
	default:
		return nil
	}
}

func (w *Wizard) runGuidedGroup(ctx context.Context, spec *template.Spec) error {
	guided := &template.GuidedCloudInit{}
	networkMode := string(template.NetworkDHCP)
	var scriptChoice, rawScript string

	categoryOptions := make([]huh.Option[string], 0)
	for _, key := range cloudinit.PackageCategories() {
		categoryOptions = append(categoryOptions, huh.NewOption(key, key))
	}
	scriptOptions := []huh.Option[string]{huh.NewOption("none", "")}
	for _, id := range cloudinit.ScriptTemplates() {
		scriptOptions = append(scriptOptions, huh.NewOption(id, id))
	}
	scriptOptions = append(scriptOptions, huh.NewOption("custom (enter below)", "custom"))

	var extraPackages string
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Username").
				Description("Lowercase, starting with a letter").
				Value(&guided.Username),
			huh.NewInput().
				Title("SSH Public Key (optional)").
				Value(&guided.SSHPublicKey),
			huh.NewInput().
				Title("Password (optional)").
				EchoMode(huh.EchoModePassword).
				Value(&guided.Password),
		).Title("First User"),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Network Mode").
				Options(
					huh.NewOption("DHCP", string(template.NetworkDHCP)),
					huh.NewOption("Static", string(template.NetworkStatic)),
				).
				Value(&networkMode),
		).Title("Network"),
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Package Categories").
				Options(categoryOptions...).
				Value(&guided.PackageCategories),
			huh.NewInput().
				Title("Extra Packages (optional)").
				Description("Comma-separated").
				Value(&extraPackages),
			huh.NewSelect[string]().
				Title("First-Boot Script").
				Options(scriptOptions...).
				Value(&scriptChoice),
		).Title("Packages & Script"),
	).WithAccessible(w.Accessible).RunWithContext(ctx)
	if err != nil {
		return err
	}

	guided.ExtraPackages = splitList(extraPackages)
	guided.Network.Mode = template.NetworkMode(networkMode)

	if guided.Network.Mode == template.NetworkStatic {
		static := &template.StaticNetwork{}
		var nameservers string
		err := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Address (CIDR)").
					Placeholder("10.0.0.5/24").
					Value(&static.AddressCIDR),
				huh.NewInput().
					Title("Gateway").
					Value(&static.Gateway),
				huh.NewInput().
					Title("Nameservers (optional)").
					Description("Comma-separated").
					Value(&nameservers),
			).Title("Static Addressing"),
		).WithAccessible(w.Accessible).RunWithContext(ctx)
		if err != nil {
			return err
		}
		static.Nameservers = splitList(nameservers)
		guided.Network.Static = static
	}

	switch scriptChoice {
	case "":
	case "custom":
		err := huh.NewForm(
			huh.NewGroup(
				huh.NewText().
					Title("First-Boot Commands").
					Description("One shell command per line").
					Value(&rawScript),
			),
		).WithAccessible(w.Accessible).RunWithContext(ctx)
		if err != nil {
			return err
		}
		guided.FirstBootScript = &template.FirstBootScript{Raw: rawScript}
	default:
		guided.FirstBootScript = &template.FirstBootScript{TemplateID: scriptChoice}
	}

	spec.CloudInit.Guided = guided
	return nil
}

func (w *Wizard) runExternalGroup(ctx context.Context, spec *template.Spec) error {
	external := &template.ExternalPayload{}
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Storage Pool").
				Placeholder("local").
				Value(&external.Storage),
			huh.NewInput().
				Title("Snippet Path").
				Description("Rooted at snippets/, e.g. snippets/base.yaml").
				Placeholder("snippets/base.yaml").
				Value(&external.Path),
		).Title("Existing Payload"),
	).WithAccessible(w.Accessible).RunWithContext(ctx)
	if err != nil {
		return err
	}
	spec.CloudInit.External = external
	return nil
}

func (w *Wizard) runInlineGroup(ctx context.Context, spec *template.Spec) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewText().
				Title("Cloud-Init Payload").
				Description("Pasted verbatim, starting with #cloud-config").
				Value(&spec.CloudInit.Inline),
		).Title("Inline Payload"),
	).WithAccessible(w.Accessible).RunWithContext(ctx)
}

func intInRange(min, max int) func(string) error {
	return func(raw string) error {
		value, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("enter a number")
		}
		if value < min || value > max {
			return fmt.Errorf("must be between %d and %d", min, max)
		}
		return nil
	}
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}
