package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stencil-vm/stencil/internal/catalog"
	"github.com/stencil-vm/stencil/internal/cloudinit"
	"github.com/stencil-vm/stencil/internal/collect"
	"github.com/stencil-vm/stencil/internal/config"
	"github.com/stencil-vm/stencil/internal/hypervisor"
	"github.com/stencil-vm/stencil/internal/hypervisor/proxmox"
	"github.com/stencil-vm/stencil/internal/logging"
	"github.com/stencil-vm/stencil/internal/provision"
	"github.com/stencil-vm/stencil/internal/registry"
	"github.com/stencil-vm/stencil/internal/template"
)

const defaultLogLevel = "warning"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	logLevel := defaultLogLevel
	configPath := config.DefaultPath()

	root := &cobra.Command{
		Use:           "stencil",
		Short:         "CLI for 'stencil': build and manage cloud-init enabled VM templates",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&configPath, "config", configPath, "Path to the connection config file")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newTemplateCommand(logger, &configPath),
		newCatalogCommand(),
	)
	return root
}

// toolkit bundles the wired components every template subcommand needs.
type toolkit struct {
	cfg       config.Config
	client    hypervisor.Client
	catalog   *catalog.Catalog
	validator *template.Validator
	registry  *registry.Registry
}

func newToolkit(logger *slog.Logger, configPath string) (*toolkit, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	client := proxmox.New(cfg.Endpoint, cfg.TokenID, cfg.TokenSecret, cfg.Node, cfg.InsecureTLS)
	client.Logger = logger.With("component", "proxmox")

	cat := catalog.Default()
	return &toolkit{
		cfg:       cfg,
		client:    client,
		catalog:   cat,
		validator: &template.Validator{Catalog: cat, MinPasswordLength: cfg.MinPasswordLength},
		registry:  &registry.Registry{Client: client, Logger: logger.With("component", "registry")},
	}, nil
}

func (t *toolkit) orchestrator(logger *slog.Logger, seedISO bool) *provision.Orchestrator {
	var sink cloudinit.UploadSink
	if seedISO {
		sink = &cloudinit.SeedISOSink{Client: t.client, Storage: t.cfg.SnippetStorage}
	} else {
		sink = &cloudinit.SnippetSink{Client: t.client, Storage: t.cfg.SnippetStorage}
	}

	return &provision.Orchestrator{
		Client:  t.client,
		Catalog: t.catalog,
		Cache: &provision.ImageCache{
			Dir:    t.cfg.CacheDir,
			Logger: logger.With("component", "image-cache"),
		},
		Compiler:    &cloudinit.Compiler{Sink: sink, Logger: logger.With("component", "cloudinit")},
		Logger:      logger,
		DefaultPool: t.cfg.DefaultPool,
		Bridge:      t.cfg.Bridge,
	}
}

func newTemplateCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Create, inspect and manage VM templates",
	}

	cmd.AddCommand(
		newTemplateCreateCommand(logger, configPath),
		newTemplateListCommand(logger, configPath),
		newTemplateDescribeCommand(logger, configPath),
		newTemplateCloneCommand(logger, configPath),
		newTemplateDeleteCommand(logger, configPath),
		newTemplateExportCommand(logger, configPath),
		newTemplateImportCommand(logger, configPath),
		newTemplateTestCommand(logger, configPath),
	)
	return cmd
}

func newTemplateCreateCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	var (
		specPath    string
		interactive bool
		dryRun      bool
		seedISO     bool
		accessible  bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Build a new template from a specification",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (specPath == "") == !interactive {
				return fmt.Errorf("exactly one of --spec and --interactive is required")
			}

			cmdLogger := logger.With("command", "template.create")

			tk, err := newToolkit(cmdLogger, *configPath)
			if err != nil {
				return err
			}

			var collector collect.Collector
			if interactive {
				collector = &collect.Wizard{Catalog: tk.catalog, Accessible: accessible}
			} else {
				collector = &collect.FileCollector{Path: specPath}
			}

			spec, err := collector.Collect(cmd.Context())
			if err != nil {
				return err
			}
			if err := tk.validator.Validate(spec); err != nil {
				return err
			}

			orchestrator := tk.orchestrator(cmdLogger, seedISO)

			if dryRun {
				for _, step := range orchestrator.PlanPreview(spec) {
					fmt.Fprintln(cmd.OutOrStdout(), step)
				}
				return nil
			}

			cmdLogger.Info("starting provisioning", "template", spec.Name, "distribution", spec.DistributionID, "version", spec.Version)

			result, err := orchestrator.Provision(cmd.Context(), spec)
			if err != nil {
				cmdLogger.Error("provisioning failed", "error", err)
				return err
			}

			cmdLogger.Info("provisioning completed", "vmid", result.VMID, "name", result.Name)
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", result.VMID, result.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&specPath, "spec", "", "Path to a YAML specification file")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "Collect the specification through an interactive wizard")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the provisioning plan without executing it")
	cmd.Flags().BoolVar(&seedISO, "seed-iso", false, "Deliver cloud-init payloads as a seed ISO instead of a snippet")
	cmd.Flags().BoolVar(&accessible, "accessible", false, "Render the wizard in screen-reader friendly mode")

	return cmd
}

func newTemplateListCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List templates on the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			tk, err := newToolkit(logger.With("command", "template.list"), *configPath)
			if err != nil {
				return err
			}

			templates, err := tk.registry.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(templates) == 0 {
				fmt.Fprintln(out, "no templates")
				return nil
			}
			for _, info := range templates {
				fmt.Fprintf(out, "%d\t%s\t%s\n", info.ID, info.Name, info.Status)
			}
			return nil
		},
	}
}

func newTemplateDescribeCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <vmid>",
		Args:  cobra.ExactArgs(1),
		Short: "Show the full property bag of a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVMID(args[0])
			if err != nil {
				return err
			}

			tk, err := newToolkit(logger.With("command", "template.describe"), *configPath)
			if err != nil {
				return err
			}

			properties, err := tk.registry.Describe(cmd.Context(), id)
			if err != nil {
				return err
			}
			for _, property := range properties {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", property.Key, property.Value)
			}
			return nil
		},
	}
}

func newTemplateCloneCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clone <vmid> <name>",
		Args:  cobra.ExactArgs(2),
		Short: "Clone a template into a new template",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVMID(args[0])
			if err != nil {
				return err
			}
			name := strings.TrimSpace(args[1])
			if name == "" {
				return fmt.Errorf("clone name is required")
			}

			tk, err := newToolkit(logger.With("command", "template.clone"), *configPath)
			if err != nil {
				return err
			}

			newID, err := tk.registry.Clone(cmd.Context(), id, name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), newID)
			return nil
		},
	}
}

func newTemplateDeleteCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <vmid>",
		Args:  cobra.ExactArgs(1),
		Short: "Delete a template and its disks",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVMID(args[0])
			if err != nil {
				return err
			}

			tk, err := newToolkit(logger.With("command", "template.delete"), *configPath)
			if err != nil {
				return err
			}

			if err := tk.registry.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted", id)
			return nil
		},
	}
}

func newTemplateExportCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "export <vmid> <file>",
		Args:  cobra.ExactArgs(2),
		Short: "Export a template's configuration to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVMID(args[0])
			if err != nil {
				return err
			}

			tk, err := newToolkit(logger.With("command", "template.export"), *configPath)
			if err != nil {
				return err
			}

			if err := tk.registry.Export(cmd.Context(), id, args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "exported", id, "to", args[1])
			return nil
		},
	}
}

func newTemplateImportCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Args:  cobra.ExactArgs(1),
		Short: "Recreate a VM shell from an exported configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "template.import")

			tk, err := newToolkit(cmdLogger, *configPath)
			if err != nil {
				return err
			}

			result, err := tk.registry.Import(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, result.VMID)
			if len(result.SkippedKeys) > 0 {
				cmdLogger.Warn("disk properties were not restored; reattach disks manually", "skipped", strings.Join(result.SkippedKeys, ","))
			}
			return nil
		},
	}
}

func newTemplateTestCommand(logger *slog.Logger, configPath *string) *cobra.Command {
	var (
		attempts int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "test <vmid>",
		Args:  cobra.ExactArgs(1),
		Short: "Boot a disposable clone of a template and verify the guest agent responds",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVMID(args[0])
			if err != nil {
				return err
			}

			cmdLogger := logger.With("command", "template.test")

			tk, err := newToolkit(cmdLogger, *configPath)
			if err != nil {
				return err
			}

			tester := &provision.Tester{
				Client:   tk.client,
				Logger:   cmdLogger,
				Attempts: attempts,
				Interval: interval,
			}

			report, err := tester.Test(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, check := range report.Checks {
				status := "ok"
				if !check.Passed {
					status = "failed"
				}
				fmt.Fprintf(out, "%s\t%s\t%s\n", check.Name, status, check.Detail)
			}
			if !report.Passed() {
				return fmt.Errorf("self-test failed for template %d", id)
			}
			fmt.Fprintln(out, "self-test passed")
			return nil
		},
	}

	cmd.Flags().IntVar(&attempts, "attempts", provision.DefaultTestAttempts, "Number of guest agent poll attempts")
	cmd.Flags().DurationVar(&interval, "interval", provision.DefaultTestInterval, "Delay between guest agent polls")

	return cmd
}

func newCatalogCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the supported distributions",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, distribution := range catalog.Default().All() {
				note := ""
				if !distribution.SupportsCloudInit {
					note = "(no cloud-init)"
				}
				fmt.Fprintf(out, "%s\t%s\t%s\n", distribution.ID, distribution.DisplayName, note)
			}
			return nil
		},
	}
}

func parseVMID(raw string) (hypervisor.VMID, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid vmid %q", raw)
	}
	return hypervisor.VMID(n), nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
