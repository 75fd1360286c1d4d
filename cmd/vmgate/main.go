package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmgate/vmgate/internal/backend"
	"github.com/vmgate/vmgate/internal/backend/lxd"
	"github.com/vmgate/vmgate/internal/backend/vmadm"
	"github.com/vmgate/vmgate/internal/cloudinit"
	"github.com/vmgate/vmgate/internal/config"
	"github.com/vmgate/vmgate/internal/logging"
	"github.com/vmgate/vmgate/internal/manager"
	"github.com/vmgate/vmgate/internal/netmap"
	"github.com/vmgate/vmgate/internal/vm"
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

type cliState struct {
	logger     *slog.Logger
	levelVar   *slog.LevelVar
	configPath string
	logLevel   string
}

func (s *cliState) manager() (*manager.Manager, func(), error) {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return nil, nil, err
	}

	var b backend.Backend
	cleanup := func() {}
	switch cfg.Backend {
	case config.BackendVmadm:
		b = vmadm.New(vmadm.Config{
			ToolPath: cfg.Vmadm.Path,
			ZonesDir: cfg.Vmadm.ZonesDir,
			Logger:   s.logger,
		})
	case config.BackendLXD:
		nicTags, err := netmap.Build(cfg.NicTags, cfg.DiscoverNicTags)
		if err != nil {
			return nil, nil, err
		}
		lxdBackend := lxd.New(lxd.Config{
			SocketPath: cfg.LXD.Socket,
			NicTags:    nicTags,
			Logger:     s.logger,
		})
		b = lxdBackend
		cleanup = lxdBackend.Close
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	opts := []manager.Option{manager.WithLogger(s.logger)}
	if cfg.DisableCache {
		opts = append(opts, manager.WithoutCache())
	}
	return manager.New(b, opts...), cleanup, nil
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	state := &cliState{
		logger:   logger,
		levelVar: levelVar,
		logLevel: defaultLogLevel,
	}

	root := &cobra.Command{
		Use:           "vmgate",
		Short:         "Manage virtual machines over the local tool or daemon backend",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&state.configPath, "config", "", "Configuration file path")
	root.PersistentFlags().StringVar(&state.logLevel, "log-level", defaultLogLevel, "Set log verbosity (trace, debug, info, warning, error)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(state.logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newListCommand(state),
		newGetCommand(state),
		newCreateCommand(state),
		newUpdateCommand(state),
		newDeleteCommand(state),
		newStartCommand(state),
		newStopCommand(state),
		newRebootCommand(state),
		newEventsCommand(state),
		newSnapshotCommand(state),
		newSeedCommand(state),
	)
	return root
}

func newListCommand(state *cliState) *cobra.Command {
	var (
		fields []string
		hidden bool
	)
	cmd := &cobra.Command{
		Use:   "list [field=value ...]",
		Short: "List machines, optionally filtered on canonical fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			predicates, err := parsePredicates(args)
			if err != nil {
				return err
			}
			mgr, cleanup, err := state.manager()
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := mgr.LookupFields(cmd.Context(), manager.LookupQuery{
				Predicates:    predicates,
				Fields:        fields,
				IncludeHidden: hidden,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().StringSliceVarP(&fields, "output", "o", nil, "Project results to the named fields")
	cmd.Flags().BoolVar(&hidden, "hidden", false, "Include machines marked do-not-inventory")
	return cmd
}

func newGetCommand(state *cliState) *cobra.Command {
	var hidden bool
	cmd := &cobra.Command{
		Use:   "get <uuid>",
		Args:  cobra.ExactArgs(1),
		Short: "Show one machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := state.manager()
			if err != nil {
				return err
			}
			defer cleanup()

			machine, err := mgr.Load(cmd.Context(), args[0], hidden)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), machine)
		},
	}
	cmd.Flags().BoolVar(&hidden, "hidden", false, "Include machines marked do-not-inventory")
	return cmd
}

func newCreateCommand(state *cliState) *cobra.Command {
	var payloadPath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a machine from a JSON descriptor (stdin by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), payloadPath)
			if err != nil {
				return err
			}
			machine := &vm.Machine{}
			if err := json.Unmarshal(payload, machine); err != nil {
				return fmt.Errorf("parse descriptor: %w", err)
			}
			mgr, cleanup, err := state.manager()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := mgr.Create(cmd.Context(), machine); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), machine.UUID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&payloadPath, "file", "f", "", "Read the descriptor from a file instead of stdin")
	return cmd
}

func newUpdateCommand(state *cliState) *cobra.Command {
	var (
		payloadPath string
		hidden      bool
	)
	cmd := &cobra.Command{
		Use:   "update <uuid>",
		Args:  cobra.ExactArgs(1),
		Short: "Replace mutable fields of a machine from a JSON descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), payloadPath)
			if err != nil {
				return err
			}
			machine := &vm.Machine{}
			if err := json.Unmarshal(payload, machine); err != nil {
				return fmt.Errorf("parse descriptor: %w", err)
			}
			machine.UUID = args[0]
			mgr, cleanup, err := state.manager()
			if err != nil {
				return err
			}
			defer cleanup()
			return mgr.Update(cmd.Context(), machine, hidden)
		},
	}
	cmd.Flags().StringVarP(&payloadPath, "file", "f", "", "Read the descriptor from a file instead of stdin")
	cmd.Flags().BoolVar(&hidden, "hidden", false, "Include machines marked do-not-inventory")
	return cmd
}

func newDeleteCommand(state *cliState) *cobra.Command {
	var hidden bool
	cmd := &cobra.Command{
		Use:   "delete <uuid>",
		Args:  cobra.ExactArgs(1),
		Short: "Destroy a machine, stopping it first when running",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := state.manager()
			if err != nil {
				return err
			}
			defer cleanup()
			return mgr.Delete(cmd.Context(), args[0], hidden)
		},
	}
	cmd.Flags().BoolVar(&hidden, "hidden", false, "Include machines marked do-not-inventory")
	return cmd
}

func newStartCommand(state *cliState) *cobra.Command {
	var opts backend.StartOptions
	cmd := &cobra.Command{
		Use:   "start <uuid>",
		Args:  cobra.ExactArgs(1),
		Short: "Boot a stopped machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := state.manager()
			if err != nil {
				return err
			}
			defer cleanup()
			return mgr.Start(cmd.Context(), args[0], opts, false)
		},
	}
	cmd.Flags().StringVar(&opts.Order, "order", "", "Boot device order override")
	cmd.Flags().StringVar(&opts.Once, "once", "", "One-shot boot device order override")
	cmd.Flags().StringSliceVar(&opts.CDROMs, "cdrom", nil, "Attach a cdrom image for this boot")
	cmd.Flags().StringSliceVar(&opts.Disks, "disk", nil, "Attach a disk image for this boot")
	return cmd
}

func newStopCommand(state *cliState) *cobra.Command {
	var (
		force   bool
		timeout int
	)
	cmd := &cobra.Command{
		Use:   "stop <uuid>",
		Args:  cobra.ExactArgs(1),
		Short: "Shut a machine down",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := state.manager()
			if err != nil {
				return err
			}
			defer cleanup()
			opts := backend.StopOptions{Force: force, Timeout: time.Duration(timeout) * time.Second}
			return mgr.Stop(cmd.Context(), args[0], opts, false)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "F", false, "Halt without a graceful shutdown")
	cmd.Flags().IntVarP(&timeout, "timeout", "t", 0, "Seconds to wait for a graceful shutdown")
	return cmd
}

func newRebootCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "reboot <uuid>",
		Args:  cobra.ExactArgs(1),
		Short: "Restart a running machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := state.manager()
			if err != nil {
				return err
			}
			defer cleanup()
			return mgr.Reboot(cmd.Context(), args[0], false)
		},
	}
}

func newEventsCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "events [uuid]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Stream lifecycle events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			uuid := ""
			if len(args) == 1 {
				uuid = args[0]
			}
			mgr, cleanup, err := state.manager()
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			stream, err := mgr.Events(cmd.Context(), uuid, func(event backend.Event) {
				line, err := json.Marshal(map[string]any{
					"type": event.Type,
					"date": event.Date.UTC().Format(time.RFC3339),
					"uuid": event.UUID,
				})
				if err != nil {
					return
				}
				fmt.Fprintln(out, string(line))
			})
			if err != nil {
				return err
			}
			defer stream.Stop()

			select {
			case <-cmd.Context().Done():
				return nil
			case <-stream.Done():
				return stream.Err()
			}
		},
	}
}

func newSnapshotCommand(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage machine snapshots",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <uuid> <name>",
			Args:  cobra.ExactArgs(2),
			Short: "Snapshot a machine",
			RunE: func(cmd *cobra.Command, args []string) error {
				mgr, cleanup, err := state.manager()
				if err != nil {
					return err
				}
				defer cleanup()
				return mgr.CreateSnapshot(cmd.Context(), args[0], args[1], false)
			},
		},
		&cobra.Command{
			Use:   "rollback <uuid> <name>",
			Args:  cobra.ExactArgs(2),
			Short: "Restore a machine to a snapshot",
			RunE: func(cmd *cobra.Command, args []string) error {
				mgr, cleanup, err := state.manager()
				if err != nil {
					return err
				}
				defer cleanup()
				return mgr.RollbackSnapshot(cmd.Context(), args[0], args[1], false)
			},
		},
		&cobra.Command{
			Use:   "delete <uuid> <name>",
			Args:  cobra.ExactArgs(2),
			Short: "Remove a snapshot",
			RunE: func(cmd *cobra.Command, args []string) error {
				mgr, cleanup, err := state.manager()
				if err != nil {
					return err
				}
				defer cleanup()
				return mgr.DeleteSnapshot(cmd.Context(), args[0], args[1], false)
			},
		},
	)
	return cmd
}

func newSeedCommand(state *cliState) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "seed <uuid>",
		Args:  cobra.ExactArgs(1),
		Short: "Build a NoCloud provisioning image for a machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				outPath = args[0] + "-seed.iso"
			}
			mgr, cleanup, err := state.manager()
			if err != nil {
				return err
			}
			defer cleanup()

			machine, err := mgr.Load(cmd.Context(), args[0], false)
			if err != nil {
				return err
			}
			if err := cloudinit.BuildSeed(machine, outPath); err != nil {
				return err
			}
			state.logger.Info("seed image written", "uuid", machine.UUID, "path", outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Seed image path")
	return cmd
}

func parsePredicates(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	predicates := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q, expected field=value", arg)
		}
		predicates[key] = value
	}
	return predicates, nil
}

func readPayload(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
