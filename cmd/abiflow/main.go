package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/dftworks/abiflow/internal/abivars"
	"github.com/dftworks/abiflow/internal/config"
	"github.com/dftworks/abiflow/internal/flow"
	"github.com/dftworks/abiflow/internal/launcher"
	abiLua "github.com/dftworks/abiflow/internal/lua"
	"github.com/dftworks/abiflow/internal/scheduler"
	"github.com/dftworks/abiflow/internal/storage"
	"github.com/dftworks/abiflow/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "abiflow",
		Short: "Ab initio workflow orchestration",
		Long:  "Abiflow builds calculation graphs from Lua flow scripts and drives them through the Abinit solver.",
		RunE:  runTUI,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newDepsCommand())
	rootCmd.AddCommand(newKillCommand())
	rootCmd.AddCommand(newDeleteCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	app := tui.NewApp(store, abivars.DefaultRegistry())
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <script.lua>",
		Short: "Build a flow from a Lua script and run it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scriptPath := args[0]
			noSched, _ := cmd.Flags().GetBool("no-sched")
			name, _ := cmd.Flags().GetString("name")
			workdir, _ := cmd.Flags().GetString("workdir")

			if !abiLua.IsFlowScript(scriptPath) {
				return fmt.Errorf("not a flow script: %s", scriptPath)
			}

			cfg, err := config.New()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if name == "" {
				name = strings.TrimSuffix(filepath.Base(scriptPath), ".lua")
			}
			if workdir == "" {
				workdir = filepath.Join(cfg.FlowsDir(), name)
			}

			rt := abiLua.NewRuntime(workdir, name, abivars.DefaultRegistry())
			f, err := rt.Execute(scriptPath)
			if err != nil {
				return fmt.Errorf("failed to build flow: %w", err)
			}

			id, err := store.CreateFlow(f.Name, f.Workdir)
			if err != nil {
				return err
			}
			if err := store.SaveFlow(id, f.Snapshot()); err != nil {
				return err
			}

			fmt.Printf("Created flow #%d\n", id)
			fmt.Printf("Workdir: %s\n", f.Workdir)

			if noSched {
				fmt.Println("Skipping scheduler (--no-sched)")
				return nil
			}

			return runScheduler(cfg, store, id, f)
		},
	}

	cmd.Flags().Bool("no-sched", false, "Create the flow but don't schedule it")
	cmd.Flags().String("name", "", "Flow name (default: script basename)")
	cmd.Flags().String("workdir", "", "Flow working directory")
	return cmd
}

func runScheduler(cfg *config.Config, store *storage.Storage, id int64, f *flow.Flow) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	l := launcher.New(cfg.AbinitBin, logger)
	s := scheduler.New(f, store, id, l, cfg.PollInterval, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Run(ctx); err != nil {
		return fmt.Errorf("scheduler stopped: %w", err)
	}

	counts := f.TaskCounts()
	fmt.Printf("Flow #%d settled: %d ok, %d failed\n", id, counts[flow.StatusOK], counts[flow.StatusError])
	for _, w := range f.Works() {
		if w.Failed() {
			fmt.Printf("  %s (%s) failed: %s\n", w.ID(), w.Name, w.FailReason())
		}
	}
	return nil
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <flow-id>",
		Short: "Resume an interrupted flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid flow ID: %w", err)
			}

			cfg, err := config.New()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := store.LoadFlow(id)
			if err != nil {
				return fmt.Errorf("failed to load flow: %w", err)
			}
			f, err := flow.Restore(snap, abivars.DefaultRegistry())
			if err != nil {
				return fmt.Errorf("failed to restore flow: %w", err)
			}

			fmt.Printf("Resuming flow #%d (%s)\n", id, f.Name)
			return runScheduler(cfg, store, id, f)
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <flow-id>",
		Short: "Show flow status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid flow ID: %w", err)
			}

			cfg, err := config.New()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := store.LoadFlow(id)
			if err != nil {
				return fmt.Errorf("failed to load flow: %w", err)
			}
			f, err := flow.Restore(snap, abivars.DefaultRegistry())
			if err != nil {
				return fmt.Errorf("failed to restore flow: %w", err)
			}

			fmt.Printf("Flow #%d: %s\n", id, f.Name)
			fmt.Printf("Workdir: %s\n", f.Workdir)
			fmt.Printf("Done: %v\n", f.Done())

			for _, w := range f.Works() {
				line := fmt.Sprintf("%s (%s) [%s]", w.ID(), w.Name, w.Status())
				if w.Dynamic() && len(w.Tasks()) == 0 {
					line += " (awaiting probe)"
				}
				if w.Failed() {
					line += " " + w.FailReason()
				}
				fmt.Println(line)
				for _, t := range w.Tasks() {
					tl := fmt.Sprintf("  %s [%s]", t.ID(), t.Status())
					if t.Retries() > 0 {
						tl += fmt.Sprintf(" retries:%d", t.Retries())
					}
					if t.LastError() != "" {
						tl += " " + t.LastError()
					}
					fmt.Println(tl)
				}
			}
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			flows, err := store.ListFlows(20)
			if err != nil {
				return err
			}

			if len(flows) == 0 {
				fmt.Println("No flows found.")
				return nil
			}

			for _, rec := range flows {
				fmt.Printf("#%d %s %s\n", rec.ID, rec.Name, rec.Workdir)
			}
			return nil
		},
	}
}

func newDepsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deps <flow-id>",
		Short: "Show the flow's dependency graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid flow ID: %w", err)
			}

			cfg, err := config.New()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := store.LoadFlow(id)
			if err != nil {
				return fmt.Errorf("failed to load flow: %w", err)
			}
			f, err := flow.Restore(snap, abivars.DefaultRegistry())
			if err != nil {
				return fmt.Errorf("failed to restore flow: %w", err)
			}

			f.ShowDependencies(os.Stdout)
			return nil
		},
	}
}

func newKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <flow-id>",
		Short: "Kill a flow's running tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid flow ID: %w", err)
			}

			cfg, err := config.New()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := store.LoadFlow(id)
			if err != nil {
				return fmt.Errorf("failed to load flow: %w", err)
			}
			f, err := flow.Restore(snap, abivars.DefaultRegistry())
			if err != nil {
				return fmt.Errorf("failed to restore flow: %w", err)
			}

			killed := 0
			for _, t := range f.AllTasks() {
				if t.Status() == flow.StatusRunning && t.PID != 0 {
					if err := launcher.Kill(t); err != nil {
						return err
					}
					killed++
				}
			}

			fmt.Printf("Killed %d task(s) of flow #%d\n", killed, id)
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <flow-id>",
		Short: "Delete a flow from the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid flow ID: %w", err)
			}

			cfg, err := config.New()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteFlow(id); err != nil {
				return fmt.Errorf("failed to delete flow: %w", err)
			}

			fmt.Printf("Deleted flow #%d\n", id)
			return nil
		},
	}
}
