package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gogpu/rtas"
)

// app carries state shared by all subcommands.
type app struct {
	cfgFile string
	cfg     *Config
	log     *slog.Logger
}

// newRootCommand builds the asbench command tree.
func newRootCommand() *cobra.Command {
	a := &app{}
	defaults := DefaultConfig()

	root := &cobra.Command{
		Use:   "asbench",
		Short: "Benchmark acceleration structure builds",
		Long: `asbench builds synthetic ray-tracing scenes on the software reference
device and reports structure sizes, batching, compaction and timings.

Configuration is read from ./asbench.yaml (or --config), ASBENCH_*
environment variables (for example ASBENCH_SCENE_MESHES) and flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(a.cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			level, _ := cfg.LogLevel()
			a.cfg = cfg
			a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			rtas.SetLogger(a.log)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is ./asbench.yaml)")
	pf.String("log-level", defaults.Log.Level, "log level: debug, info, warn or error")
	pf.Uint64("budget", defaults.Device.DeviceLocalBudget, "device-local memory budget in bytes (0 = unlimited)")
	pf.Float64("compaction-ratio", defaults.Device.CompactionRatio, "compacted size as a fraction of the queried size")
	pf.Bool("deferred", defaults.Device.Deferred, "complete submissions only when waited on")
	pf.Uint64("batch-threshold", defaults.Build.BatchThreshold, "bytes of queried structure size per bottom-level batch")
	pf.Bool("compact", defaults.Build.Compact, "compact bottom-level structures after building")
	pf.Bool("fast-build", defaults.Build.FastBuild, "prefer build speed over trace speed")
	pf.Duration("fence-timeout", defaults.Build.FenceTimeout, "bound on blocking fence waits")
	pf.Int("meshes", defaults.Scene.Meshes, "number of meshes (one bottom-level structure each)")
	pf.Int("triangles", defaults.Scene.Triangles, "triangles per mesh")

	root.AddCommand(newBottomLevelCommand(a), newTopLevelCommand(a))
	return root
}

func newBottomLevelCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "blas",
		Short: "Build bottom-level structures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := runBottomLevel(a.cfg, a.log)
			if err != nil {
				return err
			}
			writeStructures(cmd.OutOrStdout(), r)
			writeSummary(cmd.OutOrStdout(), r)
			return nil
		},
	}
}

func newTopLevelCommand(a *app) *cobra.Command {
	defaults := DefaultConfig()
	cmd := &cobra.Command{
		Use:   "tlas",
		Short: "Build a full scene and update its instance transforms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := runTopLevel(a.cfg, a.log)
			if err != nil {
				return err
			}
			writeSummary(cmd.OutOrStdout(), r)
			return nil
		},
	}
	cmd.Flags().Int("instances", defaults.Scene.Instances, "number of instances")
	cmd.Flags().Int("updates", defaults.Scene.Updates, "number of transform updates after the build")
	return cmd
}
