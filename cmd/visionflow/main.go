// VisionFlow - pipeline graph execution engine for real-time edge
// computer vision workloads.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/visionflow/visionflow/pkg/config"

	// Built-in node types register themselves.
	_ "github.com/visionflow/visionflow/pkg/nodes"
	_ "github.com/visionflow/visionflow/pkg/sinks"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "visionflow",
	Short: "Run computer vision pipelines on edge hardware",
	Long: `VisionFlow executes dataflow graphs of vision processing nodes
under a frame-rate deadline, trading accuracy for throughput when the
hardware cannot keep up.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("visionflow %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the effective configuration for a command.
func loadConfig() (*config.Config, error) {
	mgr := config.NewManager()
	if err := mgr.Load(); err != nil {
		return nil, err
	}
	// An explicit --config file wins over the standard paths.
	if configPath != "" {
		if err := mgr.LoadFile(configPath); err != nil {
			return nil, err
		}
	}
	return mgr.Get(), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
