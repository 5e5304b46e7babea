package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/visionflow/visionflow/pkg/export"
	"github.com/visionflow/visionflow/pkg/graph"
	"github.com/visionflow/visionflow/pkg/lifecycle"
	"github.com/visionflow/visionflow/pkg/node"
	"github.com/visionflow/visionflow/pkg/pipeline"
	"github.com/visionflow/visionflow/pkg/replay"
	"github.com/visionflow/visionflow/pkg/sinks"
	"github.com/visionflow/visionflow/pkg/state"
)

var (
	runServe     bool
	runWatch     bool
	runSynthetic bool
	runStatePath string

	replayDB     string
	replayURL    string
	replaySpeed  float64
	replayLimit  int
	replayPaced  bool

	reportDB      string
	reportOut     string
	reportMaxRows int

	runsStatePath string
	runsLimit     int
)

var runCmd = &cobra.Command{
	Use:   "run <descriptor>",
	Short: "Run a pipeline graph",
	Long: `Run loads a graph descriptor (YAML or JSON), validates it, and
executes frame cycles until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		runner, err := pipeline.NewRunner(cfg, pipeline.Options{
			DescriptorPath:     args[0],
			Serve:              runServe,
			Watch:              runWatch,
			SyntheticTelemetry: runSynthetic,
			StatePath:          runStatePath,
		})
		if err != nil {
			return err
		}
		return lifecycle.Run(runner.Run)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <descriptor>",
	Short: "Validate a pipeline graph without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, err := graph.LoadFile(args[0])
		if err != nil {
			return err
		}
		plan, err := graph.Validate(desc, node.Default())
		if err != nil {
			return err
		}
		fmt.Printf("%s: valid (%d nodes, %d edges)\n", plan.Name, len(plan.Nodes), len(plan.Edges))
		fmt.Print("execution order:")
		for _, id := range plan.Order {
			fmt.Printf(" %s", id)
		}
		fmt.Println()
		return nil
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List registered node types",
	Run: func(cmd *cobra.Command, args []string) {
		reg := node.Default()
		for _, typ := range reg.Types() {
			caps, _ := reg.Caps(typ)
			role := "transform"
			switch {
			case caps.Source:
				role = "source"
			case caps.Sink:
				role = "sink"
			}
			fmt.Printf("%-20s %-9s %s lane, %d in, %d out\n",
				typ, role, caps.Lane, len(caps.Inputs), len(caps.Outputs))
		}
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay stored events to an HTTP endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := sinks.OpenEventStore(replayDB)
		if err != nil {
			return err
		}
		defer store.Close()

		framePeriod := time.Duration(0)
		if replayPaced {
			framePeriod = cfg.Engine.FramePeriod
		}
		res, err := replay.Run(cmd.Context(), store, replay.Options{
			URL:         replayURL,
			FramePeriod: framePeriod,
			Speed:       replaySpeed,
			Limit:       replayLimit,
			Progress:    true,
		})
		if err != nil {
			return err
		}
		fmt.Printf("replayed %d events in %s (%d failed)\n",
			res.Delivered, res.Elapsed.Round(time.Millisecond), res.Failed)
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Build an xlsx report from stored events",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sinks.OpenEventStore(reportDB)
		if err != nil {
			return err
		}
		defer store.Close()

		rep, err := export.WriteWorkbook(cmd.Context(), store, reportOut, reportMaxRows)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %s (%d events)\n", reportOut, rep.TotalEvents)
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := state.Open(runsStatePath)
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.ListRuns(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		for _, r := range runs {
			dur := "-"
			if r.EndedAt != nil {
				dur = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
			}
			fmt.Printf("%s  %-10s %-24s cycles=%d drops=%d %s\n",
				r.StartedAt.Format("2006-01-02 15:04:05"), r.Status, r.Pipeline, r.Cycles, r.DropTotal, dur)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runServe, "serve", false, "start the HTTP control surface")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "hot-reload the descriptor on changes")
	runCmd.Flags().BoolVar(&runSynthetic, "synthetic-telemetry", false, "skip sysfs telemetry (no thermal throttling)")
	runCmd.Flags().StringVar(&runStatePath, "state", "", "run record database path")

	replayCmd.Flags().StringVar(&replayDB, "db", "events.duckdb", "events database path")
	replayCmd.Flags().StringVar(&replayURL, "url", "", "endpoint receiving replayed events")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1.0, "pacing multiplier")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 0, "max events to replay (0 = all)")
	replayCmd.Flags().BoolVar(&replayPaced, "paced", true, "reconstruct original frame pacing")
	replayCmd.MarkFlagRequired("url")

	reportCmd.Flags().StringVar(&reportDB, "db", "events.duckdb", "events database path")
	reportCmd.Flags().StringVar(&reportOut, "out", "events.xlsx", "output workbook path")
	reportCmd.Flags().IntVar(&reportMaxRows, "max-rows", 10000, "row cap for the Events sheet")

	runsCmd.Flags().StringVar(&runsStatePath, "state", "runs.duckdb", "run record database path")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "max runs to list")
}
