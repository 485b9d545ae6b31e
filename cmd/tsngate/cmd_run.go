/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/tsngate/internal/logging"
	"github.com/friendsincode/tsngate/internal/scenario"
	"github.com/friendsincode/tsngate/internal/sim"
	"github.com/friendsincode/tsngate/internal/telemetry"
	"github.com/friendsincode/tsngate/internal/version"
)

var (
	runScenario     string
	runUntil        time.Duration
	runJSON         bool
	runLogLevel     string
	runOTLPEndpoint string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scenario as fast as possible and print every state change",
	Long: `Build the network described by a scenario file, run the simulation kernel
to the scenario duration (or --until) and print every oper state change.

Examples:
  # Print changes as "time manager old -> new"
  tsngate run --scenario deploy/scenarios/two_ports.yaml

  # Stop after 250us of virtual time and emit JSON lines
  tsngate run --scenario deploy/scenarios/two_ports.yaml --until 250us --json
`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runScenario, "scenario", "s", "", "Scenario YAML file")
	runCmd.Flags().DurationVar(&runUntil, "until", 0, "Virtual time to run to (default: scenario duration)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print state changes as JSON lines")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "warn", "Log level written to stderr")
	runCmd.Flags().StringVar(&runOTLPEndpoint, "otlp-endpoint", "", "Export a trace of the run to this OTLP endpoint")
	_ = runCmd.MarkFlagRequired("scenario")
	rootCmd.AddCommand(runCmd)
}

type changeLine struct {
	AtNs        int64  `json:"at_ns"`
	LocalTimeNs int64  `json:"local_time_ns"`
	Manager     string `json:"manager"`
	From        string `json:"from"`
	To          string `json:"to"`
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Options{Level: runLogLevel, Output: os.Stderr})

	tp, err := telemetry.InitTracer(cmd.Context(), telemetry.TracerConfig{
		ServiceVersion: version.Version,
		OTLPEndpoint:   runOTLPEndpoint,
		Enabled:        runOTLPEndpoint != "",
		SampleRate:     1,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer shutdownTracer(tp, logger)

	f, err := scenario.Load(runScenario)
	if err != nil {
		return err
	}
	ctx, span := telemetry.StartRun(cmd.Context(), f.Name, runUntil)

	n, err := scenario.Build(f, sim.NewKernel(), logger, scenario.Options{TraceContext: ctx})
	if err != nil {
		telemetry.EndRun(span, 0, 0, 0, err)
		return fmt.Errorf("build scenario: %w", err)
	}

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	var changes int
	n.Watch(func(c scenario.StateChange) {
		changes++
		if runJSON {
			_ = enc.Encode(changeLine{
				AtNs:        c.At.Nanoseconds(),
				LocalTimeNs: c.LocalTime.Nanoseconds(),
				Manager:     c.Manager,
				From:        c.From,
				To:          c.To,
			})
			return
		}
		fmt.Fprintf(out, "%12v %-16s %s -> %s\n", c.At, c.Manager, c.From, c.To)
	})

	end := n.RunUntil(runUntil)
	telemetry.EndRun(span, n.Kernel.Processed(), end, changes, nil)
	if runJSON {
		return nil
	}
	return printSummary(out, n, end, changes)
}

func printSummary(w io.Writer, n *scenario.Network, end time.Duration, changes int) error {
	fmt.Fprintf(w, "\n%s: ran to %v, %d kernel events, %d state changes\n", n.Name, end, n.Kernel.Processed(), changes)
	for _, s := range n.Snapshots() {
		fmt.Fprintf(w, "  %-16s oper=%s enabled=%t pointer=%d config_errors=%d\n",
			s.Name, s.OperState, s.Enabled, s.ListPointer, s.ConfigChangeErrors)
	}
	for _, name := range n.ManagerNames() {
		if g, ok := n.Generator(name); ok {
			fmt.Fprintf(w, "  %-16s sent=%d bytes=%d\n", name, g.Sent(), g.Bytes())
		}
	}
	return nil
}
