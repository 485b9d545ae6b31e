/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendsincode/tsngate/internal/scenario"
	"github.com/friendsincode/tsngate/internal/schedule"
)

var (
	validateScenario string
	validatePrint    bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a scenario file without running it",
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().StringVarP(&validateScenario, "scenario", "s", "", "Scenario YAML file")
	validateCmd.Flags().BoolVar(&validatePrint, "print", false, "Print every control list")
	_ = validateCmd.MarkFlagRequired("scenario")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	f, err := scenario.Load(validateScenario)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, p := range f.Ports {
		if p.Schedule == nil {
			continue
		}
		s, warnings, err := p.Schedule.Build()
		if err != nil {
			return fmt.Errorf("port %q: %w", p.Name, err)
		}
		if validatePrint {
			fmt.Fprintf(out, "port %s:\n", p.Name)
			if err := schedule.Export(s).WriteTable(out); err != nil {
				return err
			}
		}
		for _, w := range warnings {
			fmt.Fprintf(out, "warning: port %s: %s\n", p.Name, w)
		}
	}
	for _, g := range f.Generators {
		if g.Schedule == nil {
			continue
		}
		s, warnings, err := g.Schedule.Build()
		if err != nil {
			return fmt.Errorf("generator %q: %w", g.Name, err)
		}
		if validatePrint {
			fmt.Fprintf(out, "generator %s:\n", g.Name)
			if err := schedule.Export(s).WriteTable(out); err != nil {
				return err
			}
		}
		for _, w := range warnings {
			fmt.Fprintf(out, "warning: generator %s: %s\n", g.Name, w)
		}
	}

	fmt.Fprintf(out, "%s: ok (%d ports, %d generators, %d changes)\n",
		f.Name, len(f.Ports), len(f.Generators), len(f.Changes))
	return nil
}
