/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendsincode/tsngate/internal/version"
)

var versionCheck bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "tsngate %s\n", version.Version)
		if !versionCheck {
			return nil
		}
		info, err := version.NewChecker().Check(cmd.Context())
		if err != nil {
			return fmt.Errorf("check for updates: %w", err)
		}
		if info.UpdateAvailable {
			fmt.Fprintf(out, "update available: %s (%s)\n", info.LatestVersion, info.ReleaseURL)
		} else {
			fmt.Fprintln(out, "up to date")
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionCheck, "check", false, "Check GitHub for a newer release")
	rootCmd.AddCommand(versionCmd)
}
