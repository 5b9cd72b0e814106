// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package command assembles the agent CLI.
package command

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldgate/agent/pkg/version"
)

// GlobalParams holds the flags shared by every subcommand.
type GlobalParams struct {
	// SettingsFile is the optional process settings file (-c).
	SettingsFile string
}

// MakeRootCommand builds the agent command tree.
func MakeRootCommand() *cobra.Command {
	params := &GlobalParams{}

	root := &cobra.Command{
		Use:          "fieldgate-agent",
		Short:        "Industrial data-acquisition gateway",
		Long:         "fieldgate-agent acquires data from field devices, normalizes it into device records and fans it out to the configured transports.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&params.SettingsFile, "cfgfile", "c", "", "path to the settings file")

	root.AddCommand(makeRunCommand(params))
	root.AddCommand(makeVersionCommand())
	return root
}

func makeVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "fieldgate-agent %s (commit %s)\n", version.AgentVersion, version.Commit)
			return nil
		},
	}
}
