// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package main is the fieldgate agent executable.
package main

import (
	"os"

	"github.com/fieldgate/agent/cmd/agent/command"
)

func main() {
	if err := command.MakeRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
