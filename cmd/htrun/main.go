// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Htrun executes collections of HTTP and WebSocket test cases.
//
// Usage:
//     htrun run <project> [--collection id] [--case id ...] [--stop-fail]
//         [--delay d] [--json file] [--xlsx file] [--curl]
//     htrun agent [--addr :9527] [--datasources 'name=type:dsn;...']
//
// Settings not given as flags are read from the environment and an
// optional .env file, see package config.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/vdobler/htrun/config"
)

var (
	cfg       *config.Config
	logger    = log.New(os.Stderr, "", log.LstdFlags)
	verbosity int
	exitCode  int
)

var rootCmd = &cobra.Command{
	Use:           "htrun",
	Short:         "Run HTTP and WebSocket test collections",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("bad configuration: %s", err)
		}
		if !cmd.Flags().Changed("verbosity") {
			verbosity = cfg.Verbosity
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&verbosity, "verbosity", "v", 1,
		"log verbosity: 0 errors only, 1 info, 2 debug, 3 trace")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(agentCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "htrun:", err)
		os.Exit(2)
	}
	os.Exit(exitCode)
}
