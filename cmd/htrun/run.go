// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vdobler/htrun/collection"
	"github.com/vdobler/htrun/dispatch"
	"github.com/vdobler/htrun/errorlist"
	"github.com/vdobler/htrun/model"
	"github.com/vdobler/htrun/request"
	"github.com/vdobler/htrun/sandbox"
	"github.com/vdobler/htrun/sqlassert"
	"github.com/vdobler/htrun/store"
	"github.com/vdobler/htrun/wsclient"
)

var (
	collectionFlag string
	caseFlags      []string
	stopFailFlag   bool
	delayFlag      time.Duration
	jsonFlag       string
	xlsxFlag       string
	slowFlag       time.Duration
	curlFlag       bool
	outDirFlag     string
)

var runCmd = &cobra.Command{
	Use:   "run <project>",
	Short: "Run the cases of one collection",
	Long: `Run loads the project file, selects a collection and runs its cases.
Interrupting the run cancels all outstanding requests; the results
collected so far are still reported.

The exit code is 0 if all cases passed, 1 if some failed and 3 if the
run was cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&collectionFlag, "collection", "c", "", "id of the collection to run (default: first)")
	runCmd.Flags().StringArrayVar(&caseFlags, "case", nil, "run only this case, repeatable")
	runCmd.Flags().BoolVar(&stopFailFlag, "stop-fail", false, "stop after the first failing case")
	runCmd.Flags().DurationVar(&delayFlag, "delay", 0, "delay between synchronous cases")
	runCmd.Flags().StringVar(&jsonFlag, "json", "", "write the report as JSON to this file")
	runCmd.Flags().StringVar(&xlsxFlag, "xlsx", "", "write the report as spreadsheet to this file")
	runCmd.Flags().DurationVar(&slowFlag, "slow", store.DefaultSlow, "mark cases slower than this in the spreadsheet")
	runCmd.Flags().StringVar(&outDirFlag, "out-dir", "", "write JSON and spreadsheet reports with default names to this directory")
	runCmd.Flags().BoolVar(&curlFlag, "curl", false, "print the equivalent curl command of each sent request")
}

func runRun(cmd *cobra.Command, args []string) error {
	project, err := store.Load(args[0])
	if err != nil {
		return err
	}
	coll, err := project.Collection(collectionFlag)
	if err != nil {
		return err
	}
	cases, err := coll.Select(caseFlags)
	if err != nil {
		return err
	}

	settings := coll.Settings
	if cmd.Flags().Changed("stop-fail") {
		settings.StopFail = stopFailFlag
	}
	if cmd.Flags().Changed("delay") {
		settings.Delay = delayFlag
	}

	runner := &collection.Runner{
		Dispatcher:   newDispatcher(project),
		Environments: project.Environments,
		Settings:     settings,
		Log:          logger,
		Verbosity:    verbosity,
	}
	defer runner.Dispatcher.WS.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	report := runner.Run(ctx, coll.ID, cases)

	store.PrintText(os.Stdout, report)
	if curlFlag {
		printCurl(report)
	}
	if err := writeReports(coll, report); err != nil {
		return err
	}

	switch {
	case report.Cancelled:
		exitCode = 3
	case report.Failed > 0:
		exitCode = 1
	}
	return nil
}

func newDispatcher(project *store.Project) *dispatch.Dispatcher {
	client := dispatch.NewClient(cfg.FollowRedirects, cfg.InsecureTLS)

	agentURL := cfg.AgentURL
	if agentURL == "" {
		agentURL = project.Agent
	}
	var bridge *sqlassert.Bridge
	if agentURL != "" {
		bridge = &sqlassert.Bridge{
			Agent:     &sqlassert.RPCClient{URL: agentURL},
			Log:       logger,
			Verbosity: verbosity,
		}
	}

	pool := wsclient.NewPool(cfg.InsecureTLS)
	pool.Log, pool.Verbosity = logger, verbosity

	return &dispatch.Dispatcher{
		Client: client,
		WS:     pool,
		Sandbox: &sandbox.Sandbox{
			Timeout:   cfg.ScriptTimeout,
			Bridge:    bridge,
			Client:    client,
			Log:       logger,
			Verbosity: verbosity,
		},
		SettleDelay: cfg.WSSettle,
		Timeout:     cfg.RequestTimeout,
		Log:         logger,
		Verbosity:   verbosity,
	}
}

func printCurl(report *model.Report) {
	for _, tr := range report.Results {
		desc, ok := tr.Params.(*request.Descriptor)
		if !ok || desc.WS {
			continue
		}
		fmt.Printf("# %s\n%s\n", tr.ID, dispatch.CurlCommand(desc, cfg.InsecureTLS))
	}
}

func writeReports(coll *store.Collection, report *model.Report) error {
	var el errorlist.List
	if outDirFlag != "" {
		name := coll.Name
		if name == "" {
			name = coll.ID
		}
		el = el.Append(store.SaveJSON(filepath.Join(outDirFlag, store.ReportFilename(name, report.ID, "json")), report))
		el = el.Append(store.SaveExcel(filepath.Join(outDirFlag, store.ReportFilename(name, report.ID, "xlsx")), report, slowFlag))
	}
	if jsonFlag != "" {
		el = el.Append(store.SaveJSON(jsonFlag, report))
	}
	if xlsxFlag != "" {
		el = el.Append(store.SaveExcel(xlsxFlag, report, slowFlag))
	}
	return el.AsError()
}
