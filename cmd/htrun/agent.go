// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vdobler/htrun/agent"
)

var (
	addrFlag        string
	datasourcesFlag string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Serve SQL queries for SQL assertions",
	Long: `Agent starts the SQL query agent. Data sources are given as
'name=type:dsn' entries separated by ';', e.g.

    main=mysql:user:pass@tcp(localhost:3306)/shop`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (default from HTRUN_AGENT_ADDR)")
	agentCmd.Flags().StringVar(&datasourcesFlag, "datasources", "", "data sources (default from HTRUN_DATASOURCES)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	addr := cfg.AgentAddr
	if addrFlag != "" {
		addr = addrFlag
	}
	spec := cfg.DataSources
	if datasourcesFlag != "" {
		spec = datasourcesFlag
	}
	configs, err := agent.ParseDataSources(spec)
	if err != nil {
		return err
	}
	sources, err := agent.OpenAll(configs)
	if err != nil {
		return err
	}
	defer func() {
		for _, ds := range sources {
			if c, ok := ds.Source.(io.Closer); ok {
				c.Close()
			}
		}
	}()

	srv := &agent.Server{
		Sources:      sources,
		QueryTimeout: cfg.RequestTimeout,
		Log:          logger,
		Verbosity:    verbosity,
	}
	server := &http.Server{Addr: addr, Handler: srv.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errc := make(chan error, 1)
	go func() {
		logger.Printf("INFO  agent listening on %s with %d data sources", addr, len(sources))
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdown)
}
