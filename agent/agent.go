// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package agent provides the SQL query agent: a small JSON-RPC 2.0 server
// which executes batches of queries against configured data sources on
// behalf of the sqlassert bridge.
//
// The agent listens on POST /rpc for the method "sql.query" whose params
// are a list of sqlassert.AgentQuery. The result is a list of row sets, one
// per query in the same order. A single failing query fails the whole
// batch. GET /health reports the configured data sources.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/vdobler/htrun/sqlassert"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeQueryFailed    = -32000
)

// Log is the logging interface of the agent.
type Log interface {
	Printf(format string, a ...interface{})
}

// Server answers query batches.
type Server struct {
	Sources []DataSource

	// QueryTimeout limits the execution time of one batch. Zero means
	// no limit beyond the request context.
	QueryTimeout time.Duration

	Log       Log
	Verbosity int
}

func (s *Server) infof(format string, v ...interface{}) {
	if s.Log != nil && s.Verbosity >= 1 {
		s.Log.Printf("INFO  "+format, v...)
	}
}

func (s *Server) debugf(format string, v ...interface{}) {
	if s.Log != nil && s.Verbosity >= 2 {
		s.Log.Printf("DEBUG "+format, v...)
	}
}

// Handler returns the HTTP handler of s with CORS enabled for all origins.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)
}

// lookup finds the data source by name, or the first source of the given
// type if name is empty.
func (s *Server) lookup(typ, name string) (Source, error) {
	for _, ds := range s.Sources {
		if name != "" {
			if ds.Name == name {
				if ds.Type != typ {
					return nil, fmt.Errorf("data source %s is of type %s, not %s", name, ds.Type, typ)
				}
				return ds.Source, nil
			}
			continue
		}
		if ds.Type == typ {
			return ds.Source, nil
		}
	}
	if name != "" {
		return nil, fmt.Errorf("no data source %q", name)
	}
	return nil, fmt.Errorf("no data source of type %q", typ)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type source struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	status := struct {
		Status  string   `json:"status"`
		Sources []source `json:"sources"`
	}{Status: "ok", Sources: []source{}}
	for _, ds := range s.Sources {
		status.Sources = append(status.Sources, source{Name: ds.Name, Type: ds.Type})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req sqlassert.RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, 0, nil, &sqlassert.RPCError{Code: CodeParseError, Message: err.Error()})
		return
	}
	if req.JSONRPC != "2.0" {
		writeRPC(w, req.ID, nil, &sqlassert.RPCError{Code: CodeInvalidRequest, Message: "jsonrpc must be 2.0"})
		return
	}
	if req.Method != sqlassert.MethodQuery {
		writeRPC(w, req.ID, nil, &sqlassert.RPCError{Code: CodeMethodNotFound,
			Message: fmt.Sprintf("no such method %q", req.Method)})
		return
	}
	var queries []sqlassert.AgentQuery
	if err := json.Unmarshal(req.Params, &queries); err != nil {
		writeRPC(w, req.ID, nil, &sqlassert.RPCError{Code: CodeInvalidParams, Message: err.Error()})
		return
	}

	ctx := r.Context()
	if s.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.QueryTimeout)
		defer cancel()
	}

	s.infof("batch of %d queries from %s", len(queries), r.RemoteAddr)
	sets := make([]sqlassert.RowSet, len(queries))
	for i, q := range queries {
		src, err := s.lookup(q.DataSourceType, q.DataSourceName)
		if err != nil {
			writeRPC(w, req.ID, nil, &sqlassert.RPCError{Code: CodeQueryFailed,
				Message: fmt.Sprintf("query %d: %s", i+1, err)})
			return
		}
		s.debugf("query %d on %s/%s: %s", i+1, q.DataSourceType, q.DataSourceName, q.Query)
		set, err := src.Query(ctx, q.Query)
		if err != nil {
			writeRPC(w, req.ID, nil, &sqlassert.RPCError{Code: CodeQueryFailed,
				Message: fmt.Sprintf("query %d: %s", i+1, err)})
			return
		}
		sets[i] = set
	}
	writeRPC(w, req.ID, sets, nil)
}

func writeRPC(w http.ResponseWriter, id int64, result interface{}, rpcErr *sqlassert.RPCError) {
	resp := sqlassert.RPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &sqlassert.RPCError{Code: CodeQueryFailed, Message: err.Error()}
		} else {
			resp.Result = raw
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
