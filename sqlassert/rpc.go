// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlassert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"sync/atomic"
	"time"
)

// AgentQuery is one query as sent to the query agent.
type AgentQuery struct {
	DataSourceType string   `json:"dataSourceType"`
	DataSourceName string   `json:"dataSourceName,omitempty"`
	Fields         []string `json:"fields,omitempty"`
	Query          string   `json:"query"`
}

// RowSet is the result of one query: a list of field/value maps.
type RowSet []map[string]interface{}

// Agent executes a batch of queries. The returned row sets are index
// aligned with the queries.
type Agent interface {
	Query(ctx context.Context, queries []AgentQuery) ([]RowSet, error)
}

// MethodQuery is the JSON-RPC method name of the batch query call.
const MethodQuery = "sql.query"

// RPCRequest is a JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPCClient is an Agent reached via JSON-RPC over HTTP.
type RPCClient struct {
	// URL of the agent's RPC endpoint, e.g. http://localhost:9527/rpc.
	URL string

	// Client to use; nil means a client with a 30 second timeout.
	Client *http.Client

	nextID int64
}

var defaultRPCClient = &http.Client{Timeout: 30 * time.Second}

// Query implements Agent.
func (c *RPCClient) Query(ctx context.Context, queries []AgentQuery) ([]RowSet, error) {
	params, err := json.Marshal(queries)
	if err != nil {
		return nil, err
	}
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddInt64(&c.nextID, 1),
		Method:  MethodQuery,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	hreq, err := http.NewRequest(http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq = hreq.WithContext(ctx)
	hreq.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = defaultRPCClient
	}
	resp, err := client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("sqlassert: agent unreachable: %s", err)
	}
	defer resp.Body.Close()
	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sqlassert: agent returned %s", resp.Status)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("sqlassert: malformed agent response: %s", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	var sets []RowSet
	if err := json.Unmarshal(rpcResp.Result, &sets); err != nil {
		return nil, fmt.Errorf("sqlassert: malformed agent result: %s", err)
	}
	return sets, nil
}
