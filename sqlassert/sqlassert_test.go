// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlassert

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeAgent struct {
	sets []RowSet
	got  []AgentQuery
	err  error
}

func (f *fakeAgent) Query(ctx context.Context, queries []AgentQuery) ([]RowSet, error) {
	f.got = queries
	return f.sets, f.err
}

func TestSubstitute(t *testing.T) {
	vars := map[string]interface{}{
		"id":   42,
		"name": "bob",
		"ids":  []interface{}{1, 2, 3},
		"user": map[string]interface{}{"age": 7},
	}
	for i, tc := range []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM t WHERE id=${id}", "SELECT * FROM t WHERE id=42"},
		{"WHERE name='${name}'", "WHERE name='bob'"},
		{"WHERE id IN (${ids})", "WHERE id IN (1,2,3)"},
		{"WHERE age=${user.age}", "WHERE age=7"},
		{"WHERE n=${id + 1}", "WHERE n=43"},
		{"WHERE x='${nosuchvar}'", "WHERE x=''"},
		{"WHERE x='${)(}'", "WHERE x=''"},
	} {
		got := Substitute(tc.in, vars)
		if got != tc.want {
			t.Errorf("%d. Substitute(%q) = %q, want %q", i, tc.in, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := (QuerySpec{DataSourceType: "mysql", Query: "SELECT 1"}).Validate(); err != nil {
		t.Errorf("unexpected error %s", err)
	}
	err := QuerySpec{Expect: []interface{}{1}}.Validate()
	if err == nil {
		t.Fatalf("missing error")
	}
	for _, want := range []string{"dataSourceType", "query", "fields"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestFromValue(t *testing.T) {
	single := map[string]interface{}{
		"dataSourceType": "mysql",
		"query":          "SELECT 1",
		"expect":         1,
	}
	specs, err := FromValue(single)
	if err != nil || len(specs) != 1 || specs[0].Query != "SELECT 1" {
		t.Fatalf("got %v, %v", specs, err)
	}
	specs, err = FromValue([]interface{}{single, single})
	if err != nil || len(specs) != 2 {
		t.Fatalf("got %v, %v", specs, err)
	}
	if _, err := FromValue("nonsense"); err == nil {
		t.Errorf("missing error for string value")
	}
}

func TestAssert(t *testing.T) {
	row := RowSet{{"name": "alice", "age": "30"}}
	for i, tc := range []struct {
		expect  interface{}
		fields  []string
		sets    []RowSet
		wantErr string
	}{
		{[]interface{}{"alice", 30}, []string{"name", "age"}, []RowSet{row}, ""},
		{[]interface{}{[]interface{}{"alice", "30"}}, []string{"name", "age"}, []RowSet{row}, ""},
		{"alice", []string{"name"}, []RowSet{row}, ""},
		{nil, nil, []RowSet{{}}, ""},
		{[]interface{}{"bob", 30}, []string{"name", "age"}, []RowSet{row}, `expected ["bob",30], got ["alice","30"]`},
		{"alice", []string{"name"}, []RowSet{{}}, "no rows returned"},
		{"x", nil, []RowSet{}, "agent returned 0 results"},
	} {
		agent := &fakeAgent{sets: tc.sets}
		b := &Bridge{Agent: agent}
		q := QuerySpec{DataSourceType: "mysql", Query: "SELECT name, age FROM u WHERE id=${id}",
			Fields: tc.fields, Expect: tc.expect}
		err := b.Assert(context.Background(), []QuerySpec{q}, map[string]interface{}{"id": 9})
		switch {
		case tc.wantErr == "" && err != nil:
			t.Errorf("%d. unexpected error %s", i, err)
		case tc.wantErr != "" && err == nil:
			t.Errorf("%d. missing error", i)
		case tc.wantErr != "" && !strings.Contains(err.Error(), tc.wantErr):
			t.Errorf("%d. got error %q, want %q", i, err, tc.wantErr)
		}
		if len(agent.got) == 1 && agent.got[0].Query != "SELECT name, age FROM u WHERE id=9" {
			t.Errorf("%d. query not substituted: %q", i, agent.got[0].Query)
		}
	}
}

func TestAssertStopsAtFirstMismatch(t *testing.T) {
	agent := &fakeAgent{sets: []RowSet{
		{{"n": 1}},
		{{"n": 2}},
		{{"n": 3}},
	}}
	b := &Bridge{Agent: agent}
	qs := []QuerySpec{
		{DataSourceType: "mysql", Query: "q1", Expect: 1},
		{DataSourceType: "mysql", Query: "q2", Expect: 5},
		{DataSourceType: "mysql", Query: "q3", Expect: 6},
	}
	err := b.Assert(context.Background(), qs, nil)
	m, ok := err.(Mismatch)
	if !ok {
		t.Fatalf("got %T %v, want Mismatch", err, err)
	}
	if m.Index != 1 || m.Query != "q2" {
		t.Errorf("wrong mismatch %+v", m)
	}
}

func TestAssertNoAgent(t *testing.T) {
	b := &Bridge{}
	err := b.Assert(context.Background(), []QuerySpec{{DataSourceType: "mysql", Query: "q"}}, nil)
	if err != ErrNoAgent {
		t.Errorf("got %v", err)
	}
}

func TestRPCClient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := ioutil.ReadAll(r.Body)
		var req RPCRequest
		if err := json.Unmarshal(body, &req); err != nil || req.Method != MethodQuery {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var queries []AgentQuery
		json.Unmarshal(req.Params, &queries)
		sets := make([]RowSet, len(queries))
		for i, q := range queries {
			if q.Query == "fail" {
				json.NewEncoder(w).Encode(RPCResponse{JSONRPC: "2.0", ID: req.ID,
					Error: &RPCError{Code: -32000, Message: "syntax error"}})
				return
			}
			sets[i] = RowSet{{"q": q.Query}}
		}
		result, _ := json.Marshal(sets)
		json.NewEncoder(w).Encode(RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
	}))
	defer ts.Close()

	client := &RPCClient{URL: ts.URL}
	sets, err := client.Query(context.Background(), []AgentQuery{
		{DataSourceType: "mysql", Query: "a"},
		{DataSourceType: "mysql", Query: "b"},
	})
	if err != nil {
		t.Fatalf("unexpected error %s", err)
	}
	if len(sets) != 2 || sets[1][0]["q"] != "b" {
		t.Errorf("got %v", sets)
	}

	_, err = client.Query(context.Background(), []AgentQuery{{DataSourceType: "mysql", Query: "fail"}})
	if err == nil || !strings.Contains(err.Error(), "syntax error") {
		t.Errorf("got %v", err)
	}
}
