// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlassert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/vdobler/htrun/errorlist"
	"github.com/vdobler/htrun/resolver"
)

// ErrNoAgent is returned if SQL assertions are requested but no agent is
// configured.
var ErrNoAgent = errors.New("sqlassert: no query agent configured")

// Mismatch is the error returned if a query result differs from its
// expectation.
type Mismatch struct {
	Index    int
	Query    string
	Expected interface{}
	Actual   interface{}
	Reason   string
}

func (m Mismatch) Error() string {
	if m.Reason != "" {
		return fmt.Sprintf("sql assertion %d failed: %s (query: %s)",
			m.Index+1, m.Reason, m.Query)
	}
	return fmt.Sprintf("sql assertion %d failed: expected %s, got %s (query: %s)",
		m.Index+1, jsonString(m.Expected), jsonString(m.Actual), m.Query)
}

func jsonString(v interface{}) string {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(buf)
}

// Log is the logging interface used by a Bridge.
type Log interface {
	Printf(format string, a ...interface{})
}

// Bridge evaluates SQL assertions through an Agent.
type Bridge struct {
	Agent     Agent
	Log       Log
	Verbosity int
}

func (b *Bridge) debugf(format string, v ...interface{}) {
	if b.Log != nil && b.Verbosity >= 2 {
		b.Log.Printf("DEBUG "+format, v...)
	}
}

// Assert runs all queries as one batch and compares the results against the
// expectations. Query placeholders are filled from vars. A nil error means
// all assertions hold; a failed comparison is reported as a Mismatch.
func (b *Bridge) Assert(ctx context.Context, queries []QuerySpec, vars map[string]interface{}) error {
	if len(queries) == 0 {
		return nil
	}
	var el errorlist.List
	for i, q := range queries {
		if err := q.Validate(); err != nil {
			el = el.Appendf("sql assertion %d: %s", i+1, err)
		}
	}
	if err := el.AsError(); err != nil {
		return err
	}
	if b == nil || b.Agent == nil {
		return ErrNoAgent
	}

	batch := make([]AgentQuery, len(queries))
	for i, q := range queries {
		batch[i] = AgentQuery{
			DataSourceType: q.DataSourceType,
			DataSourceName: q.DataSourceName,
			Fields:         q.Fields,
			Query:          Substitute(q.Query, vars),
		}
		b.debugf("sql assertion %d: %s", i+1, batch[i].Query)
	}

	sets, err := b.Agent.Query(ctx, batch)
	if err != nil {
		return err
	}
	if len(sets) != len(batch) {
		return fmt.Errorf("sqlassert: agent returned %d results for %d queries",
			len(sets), len(batch))
	}

	for i, q := range queries {
		if err := compare(i, q.Fields, q.Expect, batch[i].Query, sets[i]); err != nil {
			return err
		}
	}
	return nil
}

func compare(index int, fields []string, expect interface{}, query string, rows RowSet) error {
	if isEmpty(expect) {
		return nil
	}
	if len(rows) == 0 {
		return Mismatch{Index: index, Query: query, Expected: expect, Reason: "no rows returned"}
	}
	first := rows[0]

	if list, ok := expect.([]interface{}); ok {
		want := list
		if inner, ok := list[0].([]interface{}); ok {
			want = inner
		}
		got := flatten(first, fields)
		if !equalLists(got, want) {
			return Mismatch{Index: index, Query: query, Expected: want, Actual: got}
		}
		return nil
	}

	var got interface{}
	if row := flatten(first, fields); len(row) > 0 {
		got = row[0]
	}
	if !equalScalar(got, expect) {
		return Mismatch{Index: index, Query: query, Expected: expect, Actual: got}
	}
	return nil
}

func isEmpty(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []interface{}:
		return len(x) == 0
	}
	return false
}

// flatten returns the values of row in the order given by fields. Without
// fields the columns are taken in lexical order.
func flatten(row map[string]interface{}, fields []string) []interface{} {
	if len(fields) == 0 {
		for name := range row {
			fields = append(fields, name)
		}
		sort.Strings(fields)
	}
	values := make([]interface{}, len(fields))
	for i, name := range fields {
		values[i] = row[name]
	}
	return values
}

func equalLists(got, want []interface{}) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if !equalScalar(got[i], want[i]) {
			return false
		}
	}
	return true
}

// equalScalar compares the textual representation of a and b as databases
// commonly return numbers as strings.
func equalScalar(a, b interface{}) bool {
	if bs, ok := a.([]byte); ok {
		a = string(bs)
	}
	if bs, ok := b.([]byte); ok {
		b = string(bs)
	}
	return resolver.Format(a) == resolver.Format(b)
}
