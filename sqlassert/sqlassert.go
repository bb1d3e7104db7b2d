// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sqlassert checks the state of databases after a request.
//
// An assertion is a QuerySpec: a SQL query, the fields to read from the
// result and the expected value. All queries of one assertion are sent in a
// single batch to an external query agent (see package agent) which
// returns one row set per query. The first row of each row set is compared
// against the expectation:
//   - expect is a list: the first row, flattened in the order of Fields,
//     must equal the list (or the first element of a list of lists).
//   - expect is a scalar: the first field of the first row must equal it.
// Checking stops at the first mismatch.
//
// Queries may reference run variables as ${expr}. The expression is
// evaluated with github.com/expr-lang/expr against the variables only.
package sqlassert

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/vdobler/htrun/errorlist"
	"github.com/vdobler/htrun/resolver"
)

// QuerySpec is one SQL assertion.
type QuerySpec struct {
	DataSourceType string      `json:"dataSourceType" yaml:"dataSourceType"`
	DataSourceName string      `json:"dataSourceName,omitempty" yaml:"dataSourceName,omitempty"`
	Query          string      `json:"query" yaml:"query"`
	Fields         []string    `json:"fields,omitempty" yaml:"fields,omitempty"`
	Expect         interface{} `json:"expect,omitempty" yaml:"expect,omitempty"`
}

// Validate checks q for completeness.
func (q QuerySpec) Validate() error {
	var el errorlist.List
	if strings.TrimSpace(q.DataSourceType) == "" {
		el = el.Appendf("missing dataSourceType")
	}
	if strings.TrimSpace(q.Query) == "" {
		el = el.Appendf("missing query")
	}
	if list, ok := q.Expect.([]interface{}); ok && len(list) > 0 && len(q.Fields) == 0 {
		el = el.Appendf("expecting a row but no fields declared")
	}
	return el.AsError()
}

// FromValue converts v, typically the value of the sql or sqlAssert
// variable of a script, into query specs. A single object is accepted as
// a list of one.
func FromValue(v interface{}) ([]QuerySpec, error) {
	if v == nil {
		return nil, nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sqlassert: %s", err)
	}
	buf = []byte(strings.TrimSpace(string(buf)))
	if len(buf) > 0 && buf[0] == '{' {
		buf = append(append([]byte{'['}, buf...), ']')
	}
	var specs []QuerySpec
	if err := json.Unmarshal(buf, &specs); err != nil {
		return nil, fmt.Errorf("sqlassert: malformed query spec: %s", err)
	}
	return specs, nil
}

var placeholderRe = regexp.MustCompile(`\$\{([^{}]*)\}`)

// Substitute replaces each ${expr} in query by the value of expr evaluated
// against vars. Lists are joined with ",". An expression which cannot be
// evaluated is replaced by the empty string.
func Substitute(query string, vars map[string]interface{}) string {
	if !strings.Contains(query, "${") {
		return query
	}
	if vars == nil {
		vars = map[string]interface{}{}
	}
	return placeholderRe.ReplaceAllStringFunc(query, func(m string) string {
		src := strings.TrimSpace(m[2 : len(m)-1])
		v, err := evaluate(src, vars)
		if err != nil {
			return ""
		}
		return formatValue(v)
	})
}

func evaluate(src string, vars map[string]interface{}) (v interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sqlassert: panic evaluating %q: %v", src, r)
		}
	}()
	program, err := expr.Compile(src, expr.Env(vars))
	if err != nil {
		return nil, err
	}
	return expr.Run(program, vars)
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case []interface{}:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = resolver.Format(e)
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(x, ",")
	case []int:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = fmt.Sprintf("%d", e)
		}
		return strings.Join(parts, ",")
	}
	return resolver.Format(v)
}
