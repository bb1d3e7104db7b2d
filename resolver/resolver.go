// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package resolver substitutes {{expr}} placeholders inside strings and
// structured values.
//
// A placeholder expression is dispatched on its form, first match wins:
//     @integer(1,9)        a mock directive, see package mockdata
//     $.caseId.body.x[0]   a lookup into the records of executed cases
//     global.name          a global variable of the environment
//     vars.name            a run variable
// Anything else is left untouched, placeholder braces included.
//
// Resolution never fails: a placeholder which cannot be evaluated is left
// as is and reported as a Warning.
package resolver

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/vdobler/htrun/mockdata"
)

// Context is the set of values placeholders are resolved against.
type Context struct {
	// Global contains the read-only environment variables.
	Global map[string]interface{}

	// Vars contains the run variables.
	Vars map[string]interface{}

	// Records maps case ids to the outcome of already executed cases.
	Records map[string]interface{}

	// Warn, if non nil, is called for each placeholder left unresolved.
	Warn func(Warning)
}

// Warning reports a placeholder which was left unresolved.
type Warning struct {
	Token string // the full placeholder, braces included
	Err   error
}

func (w Warning) Error() string {
	if w.Err == nil {
		return fmt.Sprintf("unresolved %s", w.Token)
	}
	return fmt.Sprintf("unresolved %s: %s", w.Token, w.Err)
}

var (
	errUnknownForm = errors.New("unknown placeholder form")
	errNotFound    = errors.New("no such variable")
)

var tokenRe = regexp.MustCompile(`\{\{(.+?)\}\}`)

// Resolve resolves all placeholders in v. Strings are resolved, slices
// and maps are copied with their elements resolved, anything else is
// returned as is. The input is never modified.
func Resolve(v interface{}, ctx *Context) interface{} {
	switch x := v.(type) {
	case string:
		return ResolveString(x, ctx)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = Resolve(e, ctx)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = Resolve(e, ctx)
		}
		return out
	case []string:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = ResolveString(e, ctx)
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = ResolveString(e, ctx)
		}
		return out
	}
	return v
}

// ResolveString resolves the placeholders in s. If s consists of exactly
// one placeholder the resolved value is returned with its original type;
// otherwise every resolved placeholder is formatted and the resulting
// string is returned.
func ResolveString(s string, ctx *Context) interface{} {
	if !strings.Contains(s, "{{") {
		return s
	}
	if ctx == nil {
		ctx = &Context{}
	}

	if loc := tokenRe.FindStringSubmatchIndex(s); loc != nil && loc[0] == 0 && loc[1] == len(s) {
		v, ok := ctx.eval(s, s[loc[2]:loc[3]])
		if !ok {
			return s
		}
		return v
	}

	return tokenRe.ReplaceAllStringFunc(s, func(token string) string {
		v, ok := ctx.eval(token, token[2:len(token)-2])
		if !ok {
			return token
		}
		return Format(v)
	})
}

// ResolveToString is like ResolveString but always returns a string.
func ResolveToString(s string, ctx *Context) string {
	return Format(ResolveString(s, ctx))
}

// eval evaluates the placeholder expression expr of token.
// Panics during evaluation are swallowed and yield the raw token.
func (ctx *Context) eval(token, expr string) (value interface{}, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ctx.warn(token, fmt.Errorf("%v", r))
			value, ok = nil, false
		}
	}()

	expr = strings.TrimSpace(expr)
	var err error
	switch {
	case strings.HasPrefix(expr, "@"):
		value, err = mockdata.Generate(expr)
	case strings.HasPrefix(expr, "$."):
		value, err = RecordPath(ctx.Records, expr[2:])
	case strings.HasPrefix(expr, "global."):
		value, err = lookup(ctx.Global, expr[len("global."):])
	case strings.HasPrefix(expr, "vars."):
		value, err = lookup(ctx.Vars, expr[len("vars."):])
	default:
		err = errUnknownForm
	}
	if err != nil {
		ctx.warn(token, err)
		return nil, false
	}
	return value, true
}

func (ctx *Context) warn(token string, err error) {
	if ctx.Warn != nil {
		ctx.Warn(Warning{Token: token, Err: err})
	}
}

// lookup finds the dotted name in m, descending into nested maps.
func lookup(m map[string]interface{}, name string) (interface{}, error) {
	if v, ok := m[name]; ok {
		return v, nil
	}
	var cur interface{} = m
	for _, part := range strings.Split(name, ".") {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, errNotFound
		}
		if cur, ok = obj[part]; !ok {
			return nil, errNotFound
		}
	}
	return cur, nil
}

var segmentRe = regexp.MustCompile(`^([^\[\]]*)((?:\[\d+\])*)$`)
var indexRe = regexp.MustCompile(`\[(\d+)\]`)

// pathQuery translates a path like "12.body.list[0].name" into the
// equivalent jq query .["12"]["body"]["list"][0]["name"].
func pathQuery(path string) (string, error) {
	q := &strings.Builder{}
	q.WriteString(".")
	for _, seg := range strings.Split(path, ".") {
		m := segmentRe.FindStringSubmatch(seg)
		if m == nil {
			return "", fmt.Errorf("malformed path segment %q", seg)
		}
		if m[1] != "" {
			q.WriteString("[" + strconv.Quote(m[1]) + "]")
		}
		for _, idx := range indexRe.FindAllStringSubmatch(m[2], -1) {
			q.WriteString("[" + idx[1] + "]")
		}
	}
	return q.String(), nil
}

// RecordPath looks up path in records. A path which does not exist yields
// the empty string.
func RecordPath(records map[string]interface{}, path string) (interface{}, error) {
	qs, err := pathQuery(path)
	if err != nil {
		return nil, err
	}
	query, err := gojq.Parse(qs)
	if err != nil {
		return nil, err
	}
	input, err := normalize(records)
	if err != nil {
		return nil, err
	}
	iter := query.Run(input)
	v, ok := iter.Next()
	if !ok || v == nil {
		return "", nil
	}
	if _, isErr := v.(error); isErr {
		// Indexing into a value of the wrong type: treat as missing.
		return "", nil
	}
	return v, nil
}

// normalize converts v into the plain JSON types gojq operates on.
func normalize(v interface{}) (interface{}, error) {
	if v == nil {
		return map[string]interface{}{}, nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	err = json.Unmarshal(buf, &out)
	return out, err
}

// Format renders v for inclusion in a larger string.
func Format(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int, int64, int32, uint, uint64, uint32, bool, json.Number:
		return fmt.Sprintf("%v", x)
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(buf)
}

// Unresolved is the sentinel substituted by RewriteScript for unknown
// variables.
const Unresolved = "__unresolved__"

var scriptTokenRe = regexp.MustCompile(`\{\{\s*([\w$.\-]+?)\s*\}\}`)

// RewriteScript replaces {{name}} and {{global.name}} inside script code
// by literal values taken from ctx.Vars and ctx.Global. String values are
// inserted as quoted string literals, all other values as JSON. Unknown
// names are replaced by the quoted Unresolved sentinel so that the
// resulting code still parses.
func RewriteScript(script string, ctx *Context) string {
	if !strings.Contains(script, "{{") {
		return script
	}
	if ctx == nil {
		ctx = &Context{}
	}
	return scriptTokenRe.ReplaceAllStringFunc(script, func(token string) string {
		name := scriptTokenRe.FindStringSubmatch(token)[1]
		var v interface{}
		var err error
		if strings.HasPrefix(name, "global.") {
			v, err = lookup(ctx.Global, name[len("global."):])
		} else {
			v, err = lookup(ctx.Vars, strings.TrimPrefix(name, "vars."))
		}
		if err != nil {
			ctx.warn(token, err)
			return strconv.Quote(Unresolved)
		}
		buf, err := json.Marshal(v)
		if err != nil {
			ctx.warn(token, err)
			return strconv.Quote(Unresolved)
		}
		return string(buf)
	})
}
