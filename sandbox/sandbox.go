// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sandbox executes user supplied JavaScript around a request.
//
// Every script runs in a fresh otto VM which sees only what is injected:
//     vars            read/write, copied back to the run's variable store
//     global          read-only environment globals
//     records         read-only responses of earlier cases, keyed by case id
//     requestBody, requestHeader, query, pathname
//     responseData, responseHeader, responseStatus (after the response)
//     assert          assertion predicates, failing by throwing
//     console         console.log and friends, captured into the logs
//     storage         getItem/setItem/removeItem/clear
//     utils           hashing, encoding, uuid, jwt and nested HTTP requests
//     sql, sqlAssert  SQL assertions evaluated after the script
//     _               the underscore library
//
// Values cross the VM boundary as JSON, so scripts see plain objects and
// numbers come back as float64.
//
// Before execution {{name}} and {{global.name}} occurrences in the script
// text are replaced by literal values.
//
// A script is stopped after Timeout or when the context is cancelled.
// otto has no event loop: scripts are synchronous and the single Timeout
// covers everything a script does. Nested utils.http calls carry the
// script's deadline and are aborted with it.
package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/robertkrimen/otto"
	_ "github.com/robertkrimen/otto/underscore"
	"github.com/vdobler/htrun/resolver"
	"github.com/vdobler/htrun/sqlassert"
)

// DefaultTimeout is used if a Sandbox has no Timeout.
var DefaultTimeout = 10 * time.Second

// Log is the logging interface used by a Sandbox.
type Log interface {
	Printf(format string, a ...interface{})
}

// Kind classifies script errors.
type Kind string

// The kinds of script errors.
const (
	KindRuntime   Kind = "runtime"
	KindTimeout   Kind = "timeout"
	KindCancelled Kind = "cancelled"
	KindSQL       Kind = "sql"
)

// ScriptError is the error returned by Run. Failing assertions are
// runtime errors as they are reported by throwing.
type ScriptError struct {
	Kind    Kind
	Message string
	Script  string
	Err     error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// Context is the mutable state a script operates on.
type Context struct {
	Vars    *Store
	Global  map[string]interface{}
	Records map[string]interface{}
	Storage *Store

	RequestBody   interface{}
	RequestHeader map[string]string
	Query         map[string]interface{}
	Pathname      string

	// HasResponse makes the response fields visible to the script.
	HasResponse    bool
	ResponseData   interface{}
	ResponseHeader map[string]string
	ResponseStatus int

	// SQLAssert holds queries to check after the script. The script may
	// add more via sqlAssert.push(...) or sql = [...]. The queries are
	// consumed by Run.
	SQLAssert []sqlassert.QuerySpec

	Logs []string
}

// Sandbox runs scripts.
type Sandbox struct {
	// Timeout is the wall-clock limit of one script.
	Timeout time.Duration

	// Bridge evaluates SQL assertions. May be nil if no SQL assertions
	// are used.
	Bridge *sqlassert.Bridge

	// Client is used for utils.http; nil means http.DefaultClient.
	Client *http.Client

	// Lock, if set, is held while a script executes.
	Lock sync.Locker

	Log       Log
	Verbosity int
}

var (
	errTimeout   = errors.New("script timed out")
	errCancelled = errors.New("script cancelled")
)

func (s *Sandbox) debugf(format string, v ...interface{}) {
	if s.Log != nil && s.Verbosity >= 2 {
		s.Log.Printf("DEBUG "+format, v...)
	}
}

func (s *Sandbox) tracef(format string, v ...interface{}) {
	if s.Log != nil && s.Verbosity >= 3 {
		s.Log.Printf("TRACE "+format, v...)
	}
}

// Run executes script in sc and then evaluates the pending SQL assertions.
// Changes the script makes are written back to sc, even if the script
// fails later on.
func (s *Sandbox) Run(ctx context.Context, sc *Context, script string) error {
	if sc.Vars == nil {
		sc.Vars = NewStore()
	}
	if sc.Storage == nil {
		sc.Storage = NewStore()
	}
	if strings.TrimSpace(script) != "" {
		if err := s.execute(ctx, sc, script); err != nil {
			return err
		}
	}

	queries := sc.SQLAssert
	sc.SQLAssert = nil
	if len(queries) == 0 {
		return nil
	}
	s.debugf("evaluating %d sql assertions", len(queries))
	if err := s.Bridge.Assert(ctx, queries, sc.Vars.Snapshot()); err != nil {
		return &ScriptError{Kind: KindSQL, Message: err.Error(), Script: script, Err: err}
	}
	return nil
}

// scriptState is the JSON document exchanged with the VM.
type scriptState struct {
	Vars           map[string]interface{} `json:"vars"`
	Global         map[string]interface{} `json:"global,omitempty"`
	Records        map[string]interface{} `json:"records,omitempty"`
	RequestBody    interface{}            `json:"requestBody"`
	RequestHeader  map[string]interface{} `json:"requestHeader"`
	Query          map[string]interface{} `json:"query"`
	Pathname       string                 `json:"pathname"`
	ResponseData   interface{}            `json:"responseData,omitempty"`
	ResponseHeader map[string]interface{} `json:"responseHeader,omitempty"`
	ResponseStatus interface{}            `json:"responseStatus,omitempty"`
	SQL            json.RawMessage        `json:"sql,omitempty"`
	SQLAssert      json.RawMessage        `json:"sqlAssert,omitempty"`
}

func (s *Sandbox) execute(ctx context.Context, sc *Context, script string) error {
	if s.Lock != nil {
		s.Lock.Lock()
		defer s.Lock.Unlock()
	}
	fail := func(kind Kind, err error) error {
		msg := strings.TrimPrefix(err.Error(), "Error: ")
		return &ScriptError{Kind: kind, Message: msg, Script: script, Err: err}
	}

	before := normalize(sc.Vars.Snapshot())
	rewritten := resolver.RewriteScript(script, &resolver.Context{
		Global:  sc.Global,
		Vars:    before,
		Records: sc.Records,
	})
	s.tracef("script after rewriting:\n%s", rewritten)

	input, err := s.input(sc, before)
	if err != nil {
		return fail(KindRuntime, err)
	}

	timeout := DefaultTimeout
	if s.Timeout > 0 {
		timeout = s.Timeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vm := otto.New()
	vm.Set("__input", input)
	s.bindNatives(tctx, vm, sc)
	if _, err := vm.Run(prelude); err != nil {
		return fail(KindRuntime, fmt.Errorf("sandbox setup: %s", err))
	}
	program, err := vm.Compile("script", rewritten)
	if err != nil {
		return fail(KindRuntime, err)
	}

	runErr := s.runWithTimeout(ctx, tctx, vm, program)
	switch runErr {
	case errTimeout:
		return fail(KindTimeout, runErr)
	case errCancelled:
		return fail(KindCancelled, runErr)
	}

	// Mutations made before a failing statement are kept.
	if err := s.copyBack(vm, sc, before); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return fail(KindRuntime, runErr)
	}
	return nil
}

func (s *Sandbox) input(sc *Context, vars map[string]interface{}) (string, error) {
	state := scriptState{
		Vars:          vars,
		Global:        sc.Global,
		Records:       sc.Records,
		RequestBody:   sc.RequestBody,
		RequestHeader: stringMap(sc.RequestHeader),
		Query:         sc.Query,
		Pathname:      sc.Pathname,
	}
	if sc.HasResponse {
		state.ResponseData = sc.ResponseData
		state.ResponseHeader = stringMap(sc.ResponseHeader)
		state.ResponseStatus = sc.ResponseStatus
	}
	if len(sc.SQLAssert) > 0 {
		raw, err := json.Marshal(sc.SQLAssert)
		if err != nil {
			return "", err
		}
		state.SQLAssert = raw
	}
	buf, err := json.Marshal(state)
	return string(buf), err
}

// runWithTimeout runs program until it finishes or tctx is done. Native
// helpers blocked on tctx return early, so an expired tctx always wins
// over whatever error the script produced meanwhile.
func (s *Sandbox) runWithTimeout(ctx, tctx context.Context, vm *otto.Otto, program *otto.Script) (err error) {
	stopped := func() error {
		if ctx.Err() != nil {
			return errCancelled
		}
		return errTimeout
	}
	interrupt := make(chan func(), 1)
	vm.Interrupt = interrupt
	done := make(chan struct{})
	go func() {
		select {
		case <-tctx.Done():
			interrupt <- func() { panic(stopped()) }
		case <-done:
		}
	}()

	defer func() {
		close(done)
		vm.Interrupt = nil
		if caught := recover(); caught != nil {
			if e, ok := caught.(error); ok && (e == errTimeout || e == errCancelled) {
				err = e
				return
			}
			err = fmt.Errorf("script panicked: %v", caught)
		}
	}()

	_, err = vm.Run(program)
	if tctx.Err() != nil {
		return stopped()
	}
	return err
}

func (s *Sandbox) copyBack(vm *otto.Otto, sc *Context, before map[string]interface{}) error {
	val, err := vm.Run("__export()")
	if err != nil {
		return err
	}
	var out scriptState
	if err := json.Unmarshal([]byte(val.String()), &out); err != nil {
		return fmt.Errorf("cannot export script state: %s", err)
	}

	if out.Vars == nil {
		out.Vars = map[string]interface{}{}
	}
	sc.Vars.apply(before, out.Vars)
	sc.RequestBody = out.RequestBody
	sc.RequestHeader = flatStringMap(out.RequestHeader)
	sc.Query = out.Query
	sc.Pathname = out.Pathname
	if sc.HasResponse {
		sc.ResponseData = out.ResponseData
		sc.ResponseHeader = flatStringMap(out.ResponseHeader)
		if n, ok := out.ResponseStatus.(float64); ok {
			sc.ResponseStatus = int(n)
		}
	}

	var queries []sqlassert.QuerySpec
	for _, raw := range []json.RawMessage{out.SQLAssert, out.SQL} {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		specs, err := sqlassert.FromValue(v)
		if err != nil {
			return err
		}
		queries = append(queries, specs...)
	}
	sc.SQLAssert = queries
	return nil
}

func (s *Sandbox) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

// bindNatives makes the Go implemented helpers available to the prelude.
func (s *Sandbox) bindNatives(ctx context.Context, vm *otto.Otto, sc *Context) {
	str := func(call otto.FunctionCall, i int) string {
		return call.Argument(i).String()
	}
	ret := func(v interface{}) otto.Value {
		val, err := otto.ToValue(v)
		if err != nil {
			return otto.UndefinedValue()
		}
		return val
	}
	throw := func(call otto.FunctionCall, err error) {
		panic(call.Otto.MakeCustomError("Error", err.Error()))
	}

	vm.Set("__log", func(call otto.FunctionCall) otto.Value {
		args, _ := call.Argument(1).Export()
		parts := []string{}
		if list, ok := args.([]interface{}); ok {
			for _, a := range list {
				if s, ok := a.(string); ok {
					parts = append(parts, s)
				} else {
					parts = append(parts, resolver.Format(a))
				}
			}
		}
		line := str(call, 0) + strings.Join(parts, " ")
		sc.Logs = append(sc.Logs, line)
		s.debugf("console: %s", line)
		return otto.UndefinedValue()
	})

	vm.Set("__storageGet", func(call otto.FunctionCall) otto.Value {
		if v, ok := sc.Storage.Get(str(call, 0)); ok {
			return ret(v)
		}
		return otto.NullValue()
	})
	vm.Set("__storageSet", func(call otto.FunctionCall) otto.Value {
		sc.Storage.Set(str(call, 0), str(call, 1))
		return otto.UndefinedValue()
	})
	vm.Set("__storageRemove", func(call otto.FunctionCall) otto.Value {
		sc.Storage.Delete(str(call, 0))
		return otto.UndefinedValue()
	})
	vm.Set("__storageClear", func(call otto.FunctionCall) otto.Value {
		sc.Storage.Clear()
		return otto.UndefinedValue()
	})

	vm.Set("__xmlEquals", func(call otto.FunctionCall) otto.Value {
		return ret(xmlEquals(str(call, 0), str(call, 1), str(call, 2)))
	})
	vm.Set("__xmlExists", func(call otto.FunctionCall) otto.Value {
		return ret(xmlExists(str(call, 0), str(call, 1)))
	})
	vm.Set("__htmlExists", func(call otto.FunctionCall) otto.Value {
		return ret(htmlExists(str(call, 0), str(call, 1)))
	})
	vm.Set("__jsonSchema", func(call otto.FunctionCall) otto.Value {
		return ret(validateSchema(str(call, 0), str(call, 1)))
	})

	vm.Set("__digest", func(call otto.FunctionCall) otto.Value {
		h, err := digest(str(call, 0), str(call, 1))
		if err != nil {
			throw(call, err)
		}
		return ret(h)
	})
	vm.Set("__hmacSha256", func(call otto.FunctionCall) otto.Value {
		return ret(hmacSha256(str(call, 0), str(call, 1)))
	})
	vm.Set("__base64Encode", func(call otto.FunctionCall) otto.Value {
		return ret(base64.StdEncoding.EncodeToString([]byte(str(call, 0))))
	})
	vm.Set("__base64Decode", func(call otto.FunctionCall) otto.Value {
		d, err := base64Decode(str(call, 0))
		if err != nil {
			throw(call, err)
		}
		return ret(d)
	})
	vm.Set("__urlEncode", func(call otto.FunctionCall) otto.Value {
		return ret(url.QueryEscape(str(call, 0)))
	})
	vm.Set("__urlDecode", func(call otto.FunctionCall) otto.Value {
		d, err := url.QueryUnescape(str(call, 0))
		if err != nil {
			throw(call, err)
		}
		return ret(d)
	})
	vm.Set("__uuid", func(call otto.FunctionCall) otto.Value {
		return ret(newUUID())
	})
	vm.Set("__timestamp", func(call otto.FunctionCall) otto.Value {
		return ret(float64(time.Now().UnixNano() / int64(time.Millisecond)))
	})
	vm.Set("__jwtSign", func(call otto.FunctionCall) otto.Value {
		t, err := jwtSign(str(call, 0), str(call, 1))
		if err != nil {
			throw(call, err)
		}
		return ret(t)
	})
	vm.Set("__jwtDecode", func(call otto.FunctionCall) otto.Value {
		c, err := jwtDecode(str(call, 0), str(call, 1))
		if err != nil {
			throw(call, err)
		}
		return ret(c)
	})
	vm.Set("__htmlText", func(call otto.FunctionCall) otto.Value {
		t, err := htmlText(str(call, 0), str(call, 1))
		if err != nil {
			throw(call, err)
		}
		return ret(t)
	})
	vm.Set("__http", func(call otto.FunctionCall) otto.Value {
		r, err := doHTTP(ctx, s.client(), str(call, 0))
		if err != nil {
			throw(call, err)
		}
		return ret(r)
	})
}

// normalize returns m as seen by a script after a JSON round trip.
func normalize(m map[string]interface{}) map[string]interface{} {
	buf, err := json.Marshal(m)
	if err != nil {
		return m
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(buf, &out); err != nil {
		return m
	}
	return out
}

func stringMap(m map[string]string) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func flatStringMap(m map[string]interface{}) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = resolver.Format(v)
	}
	return out
}
