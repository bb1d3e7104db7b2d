// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package model contains the data types shared by all parts of the
// execution engine: the case definitions consumed read-only from the
// persistence layer and the results produced by running them.
package model

import (
	"strings"
	"time"
)

// MethodWS is the pseudo request method which routes a case to the
// WebSocket transport.
const MethodWS = "WS"

// Result codes of a TestResult.
const (
	CodeOK        = 0   // request sent and all validations passed
	CodeFail      = 1   // a script or assertion failed
	CodeError     = 400 // transport failure or internal exception
	CodeCancelled = 499 // the case or its run was cancelled
)

// ParameterItem is one name/value parameter of a case or an environment.
type ParameterItem struct {
	Name     string `json:"name" yaml:"name"`
	Value    string `json:"value" yaml:"value"`
	Example  string `json:"example,omitempty" yaml:"example,omitempty"`
	Desc     string `json:"desc,omitempty" yaml:"desc,omitempty"`
	Enable   bool   `json:"enable" yaml:"enable"`
	Required string `json:"required,omitempty" yaml:"required,omitempty"` // "0" or "1"

	// Type is "text" (the default) or "file".
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Active reports whether p takes part in a built request. Disabled items
// are excluded unless they are required.
func (p ParameterItem) Active() bool {
	return p.Enable || p.Required == "1"
}

// IsFile reports whether p is a file parameter.
func (p ParameterItem) IsFile() bool {
	return p.Type == "file"
}

// NameValue is a plain name/value pair.
type NameValue struct {
	Name  string      `json:"name" yaml:"name"`
	Value interface{} `json:"value" yaml:"value"`
}

// Environment is a named domain together with default headers and
// read-only global variables.
type Environment struct {
	Name   string          `json:"name" yaml:"name"`
	Domain string          `json:"domain" yaml:"domain"`
	Header []ParameterItem `json:"header,omitempty" yaml:"header,omitempty"`
	Global []NameValue     `json:"global,omitempty" yaml:"global,omitempty"`
}

// GlobalMap returns the global variables of env as a fresh map.
func (env *Environment) GlobalMap() map[string]interface{} {
	m := make(map[string]interface{})
	if env == nil {
		return m
	}
	for _, g := range env.Global {
		if g.Name == "" {
			continue
		}
		m[g.Name] = g.Value
	}
	return m
}

// SelectEnvironment returns the environment called name. If no such
// environment exists (e.g. because it was renamed after the case was
// written) the first environment is used. It returns nil only if envs
// is empty.
func SelectEnvironment(envs []Environment, name string) *Environment {
	if len(envs) == 0 {
		return nil
	}
	for i := range envs {
		if envs[i].Name == name {
			return &envs[i]
		}
	}
	return &envs[0]
}

// Case is one configured request of a collection.
type Case struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Method  string `json:"method" yaml:"method"`
	Path    string `json:"path" yaml:"path"`
	CaseEnv string `json:"case_env,omitempty" yaml:"case_env,omitempty"`

	ReqParams  []ParameterItem `json:"req_params,omitempty" yaml:"req_params,omitempty"`
	ReqQuery   []ParameterItem `json:"req_query,omitempty" yaml:"req_query,omitempty"`
	ReqHeaders []ParameterItem `json:"req_headers,omitempty" yaml:"req_headers,omitempty"`

	// ReqBodyType is one of form, json, xml, text or raw.
	ReqBodyType  string          `json:"req_body_type,omitempty" yaml:"req_body_type,omitempty"`
	ReqBodyForm  []ParameterItem `json:"req_body_form,omitempty" yaml:"req_body_form,omitempty"`
	ReqBodyOther string          `json:"req_body_other,omitempty" yaml:"req_body_other,omitempty"`

	PreRequestScript string `json:"pre_request_script,omitempty" yaml:"pre_request_script,omitempty"`
	PreScript        string `json:"pre_script,omitempty" yaml:"pre_script,omitempty"`
	AfterScript      string `json:"after_script,omitempty" yaml:"after_script,omitempty"`
	TestScript       string `json:"test_script,omitempty" yaml:"test_script,omitempty"`

	// SQLAssert holds declarative SQL assertions. Each element is a
	// query spec as understood by package sqlassert.
	SQLAssert []map[string]interface{} `json:"sql_assert,omitempty" yaml:"sql_assert,omitempty"`

	EnableAsync bool `json:"enable_async,omitempty" yaml:"enable_async,omitempty"`

	// Timeout of the request; zero means the configured default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// IsWS reports whether c is a WebSocket case.
func (c *Case) IsWS() bool {
	return strings.EqualFold(c.Method, MethodWS)
}

// ValidMessage is one validation outcome of a case.
type ValidMessage struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// TestResult is the outcome of running one case.
type TestResult struct {
	// ID is the id under which the result is reported. It equals CaseID
	// except for repeated loop iterations.
	ID     string `json:"id"`
	CaseID string `json:"caseId"`
	Name   string `json:"name,omitempty"`

	Code       int               `json:"code"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Header     map[string]string `json:"header,omitempty"`
	Body       interface{}       `json:"body,omitempty"`
	ValidRes   []ValidMessage    `json:"validRes"`

	// Params is the resolved request descriptor which was sent.
	Params interface{} `json:"params,omitempty"`

	// ExecutionTime is the wall clock time of the whole case.
	ExecutionTime time.Duration `json:"executionTime"`

	Logs      []string `json:"logs,omitempty"`
	Cancelled bool     `json:"cancelled,omitempty"`
}

// AddMessage appends a validation message to r.
func (r *TestResult) AddMessage(msg string, data interface{}) {
	r.ValidRes = append(r.ValidRes, ValidMessage{Message: msg, Data: data})
}

// FirstMessage returns the first validation message or the empty string.
func (r *TestResult) FirstMessage() string {
	if len(r.ValidRes) == 0 {
		return ""
	}
	return r.ValidRes[0].Message
}

// Passed reports whether r is a success.
func (r *TestResult) Passed() bool {
	return r.Code == CodeOK
}

// Report is the outcome of one orchestrated collection run. Results are
// ordered by execution.
type Report struct {
	ID           string        `json:"id"`
	CollectionID string        `json:"collectionId,omitempty"`
	Total        int           `json:"total"`
	Success      int           `json:"success"`
	Failed       int           `json:"failed"`
	RunTime      time.Duration `json:"run_time"`
	Cancelled    bool          `json:"cancelled,omitempty"`
	Results      []*TestResult `json:"test_result"`
}

// Tally recomputes the aggregate counters of r from its results.
func (r *Report) Tally() {
	r.Total, r.Success, r.Failed = 0, 0, 0
	for _, tr := range r.Results {
		if tr == nil {
			continue
		}
		r.Total++
		if tr.Passed() {
			r.Success++
		} else {
			r.Failed++
		}
	}
}

// Result returns the result reported under id or nil.
func (r *Report) Result(id string) *TestResult {
	for _, tr := range r.Results {
		if tr != nil && tr.ID == id {
			return tr
		}
	}
	return nil
}
