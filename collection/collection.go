// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package collection runs a selection of cases as one orchestrated run.
//
// Cases run in the order given. Cases which belong to a loop group are
// expanded in place: the whole group is repeated Count times when its
// first member is reached and its other members are skipped at their
// original positions. Iterations after the first are reported under the
// id "<caseID>-<iteration>", made unique if a case already uses that id.
//
// Cases flagged EnableAsync are started without waiting for them; all
// other cases block the run until they are done. A run finishes once all
// async cases have finished.
//
// All cases of a run share one vars store. Writes of concurrently running
// async cases to the same key are last write wins.
package collection

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vdobler/htrun/dispatch"
	"github.com/vdobler/htrun/model"
	"github.com/vdobler/htrun/request"
	"github.com/vdobler/htrun/resolver"
	"github.com/vdobler/htrun/sandbox"
	"github.com/vdobler/htrun/sqlassert"
	"golang.org/x/time/rate"
)

// Log is the logging interface of a Runner.
type Log interface {
	Printf(format string, a ...interface{})
}

// LoopGroup is a set of cases repeated as a unit.
type LoopGroup struct {
	CaseIDs []string `json:"caseIds" yaml:"caseIds"`
	Count   int      `json:"count" yaml:"count"`
}

// Settings control a run.
type Settings struct {
	// StopFail stops the run after the first failing synchronous case.
	StopFail bool `json:"stopFail,omitempty" yaml:"stopFail,omitempty"`

	// Delay is waited after each synchronous case except the last.
	Delay time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`

	Loops []LoopGroup `json:"loops,omitempty" yaml:"loops,omitempty"`

	// RateLimit caps the number of cases started per second. Zero means
	// unlimited.
	RateLimit float64 `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`

	// SerializeScripts makes scripts of concurrently running async cases
	// execute one after the other. Network I/O still overlaps.
	SerializeScripts bool `json:"serializeScripts,omitempty" yaml:"serializeScripts,omitempty"`
}

// Item is one entry of an expanded run.
type Item struct {
	// ID is the id the result is reported under.
	ID        string
	Iteration int
	Case      *model.Case
}

// Expand lays out cases in execution order, expanding loop groups. Loop
// members not among cases are ignored; a case listed in several groups
// belongs to the first. Item ids are unique: if "<id>-<iteration>" is
// already taken, e.g. by a case named that way, a ".<n>" suffix is added.
func Expand(cases []*model.Case, loops []LoopGroup) []Item {
	groupOf := make(map[string]int)
	for g, loop := range loops {
		for _, id := range loop.CaseIDs {
			if _, seen := groupOf[id]; !seen {
				groupOf[id] = g
			}
		}
	}

	taken := make(map[string]bool, len(cases))
	for _, c := range cases {
		taken[c.ID] = true
	}

	var items []Item
	emitted := make(map[int]bool)
	for _, c := range cases {
		g, inGroup := groupOf[c.ID]
		if !inGroup {
			items = append(items, Item{ID: c.ID, Case: c})
			continue
		}
		if emitted[g] {
			continue
		}
		emitted[g] = true

		var members []*model.Case
		for _, m := range cases {
			if mg, ok := groupOf[m.ID]; ok && mg == g {
				members = append(members, m)
			}
		}
		count := loops[g].Count
		if count < 1 {
			count = 1
		}
		for it := 0; it < count; it++ {
			for _, m := range members {
				id := m.ID
				if it > 0 {
					id = fmt.Sprintf("%s-%d", m.ID, it)
					for n := 1; taken[id]; n++ {
						id = fmt.Sprintf("%s-%d.%d", m.ID, it, n)
					}
					taken[id] = true
				}
				items = append(items, Item{ID: id, Iteration: it, Case: m})
			}
		}
	}
	return items
}

// Runner executes collections.
type Runner struct {
	Dispatcher   *dispatch.Dispatcher
	Environments []model.Environment
	Settings     Settings

	// Storage is the persistent script storage shared by all runs. Nil
	// gives every run its own.
	Storage *sandbox.Store

	Log       Log
	Verbosity int
}

func (r *Runner) infof(format string, v ...interface{}) {
	if r.Log != nil && r.Verbosity >= 1 {
		r.Log.Printf("INFO  "+format, v...)
	}
}

func (r *Runner) debugf(format string, v ...interface{}) {
	if r.Log != nil && r.Verbosity >= 2 {
		r.Log.Printf("DEBUG "+format, v...)
	}
}

// Run is a started run.
type Run struct {
	ID   string
	Vars *sandbox.Store

	cancel context.CancelFunc
	done   chan struct{}
	report *model.Report
}

// Cancel aborts the run. Cases not yet started are skipped, running ones
// end as cancelled.
func (run *Run) Cancel() { run.cancel() }

// Done is closed once the run finished.
func (run *Run) Done() <-chan struct{} { return run.done }

// Wait blocks until the run finished and returns its report.
func (run *Run) Wait() *model.Report {
	<-run.done
	return run.report
}

// Run executes cases and waits for the report.
func (r *Runner) Run(ctx context.Context, collectionID string, cases []*model.Case) *model.Report {
	return r.Start(ctx, collectionID, cases).Wait()
}

// Start begins a run of cases in the background. Each run owns its vars
// and its cancellation; independent runs share nothing but Storage.
func (r *Runner) Start(ctx context.Context, collectionID string, cases []*model.Case) *Run {
	ctx, cancel := context.WithCancel(ctx)
	run := &Run{
		ID:     uuid.New().String(),
		Vars:   sandbox.NewStore(),
		cancel: cancel,
		done:   make(chan struct{}),
		report: &model.Report{CollectionID: collectionID},
	}
	run.report.ID = run.ID
	go func() {
		defer close(run.done)
		defer cancel()
		r.execute(ctx, run, cases)
	}()
	return run
}

// records holds the outcome of finished cases keyed by case id.
type records struct {
	mu sync.Mutex
	m  map[string]interface{}
}

func (rs *records) snapshot() map[string]interface{} {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	s := make(map[string]interface{}, len(rs.m))
	for k, v := range rs.m {
		s[k] = v
	}
	return s
}

func (rs *records) set(rec map[string]interface{}, ids ...string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, id := range ids {
		rs.m[id] = rec
	}
}

func (r *Runner) execute(ctx context.Context, run *Run, cases []*model.Case) {
	start := time.Now()
	items := Expand(cases, r.Settings.Loops)
	r.infof("run %s: %d cases", run.ID, len(items))

	d := r.dispatcher()
	storage := r.Storage
	if storage == nil {
		storage = sandbox.NewStore()
	}
	var limiter *rate.Limiter
	if r.Settings.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.Settings.RateLimit), 1)
	}

	recs := &records{m: make(map[string]interface{})}
	results := make([]*model.TestResult, len(items))
	n := 0
	var wg sync.WaitGroup

loop:
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}
		slot := n
		n++

		if item.Case.EnableAsync {
			wg.Add(1)
			go func(slot int, item Item) {
				defer wg.Done()
				results[slot] = r.runCase(ctx, d, item, run.Vars, storage, recs)
			}(slot, item)
			continue
		}

		tr := r.runCase(ctx, d, item, run.Vars, storage, recs)
		results[slot] = tr
		if tr.Code != model.CodeOK && r.Settings.StopFail {
			r.infof("run %s: stopping after failed case %s", run.ID, item.ID)
			break
		}
		if r.Settings.Delay > 0 && i < len(items)-1 {
			t := time.NewTimer(r.Settings.Delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				break loop
			}
		}
	}
	wg.Wait()

	report := run.report
	report.Results = results[:n]
	report.Cancelled = ctx.Err() != nil
	report.RunTime = time.Since(start)
	report.Tally()
	r.infof("run %s: %d total, %d passed, %d failed (%s)", run.ID,
		report.Total, report.Success, report.Failed, report.RunTime)
}

// dispatcher returns the dispatcher to use for one run.
func (r *Runner) dispatcher() *dispatch.Dispatcher {
	d := r.Dispatcher
	if d == nil {
		d = &dispatch.Dispatcher{Log: r.Log, Verbosity: r.Verbosity}
	}
	if !r.Settings.SerializeScripts {
		return d
	}
	dc := *d
	sb := sandbox.Sandbox{Log: r.Log, Verbosity: r.Verbosity}
	if d.Sandbox != nil {
		sb = *d.Sandbox
	}
	sb.Lock = &sync.Mutex{}
	dc.Sandbox = &sb
	return &dc
}

func (r *Runner) runCase(ctx context.Context, d *dispatch.Dispatcher, item Item, vars, storage *sandbox.Store, recs *records) *model.TestResult {
	c := item.Case
	env := model.SelectEnvironment(r.Environments, c.CaseEnv)
	global := env.GlobalMap()
	snapshot := recs.snapshot()
	rctx := &resolver.Context{
		Global:  global,
		Vars:    vars.Snapshot(),
		Records: snapshot,
		Warn: func(w resolver.Warning) {
			r.debugf("case %s: %s", item.ID, w)
		},
	}

	tr, desc := r.prepare(ctx, d, item, rctx, &sandbox.Context{
		Vars:    vars,
		Global:  global,
		Records: snapshot,
		Storage: storage,
	})
	tr.ID, tr.CaseID, tr.Name = item.ID, c.ID, c.Name
	r.infof("case %s %q: code %d %s", item.ID, c.Name, tr.Code, tr.FirstMessage())

	rec := map[string]interface{}{
		"status": tr.Status,
		"header": tr.Header,
		"body":   tr.Body,
	}
	if desc != nil {
		rec["params"] = requestParams(desc)
	}
	if item.ID != c.ID {
		recs.set(rec, c.ID, item.ID)
	} else {
		recs.set(rec, c.ID)
	}
	return tr
}

func (r *Runner) prepare(ctx context.Context, d *dispatch.Dispatcher, item Item, rctx *resolver.Context, sc *sandbox.Context) (*model.TestResult, *request.Descriptor) {
	c := item.Case
	failed := func(code int, err error) *model.TestResult {
		tr := &model.TestResult{Code: code, ValidRes: []model.ValidMessage{}}
		tr.AddMessage(err.Error(), nil)
		return tr
	}
	if ctx.Err() != nil {
		tr := failed(model.CodeCancelled, dispatch.ErrCancelled)
		tr.Cancelled = true
		return tr, nil
	}

	desc, err := request.Build(c, model.SelectEnvironment(r.Environments, c.CaseEnv), rctx)
	if err != nil {
		return failed(model.CodeError, err), nil
	}
	desc.CaseID = item.ID

	var specs []sqlassert.QuerySpec
	if len(c.SQLAssert) > 0 {
		list := make([]interface{}, len(c.SQLAssert))
		for i, m := range c.SQLAssert {
			list[i] = m
		}
		if specs, err = sqlassert.FromValue(list); err != nil {
			return failed(model.CodeFail, err), desc
		}
	}

	scripts := dispatch.Scripts{
		PreRequest: c.PreRequestScript,
		Pre:        c.PreScript,
		After:      c.AfterScript,
		Test:       c.TestScript,
		SQLAssert:  specs,
	}
	return d.Dispatch(ctx, desc, scripts, sc), desc
}

// requestParams merges query parameters and the fields of an object or
// form body into one map.
func requestParams(desc *request.Descriptor) map[string]interface{} {
	params := make(map[string]interface{})
	addValues(params, desc.Query)
	switch data := desc.Data.(type) {
	case map[string]interface{}:
		for k, v := range data {
			params[k] = v
		}
	case []request.FormEntry:
		for _, e := range data {
			if e.File != nil {
				params[e.Name] = e.File.Name
			} else {
				params[e.Name] = e.Value
			}
		}
	}
	return params
}

func addValues(params map[string]interface{}, values url.Values) {
	for name, vs := range values {
		if len(vs) == 1 {
			params[name] = vs[0]
			continue
		}
		list := make([]interface{}, len(vs))
		for i, v := range vs {
			list[i] = v
		}
		params[name] = list
	}
}
