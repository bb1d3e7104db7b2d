// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package collection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vdobler/htrun/dispatch"
	"github.com/vdobler/htrun/model"
)

// newServer answers /status/<code> with that code and a JSON body
// echoing the request. /slow blocks until the client goes away.
func newServer(hits *int64) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt64(hits, 1)
		}
		code, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/status/"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"token": "tok-" + r.URL.Query().Get("n"),
			"auth":  r.Header.Get("Authorization"),
			"query": r.URL.RawQuery,
		})
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	return httptest.NewServer(mux)
}

func newRunner(ts *httptest.Server, settings Settings) *Runner {
	return &Runner{
		Dispatcher:   &dispatch.Dispatcher{Client: dispatch.NewClient(false, false)},
		Environments: []model.Environment{{Name: "test", Domain: ts.URL}},
		Settings:     settings,
	}
}

func ids(report *model.Report) []string {
	var s []string
	for _, tr := range report.Results {
		s = append(s, tr.ID)
	}
	return s
}

func mkCase(id, path string) *model.Case {
	return &model.Case{ID: id, Name: "case " + id, Method: "GET", Path: path}
}

func TestExpand(t *testing.T) {
	cases := []*model.Case{
		mkCase("x", "/"), mkCase("a", "/"), mkCase("c", "/"), mkCase("b", "/"),
	}
	loops := []LoopGroup{{CaseIDs: []string{"a", "b", "unknown"}, Count: 3}}
	items := Expand(cases, loops)

	var got []string
	for _, it := range items {
		got = append(got, it.ID)
	}
	want := "x a b a-1 b-1 a-2 b-2 c"
	if strings.Join(got, " ") != want {
		t.Errorf("got %v, want %s", got, want)
	}
	if items[3].Case != cases[1] || items[3].Iteration != 1 {
		t.Errorf("iteration must reference the original case: %+v", items[3])
	}

	// Iteration ids never shadow real case ids.
	cases = []*model.Case{mkCase("a", "/"), mkCase("a-1", "/"), mkCase("a-2.1", "/")}
	items = Expand(cases, []LoopGroup{{CaseIDs: []string{"a"}, Count: 3}})
	got = got[:0]
	for _, it := range items {
		got = append(got, it.ID)
	}
	want = "a a-1.1 a-2 a-1 a-2.1"
	if strings.Join(got, " ") != want {
		t.Errorf("got %v, want %s", got, want)
	}

	// A count below one still runs the group once.
	items = Expand(cases[:2], []LoopGroup{{CaseIDs: []string{"a"}}})
	if len(items) != 2 {
		t.Errorf("got %d items", len(items))
	}
}

func TestLoopRun(t *testing.T) {
	ts := newServer(nil)
	defer ts.Close()

	cases := []*model.Case{
		mkCase("a", "/status/200"), mkCase("b", "/status/200"), mkCase("c", "/status/200"),
	}
	r := newRunner(ts, Settings{Loops: []LoopGroup{{CaseIDs: []string{"a", "b", "c"}, Count: 2}}})
	report := r.Run(context.Background(), "coll", cases)

	if got := strings.Join(ids(report), " "); got != "a b c a-1 b-1 c-1" {
		t.Errorf("got %s", got)
	}
	if report.Total != 6 || report.Success != 6 || report.Failed != 0 {
		t.Errorf("wrong tally %d/%d/%d", report.Total, report.Success, report.Failed)
	}
	if tr := report.Result("b-1"); tr == nil || tr.CaseID != "b" {
		t.Errorf("b-1 must report case b: %+v", tr)
	}
	if report.ID == "" || report.CollectionID != "coll" {
		t.Errorf("missing ids in report %+v", report)
	}
}

func TestStopFail(t *testing.T) {
	var hits int64
	ts := newServer(&hits)
	defer ts.Close()

	b := mkCase("B", "/status/500")
	b.TestScript = `assert.equal(responseStatus, 200);`
	cases := []*model.Case{mkCase("A", "/status/200"), b, mkCase("C", "/status/200")}

	report := newRunner(ts, Settings{StopFail: true}).Run(context.Background(), "", cases)
	if got := strings.Join(ids(report), " "); got != "A B" {
		t.Errorf("got %s", got)
	}
	if atomic.LoadInt64(&hits) != 2 {
		t.Errorf("C must never execute, got %d requests", hits)
	}
	if report.Results[1].Code != model.CodeFail {
		t.Errorf("B: got code %d", report.Results[1].Code)
	}

	// Without stopFail the run continues.
	report = newRunner(ts, Settings{}).Run(context.Background(), "", cases)
	if report.Total != 3 || report.Failed != 1 {
		t.Errorf("got %d total, %d failed", report.Total, report.Failed)
	}
}

func TestVarsAndRecords(t *testing.T) {
	ts := newServer(nil)
	defer ts.Close()

	login := mkCase("login", "/status/200")
	login.ReqQuery = []model.ParameterItem{{Name: "n", Value: "7", Enable: true}}
	login.AfterScript = `vars.token = responseData.token;`

	use := mkCase("use", "/status/200")
	use.ReqHeaders = []model.ParameterItem{{Name: "Authorization", Value: "Bearer {{vars.token}}", Enable: true}}
	use.ReqQuery = []model.ParameterItem{{Name: "prev", Value: "{{$.login.body.token}}", Enable: true}}
	use.TestScript = `
assert.equal(responseData.auth, "Bearer tok-7");
assert.equal(records.login.params.n, "7");
assert.equal(records.login.status, 200);
`
	report := newRunner(ts, Settings{}).Run(context.Background(), "", []*model.Case{login, use})
	if report.Failed != 0 {
		t.Fatalf("unexpected failure: %s", report.Results[len(report.Results)-1].FirstMessage())
	}
	body := report.Results[1].Body.(map[string]interface{})
	if body["query"] != "prev=tok-7" {
		t.Errorf("record placeholder not resolved: %v", body["query"])
	}
}

func TestAsyncFanIn(t *testing.T) {
	ts := newServer(nil)
	defer ts.Close()

	slow := mkCase("slow", "/status/200")
	slow.EnableAsync = true
	slow.PreScript = `var end = Date.now() + 100; while (Date.now() < end) {} vars.slow = true;`
	failing := mkCase("failing", "/status/200")
	failing.EnableAsync = true
	failing.TestScript = `assert.ok(false);`
	last := mkCase("last", "/status/200")

	start := time.Now()
	report := newRunner(ts, Settings{}).Run(context.Background(), "", []*model.Case{slow, failing, last})
	if time.Since(start) < 100*time.Millisecond {
		t.Errorf("run finished before async case")
	}
	if got := strings.Join(ids(report), " "); got != "slow failing last" {
		t.Errorf("results must be in start order, got %s", got)
	}
	if report.Total != 3 || report.Failed != 1 {
		t.Errorf("got %d total, %d failed", report.Total, report.Failed)
	}
}

func TestSerializeScripts(t *testing.T) {
	ts := newServer(nil)
	defer ts.Close()

	var cases []*model.Case
	for i := 0; i < 5; i++ {
		c := mkCase(strconv.Itoa(i), "/status/200")
		c.EnableAsync = true
		c.PreScript = `vars.n = (vars.n || 0) + 1;`
		cases = append(cases, c)
	}
	r := newRunner(ts, Settings{SerializeScripts: true})
	run := r.Start(context.Background(), "", cases)
	report := run.Wait()
	if report.Failed != 0 {
		t.Fatalf("unexpected failures")
	}
	if n, _ := run.Vars.Get("n"); n != 5.0 {
		t.Errorf("serialized increments lost: got %v", n)
	}
	if r.Dispatcher.Sandbox != nil {
		t.Errorf("runner's dispatcher must not be modified")
	}
}

func TestDelay(t *testing.T) {
	ts := newServer(nil)
	defer ts.Close()

	cases := []*model.Case{mkCase("a", "/status/200"), mkCase("b", "/status/200")}
	start := time.Now()
	report := newRunner(ts, Settings{Delay: 80 * time.Millisecond}).Run(context.Background(), "", cases)
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("delay not honored: %s", elapsed)
	}
	if report.Total != 2 {
		t.Errorf("got %d results", report.Total)
	}
}

func TestCancel(t *testing.T) {
	ts := newServer(nil)
	defer ts.Close()

	cases := []*model.Case{
		mkCase("fast", "/status/200"), mkCase("slow", "/slow"), mkCase("never", "/status/200"),
	}
	run := newRunner(ts, Settings{}).Start(context.Background(), "", cases)
	time.Sleep(200 * time.Millisecond)
	run.Cancel()

	select {
	case <-run.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("run not cancelled")
	}
	report := run.Wait()
	if !report.Cancelled {
		t.Errorf("report not marked cancelled")
	}
	if got := strings.Join(ids(report), " "); got != "fast slow" {
		t.Fatalf("got %s", got)
	}
	if !report.Results[0].Passed() {
		t.Errorf("completed result must be kept")
	}
	if tr := report.Results[1]; tr.Code != model.CodeCancelled || !tr.Cancelled {
		t.Errorf("in-flight case: got code %d", tr.Code)
	}
}

func TestIndependentRuns(t *testing.T) {
	ts := newServer(nil)
	defer ts.Close()

	c := mkCase("a", "/status/200")
	c.PreScript = `if (vars.seen) { throw new Error("vars leaked between runs"); } vars.seen = true;`
	r := newRunner(ts, Settings{})
	run1 := r.Start(context.Background(), "", []*model.Case{c})
	run2 := r.Start(context.Background(), "", []*model.Case{c})
	for _, rep := range []*model.Report{run1.Wait(), run2.Wait()} {
		if rep.Failed != 0 {
			t.Errorf("got failure %s", rep.Results[0].FirstMessage())
		}
	}
	if run1.ID == run2.ID {
		t.Errorf("runs share an id")
	}
}

func TestBuildError(t *testing.T) {
	ts := newServer(nil)
	defer ts.Close()

	c := mkCase("bad", "/up")
	c.Method = "POST"
	c.ReqBodyType = "form"
	c.ReqBodyForm = []model.ParameterItem{{Name: "f", Value: "/does/not/exist", Type: "file", Enable: true}}
	report := newRunner(ts, Settings{}).Run(context.Background(), "", []*model.Case{c})
	if tr := report.Results[0]; tr.Code != model.CodeError {
		t.Errorf("got code %d: %s", tr.Code, tr.FirstMessage())
	}
}
