// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kr/pretty"
	"github.com/vdobler/htrun/sqlassert"
)

func newContext() *Context {
	return &Context{
		Vars:    NewStoreFrom(map[string]interface{}{"user": "alice", "n": 1}),
		Global:  map[string]interface{}{"host": "example.org", "k": 5},
		Records: map[string]interface{}{"7": map[string]interface{}{"body": map[string]interface{}{"token": "abc"}}},
	}
}

func TestVarsRoundTrip(t *testing.T) {
	sc := newContext()
	sb := &Sandbox{}
	script := `
vars.greeting = "hello " + vars.user;
vars.n = vars.n + 1;
vars.list = [1, "two", {three: 3}];
vars.token = records["7"].body.token;
delete vars.user;
`
	if err := sb.Run(context.Background(), sc, script); err != nil {
		t.Fatalf("unexpected error %s", err)
	}
	want := map[string]interface{}{
		"greeting": "hello alice",
		"n":        2.0,
		"list":     []interface{}{1.0, "two", map[string]interface{}{"three": 3.0}},
		"token":    "abc",
	}
	if got := sc.Vars.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("vars differ: %s", strings.Join(pretty.Diff(got, want), "; "))
	}
}

func TestUntouchedVarsKeepConcurrentWrites(t *testing.T) {
	sc := newContext()
	sb := &Sandbox{}
	// A concurrent case writes n while the script runs.
	sb.Log = logFunc(func(format string, a ...interface{}) {
		sc.Vars.Set("n", 99)
	})
	sb.Verbosity = 2
	if err := sb.Run(context.Background(), sc, `console.log("x"); vars.other = 1;`); err != nil {
		t.Fatalf("unexpected error %s", err)
	}
	if v, _ := sc.Vars.Get("n"); v != 99 {
		t.Errorf("concurrent write lost, n=%v", v)
	}
}

type logFunc func(format string, a ...interface{})

func (f logFunc) Printf(format string, a ...interface{}) { f(format, a...) }

func TestAssertionFailure(t *testing.T) {
	sb := &Sandbox{}
	sc := newContext()
	err := sb.Run(context.Background(), sc, `vars.before = true; assert.equal(1, 2);`)
	se, ok := err.(*ScriptError)
	if !ok {
		t.Fatalf("got %T %v, want *ScriptError", err, err)
	}
	if se.Kind != KindRuntime {
		t.Errorf("got kind %s", se.Kind)
	}
	if !strings.Contains(se.Message, "1") || !strings.Contains(se.Message, "2") {
		t.Errorf("message %q lacks operands", se.Message)
	}
	if v, _ := sc.Vars.Get("before"); v != true {
		t.Errorf("mutation before the failure was lost")
	}
}

func TestAssertions(t *testing.T) {
	const xml = `<root><user id="1"><name>alice</name></user></root>`
	const page = `<html><body><div class="msg">Hello <b>World</b></div></body></html>`
	for i, tc := range []struct {
		script string
		fail   string
	}{
		{`assert(true); assert.ok(1);`, ""},
		{`assert(0, "custom");`, "custom: expected 0 to be truthy"},
		{`assert.equal("1", 1);`, ""},
		{`assert.strictEqual("1", 1);`, `expected "1" to strictly equal 1`},
		{`assert.notEqual(1, 2); assert.notStrictEqual(1, "1");`, ""},
		{`assert.deepEqual({a: [1, 2]}, {a: [1, 2]});`, ""},
		{`assert.deepEqual({a: 1}, {a: 2});`, `expected {"a":1} to deeply equal {"a":2}`},
		{`assert.notDeepEqual({a: 1}, {a: 2});`, ""},
		{`assert["in"](2, [1, 2, 3]);`, ""},
		{`assert["in"](4, [1, 2, 3]);`, "expected 4 to be in [1,2,3]"},
		{`assert.not_in(4, [1, 2, 3]);`, ""},
		{`assert.not_in({a: 1}, [{a: 1}]);`, "to not be in"},
		{`assert.exists(0); assert.not_exists(null); assert.not_exists(undefined);`, ""},
		{`assert.exists(vars.nope);`, "expected value to exist"},
		{`assert.subset([1, 3], [1, 2, 3]);`, ""},
		{`assert.subset({a: 1, b: {c: 2}}, {a: 1, b: {c: 2, d: 3}, e: 4});`, ""},
		{`assert.subset([4], [1, 2, 3]);`, "to be a subset of"},
		{`assert.match("abc-123", "^abc-[0-9]+$");`, ""},
		{`assert.match("abc", /x/);`, "to match"},
		{fmt.Sprintf(`assert.xmlEquals(%q, "//user/name", "alice");`, xml), ""},
		{fmt.Sprintf(`assert.xmlEquals(%q, "//user/@id", 2);`, xml), `expected "2", got "1"`},
		{fmt.Sprintf(`assert.xmlExists(%q, "//user/name");`, xml), ""},
		{fmt.Sprintf(`assert.xmlExists(%q, "//group");`, xml), "xpath //group not found"},
		{fmt.Sprintf(`assert.htmlExists(%q, "div.msg b");`, page), ""},
		{fmt.Sprintf(`assert.htmlExists(%q, "span");`, page), "no element matches span"},
		{`assert.jsonSchema({id: 3}, {type: "object", required: ["id"]});`, ""},
		{`assert.jsonSchema({}, {type: "object", required: ["id"]});`, "schema violation"},
	} {
		err := (&Sandbox{}).Run(context.Background(), newContext(), tc.script)
		switch {
		case tc.fail == "" && err != nil:
			t.Errorf("%d. %s: unexpected error %s", i, tc.script, err)
		case tc.fail != "" && err == nil:
			t.Errorf("%d. %s: missing error", i, tc.script)
		case tc.fail != "" && !strings.Contains(err.Error(), tc.fail):
			t.Errorf("%d. %s: got %q, want %q", i, tc.script, err, tc.fail)
		}
	}
}

func TestRewriteBeforeExecution(t *testing.T) {
	sc := newContext()
	err := (&Sandbox{}).Run(context.Background(), sc,
		`vars.url = "https://" + {{global.host}} + "/u/" + {{user}}; vars.missing = {{nope}};`)
	if err != nil {
		t.Fatalf("unexpected error %s", err)
	}
	if v, _ := sc.Vars.Get("url"); v != "https://example.org/u/alice" {
		t.Errorf("got url %v", v)
	}
	if v, _ := sc.Vars.Get("missing"); v != "__unresolved__" {
		t.Errorf("got missing %v", v)
	}
}

func TestTimeoutAndCancel(t *testing.T) {
	sb := &Sandbox{Timeout: 50 * time.Millisecond}
	start := time.Now()
	err := sb.Run(context.Background(), newContext(), `while (true) { try { vars.x = 1; } catch (e) {} }`)
	if se, ok := err.(*ScriptError); !ok || se.Kind != KindTimeout {
		t.Fatalf("got %v, want timeout", err)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("timeout took %s", d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err = (&Sandbox{Timeout: time.Minute}).Run(ctx, newContext(), `for (;;) {}`)
	if se, ok := err.(*ScriptError); !ok || se.Kind != KindCancelled {
		t.Errorf("got %v, want cancelled", err)
	}
}

func TestTimeoutInNestedHTTP(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer ts.Close()
	defer close(release)

	script := fmt.Sprintf(`try { utils.http({url: %q}); } catch (e) {} vars.after = true;`, ts.URL)

	sb := &Sandbox{Timeout: 200 * time.Millisecond}
	sc := newContext()
	start := time.Now()
	err := sb.Run(context.Background(), sc, script)
	if se, ok := err.(*ScriptError); !ok || se.Kind != KindTimeout {
		t.Errorf("got %v, want timeout", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("script with 200ms timeout ran for %s", d)
	}
	if _, ok := sc.Vars.Get("after"); ok {
		t.Errorf("script continued after its timeout")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start = time.Now()
	err = (&Sandbox{Timeout: time.Minute}).Run(ctx, newContext(), script)
	if se, ok := err.(*ScriptError); !ok || se.Kind != KindCancelled {
		t.Errorf("got %v, want cancelled", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("cancelled script ran for %s", d)
	}
}

func TestSyntaxError(t *testing.T) {
	err := (&Sandbox{}).Run(context.Background(), newContext(), `var = ;`)
	if se, ok := err.(*ScriptError); !ok || se.Kind != KindRuntime {
		t.Errorf("got %v", err)
	}
}

func TestRequestAndResponseFields(t *testing.T) {
	sc := newContext()
	sc.RequestBody = map[string]interface{}{"a": 1}
	sc.RequestHeader = map[string]string{"X-A": "1"}
	sc.Query = map[string]interface{}{"q": "x"}
	sc.Pathname = "/api/v1"
	err := (&Sandbox{}).Run(context.Background(), sc, `
requestBody.b = 2;
requestHeader["X-Sign"] = utils.md5("abc");
query.page = 3;
pathname = pathname + "/users";
if (typeof responseData !== "undefined") { throw new Error("response visible"); }
`)
	if err != nil {
		t.Fatalf("unexpected error %s", err)
	}
	if !reflect.DeepEqual(sc.RequestBody, map[string]interface{}{"a": 1.0, "b": 2.0}) {
		t.Errorf("got body %v", sc.RequestBody)
	}
	if sc.RequestHeader["X-Sign"] != "900150983cd24fb0d6963f7d28e17f72" {
		t.Errorf("got header %v", sc.RequestHeader)
	}
	if sc.Query["page"] != 3.0 || sc.Pathname != "/api/v1/users" {
		t.Errorf("got query %v, pathname %q", sc.Query, sc.Pathname)
	}

	sc.HasResponse = true
	sc.ResponseStatus = 200
	sc.ResponseData = map[string]interface{}{"items": []interface{}{1, 2}}
	sc.ResponseHeader = map[string]string{"Content-Type": "application/json"}
	err = (&Sandbox{}).Run(context.Background(), sc, `
assert.equal(responseStatus, 200);
assert.equal(responseData.items.length, 2);
vars.ct = responseHeader["Content-Type"];
responseStatus = 201;
responseData = {rewritten: true};
`)
	if err != nil {
		t.Fatalf("unexpected error %s", err)
	}
	if sc.ResponseStatus != 201 || !reflect.DeepEqual(sc.ResponseData, map[string]interface{}{"rewritten": true}) {
		t.Errorf("response not rewritten: %d %v", sc.ResponseStatus, sc.ResponseData)
	}
	if v, _ := sc.Vars.Get("ct"); v != "application/json" {
		t.Errorf("got ct %v", v)
	}
}

func TestConsoleAndStorage(t *testing.T) {
	sc := newContext()
	sc.Storage = NewStore()
	err := (&Sandbox{}).Run(context.Background(), sc, `
console.log("n is", vars.n, {a: 1});
storage.setItem("token", "xyz");
`)
	if err != nil {
		t.Fatalf("unexpected error %s", err)
	}
	if len(sc.Logs) != 1 || sc.Logs[0] != `n is 1 {"a":1}` {
		t.Errorf("got logs %q", sc.Logs)
	}

	sc2 := newContext()
	sc2.Storage = sc.Storage
	err = (&Sandbox{}).Run(context.Background(), sc2, `
vars.t = storage.getItem("token");
vars.none = storage.getItem("nope");
storage.removeItem("token");
`)
	if err != nil {
		t.Fatalf("unexpected error %s", err)
	}
	if v, _ := sc2.Vars.Get("t"); v != "xyz" {
		t.Errorf("got %v", v)
	}
	if v, ok := sc2.Vars.Get("none"); !ok || v != nil {
		t.Errorf("got %v %t", v, ok)
	}
	if sc.Storage.Len() != 0 {
		t.Errorf("storage not cleared")
	}
}

func TestUtils(t *testing.T) {
	sc := newContext()
	err := (&Sandbox{}).Run(context.Background(), sc, `
vars.sha256 = utils.sha256("abc");
vars.b64 = utils.base64Encode("hello");
vars.plain = utils.base64Decode(vars.b64);
vars.url = utils.urlEncode("a b&c");
vars.back = utils.urlDecode(vars.url);
vars.uuid = utils.uuid();
vars.ts = utils.timestamp();
var token = utils.jwtSign({sub: "alice"}, "secret");
vars.sub = utils.jwtDecode(token, "secret").sub;
vars.unverified = utils.jwtDecode(token).sub;
vars.text = utils.htmlText("<p>Hello <b>World</b></p>", "p");
vars.under = _.first([7, 8, 9]);
`)
	if err != nil {
		t.Fatalf("unexpected error %s", err)
	}
	vars := sc.Vars.Snapshot()
	for k, want := range map[string]interface{}{
		"sha256":     "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		"b64":        "aGVsbG8=",
		"plain":      "hello",
		"url":        "a+b%26c",
		"back":       "a b&c",
		"sub":        "alice",
		"unverified": "alice",
		"text":       "Hello World",
		"under":      7.0,
	} {
		if got := vars[k]; got != want {
			t.Errorf("%s: got %#v, want %#v", k, got, want)
		}
	}
	if s, _ := vars["uuid"].(string); len(s) != 36 {
		t.Errorf("bad uuid %v", vars["uuid"])
	}
	if ts, _ := vars["ts"].(float64); ts < 1e12 {
		t.Errorf("bad timestamp %v", vars["ts"])
	}

	err = (&Sandbox{}).Run(context.Background(), newContext(), `utils.jwtDecode(utils.jwtSign({}, "a"), "b");`)
	if err == nil {
		t.Errorf("missing error for wrong jwt secret")
	}
}

func TestNestedHTTP(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"method": %q, "auth": %q}`, r.Method, r.Header.Get("Authorization"))
	}))
	defer ts.Close()

	sc := newContext()
	sc.Global["api"] = ts.URL
	err := (&Sandbox{}).Run(context.Background(), sc, `
var r = utils.http({method: "post", url: global.api, headers: {Authorization: "Bearer t"}, body: {a: 1}});
assert.equal(r.status, 200);
vars.method = r.json.method;
vars.auth = r.json.auth;
`)
	if err != nil {
		t.Fatalf("unexpected error %s", err)
	}
	if v, _ := sc.Vars.Get("method"); v != "POST" {
		t.Errorf("got method %v", v)
	}
	if v, _ := sc.Vars.Get("auth"); v != "Bearer t" {
		t.Errorf("got auth %v", v)
	}
}

type fakeAgent struct {
	sets    []sqlassert.RowSet
	queries []sqlassert.AgentQuery
}

func (f *fakeAgent) Query(ctx context.Context, qs []sqlassert.AgentQuery) ([]sqlassert.RowSet, error) {
	f.queries = append(f.queries, qs...)
	return f.sets[:len(qs)], nil
}

func TestSQLAssertions(t *testing.T) {
	agent := &fakeAgent{sets: []sqlassert.RowSet{{{"name": "alice"}}, {{"n": "2"}}}}
	sb := &Sandbox{Bridge: &sqlassert.Bridge{Agent: agent}}

	sc := newContext()
	err := sb.Run(context.Background(), sc, `
vars.id = 17;
sql = [{dataSourceType: "mysql", query: "SELECT name FROM u WHERE id=${id}", fields: ["name"], expect: ["alice"]}];
`)
	if err != nil {
		t.Fatalf("unexpected error %s", err)
	}
	if len(agent.queries) != 1 || agent.queries[0].Query != "SELECT name FROM u WHERE id=17" {
		t.Errorf("got queries %v", agent.queries)
	}
	if sc.SQLAssert != nil {
		t.Errorf("queries not consumed")
	}

	sc.SQLAssert = []sqlassert.QuerySpec{
		{DataSourceType: "mysql", Query: "SELECT name", Fields: []string{"name"}, Expect: []interface{}{"alice"}},
	}
	err = sb.Run(context.Background(), sc, `sqlAssert.push({dataSourceType: "mysql", query: "SELECT n", expect: 3});`)
	se, ok := err.(*ScriptError)
	if !ok || se.Kind != KindSQL {
		t.Fatalf("got %v, want sql error", err)
	}
	if !strings.Contains(se.Message, "expected 3") || !strings.Contains(se.Message, "SELECT n") {
		t.Errorf("got message %q", se.Message)
	}

	sc.SQLAssert = []sqlassert.QuerySpec{{DataSourceType: "mysql", Query: "x"}}
	err = (&Sandbox{}).Run(context.Background(), sc, "")
	if se, ok := err.(*ScriptError); !ok || se.Kind != KindSQL {
		t.Errorf("got %v, want sql error without agent", err)
	}
}

func TestStore(t *testing.T) {
	s := NewStore()
	s.Set("b", 1)
	s.Set("a", 2)
	if got := s.Keys(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("got keys %v", got)
	}
	s.apply(map[string]interface{}{"a": 2, "b": 1}, map[string]interface{}{"a": 3})
	if got := s.Snapshot(); !reflect.DeepEqual(got, map[string]interface{}{"a": 3}) {
		t.Errorf("got %v", got)
	}
}
