// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dispatch sends one resolved request and runs the scripts around
// it.
//
// A case moves through the following states:
//     PENDING  pre_request script; changes to URL and headers are dropped
//              pre script; changes to URL, headers and body are applied
//     SENT     the request is sent over HTTP or WebSocket
//     DONE     after script, may rewrite status, header and body
//              test script and SQL assertions
// A transport failure ends the case with code 400, a failing script or
// assertion with code 1. A non-2xx status is just data. Cancellation of
// the context ends the case with CodeCancelled at any point.
package dispatch

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vdobler/htrun/model"
	"github.com/vdobler/htrun/request"
	"github.com/vdobler/htrun/sandbox"
	"github.com/vdobler/htrun/sqlassert"
	"github.com/vdobler/htrun/wsclient"
)

// Log is the logging interface of a Dispatcher.
type Log interface {
	Printf(format string, a ...interface{})
}

// ErrCancelled is reported for cases cancelled before they completed.
var ErrCancelled = errors.New("cancelled")

// TransportError is a network level failure to send a request or to
// receive its response.
type TransportError struct {
	URL string
	Err error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("transport error for %s: %s", e.URL, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }

// Scripts are the scripts of one case.
type Scripts struct {
	PreRequest string
	Pre        string
	After      string
	Test       string

	// SQLAssert are evaluated together with the test script.
	SQLAssert []sqlassert.QuerySpec
}

// Dispatcher sends requests.
type Dispatcher struct {
	Client  *http.Client
	WS      *wsclient.Pool
	Sandbox *sandbox.Sandbox

	// SettleDelay is the time to wait for messages on a WebSocket
	// before the last one is read.
	SettleDelay time.Duration

	// Timeout of a request if the case has none. Zero means none.
	Timeout time.Duration

	Log       Log
	Verbosity int
}

var errRedirectNofollow = errors.New("we do not follow redirects")

func dontFollowRedirects(*http.Request, []*http.Request) error {
	return errRedirectNofollow
}

// NewClient returns a HTTP client which optionally follows redirects and
// skips TLS certificate verification.
func NewClient(followRedirects, insecure bool) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: insecure,
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	client := &http.Client{Transport: transport}
	if !followRedirects {
		client.CheckRedirect = dontFollowRedirects
	}
	return client
}

func (d *Dispatcher) infof(format string, v ...interface{}) {
	if d.Log != nil && d.Verbosity >= 1 {
		d.Log.Printf("INFO  "+format, v...)
	}
}

func (d *Dispatcher) debugf(format string, v ...interface{}) {
	if d.Log != nil && d.Verbosity >= 2 {
		d.Log.Printf("DEBUG "+format, v...)
	}
}

// response is the normalised outcome of either transport.
type response struct {
	status     int
	statusText string
	header     map[string]string
	body       interface{}
}

// Dispatch executes desc. Scripts run in sc whose Vars, Global, Records
// and Storage must be set by the caller; the request fields are filled
// from desc. Dispatch always returns a result.
func (d *Dispatcher) Dispatch(ctx context.Context, desc *request.Descriptor, scripts Scripts, sc *sandbox.Context) *model.TestResult {
	start := time.Now()
	tr := &model.TestResult{ID: desc.CaseID, CaseID: desc.CaseID, ValidRes: []model.ValidMessage{}}
	defer func() {
		tr.ExecutionTime = time.Since(start)
		tr.Logs = sc.Logs
		tr.Params = desc
	}()

	d.loadRequest(desc, sc)

	// pre_request: request line and headers are restored afterwards.
	if scripts.PreRequest != "" {
		pathname, query, header := sc.Pathname, sc.Query, sc.RequestHeader
		err := d.sandbox().Run(ctx, sc, scripts.PreRequest)
		sc.Pathname, sc.Query, sc.RequestHeader = pathname, query, header
		if err != nil {
			return d.scriptFailed(tr, "pre_request script", err)
		}
	}
	if scripts.Pre != "" {
		if err := d.sandbox().Run(ctx, sc, scripts.Pre); err != nil {
			return d.scriptFailed(tr, "pre script", err)
		}
	}
	if err := d.storeRequest(desc, sc); err != nil {
		tr.Code = model.CodeError
		tr.AddMessage(err.Error(), nil)
		return tr
	}

	if ctx.Err() != nil {
		return cancelled(tr)
	}

	var resp *response
	var err error
	if desc.WS {
		resp, err = d.sendWS(ctx, desc)
	} else {
		resp, err = d.sendHTTP(ctx, desc)
	}
	if err != nil {
		if err == ErrCancelled || ctx.Err() != nil {
			return cancelled(tr)
		}
		d.infof("case %s: %s", desc.CaseID, err)
		tr.Code = model.CodeError
		tr.StatusText = err.Error()
		tr.AddMessage(err.Error(), nil)
		return tr
	}
	tr.Status, tr.StatusText = resp.status, resp.statusText
	tr.Header, tr.Body = resp.header, resp.body

	sc.HasResponse = true
	sc.ResponseStatus, sc.ResponseHeader, sc.ResponseData = resp.status, resp.header, resp.body
	if scripts.After != "" {
		err := d.sandbox().Run(ctx, sc, scripts.After)
		tr.Status, tr.Header, tr.Body = sc.ResponseStatus, sc.ResponseHeader, sc.ResponseData
		if err != nil {
			return d.scriptFailed(tr, "after script", err)
		}
	}

	sc.SQLAssert = scripts.SQLAssert
	if scripts.Test != "" || len(sc.SQLAssert) > 0 {
		if err := d.sandbox().Run(ctx, sc, scripts.Test); err != nil {
			return d.scriptFailed(tr, "test", err)
		}
	}

	tr.Code = model.CodeOK
	tr.AddMessage("passed", nil)
	return tr
}

func (d *Dispatcher) sandbox() *sandbox.Sandbox {
	if d.Sandbox == nil {
		return &sandbox.Sandbox{Log: d.Log, Verbosity: d.Verbosity}
	}
	return d.Sandbox
}

func cancelled(tr *model.TestResult) *model.TestResult {
	tr.Code = model.CodeCancelled
	tr.Cancelled = true
	tr.StatusText = ErrCancelled.Error()
	tr.AddMessage(ErrCancelled.Error(), nil)
	return tr
}

func (d *Dispatcher) scriptFailed(tr *model.TestResult, phase string, err error) *model.TestResult {
	if se, ok := err.(*sandbox.ScriptError); ok && se.Kind == sandbox.KindCancelled {
		return cancelled(tr)
	}
	d.debugf("case %s: %s failed: %s", tr.CaseID, phase, err)
	tr.Code = model.CodeFail
	tr.AddMessage(fmt.Sprintf("%s: %s", phase, err), nil)
	return tr
}

// loadRequest exposes the request parts of desc to scripts.
func (d *Dispatcher) loadRequest(desc *request.Descriptor, sc *sandbox.Context) {
	sc.Pathname = desc.Pathname
	sc.Query = make(map[string]interface{}, len(desc.Query))
	for name, values := range desc.Query {
		if len(values) == 1 {
			sc.Query[name] = values[0]
		} else {
			list := make([]interface{}, len(values))
			for i, v := range values {
				list[i] = v
			}
			sc.Query[name] = list
		}
	}
	sc.RequestHeader = make(map[string]string, len(desc.Header))
	for k, v := range desc.Header {
		sc.RequestHeader[k] = v
	}
	sc.RequestBody = desc.Data
}

// storeRequest applies script changes of the request parts to desc.
func (d *Dispatcher) storeRequest(desc *request.Descriptor, sc *sandbox.Context) error {
	desc.Pathname = sc.Pathname
	desc.Query = url.Values{}
	for name, v := range sc.Query {
		switch x := v.(type) {
		case []interface{}:
			for _, e := range x {
				desc.Query.Add(name, formatValue(e))
			}
		case []string:
			desc.Query[name] = append(desc.Query[name], x...)
		default:
			desc.Query.Set(name, formatValue(x))
		}
	}
	desc.Header = make(map[string]string, len(sc.RequestHeader))
	for k, v := range sc.RequestHeader {
		desc.Header[http.CanonicalHeaderKey(k)] = v
	}
	if desc.BodyType == request.BodyForm {
		if _, ok := sc.RequestBody.([]request.FormEntry); !ok && sc.RequestBody != nil {
			// Scripts hand back a generic representation.
			buf, err := json.Marshal(sc.RequestBody)
			if err != nil {
				return fmt.Errorf("form body: %s", err)
			}
			var form []request.FormEntry
			if err := json.Unmarshal(buf, &form); err != nil {
				return fmt.Errorf("form body modified into unusable shape: %s", err)
			}
			sc.RequestBody = form
		}
	}
	desc.Data = sc.RequestBody
	return nil
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func (d *Dispatcher) sendHTTP(ctx context.Context, desc *request.Descriptor) (*response, error) {
	rawurl := desc.URL()
	body, ct, err := desc.Encode()
	if err != nil {
		return nil, err
	}
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(desc.Method, rawurl, bodyReader)
	if err != nil {
		return nil, TransportError{URL: rawurl, Err: err}
	}
	for k, v := range desc.Header {
		req.Header.Set(k, v)
	}
	if ct != "" && (req.Header.Get("Content-Type") == "" || strings.HasPrefix(ct, "multipart/")) {
		req.Header.Set("Content-Type", ct)
	}

	timeout := desc.Timeout
	if timeout == 0 {
		timeout = d.Timeout
	}
	rctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req = req.WithContext(rctx)

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	d.infof("%s %s", desc.Method, rawurl)
	start := time.Now()
	resp, err := client.Do(req)
	abortedRedirection := false
	if ue, ok := err.(*url.Error); ok && ue.Err == errRedirectNofollow {
		err = nil
		abortedRedirection = true
		d.debugf("aborted redirect chain")
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, TransportError{URL: rawurl, Err: err}
	}
	defer resp.Body.Close()

	r := &response{
		status:     resp.StatusCode,
		statusText: strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))),
		header:     flattenHeader(resp.Header),
	}
	if desc.Method == http.MethodHead || abortedRedirection {
		return r, nil
	}

	var reader io.ReadCloser
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		reader, err = gzip.NewReader(resp.Body)
		if err != nil {
			return nil, TransportError{URL: rawurl, Err: err}
		}
		defer reader.Close()
		d.debugf("unzipping gzip body")
	default:
		reader = resp.Body
	}
	raw, err := ioutil.ReadAll(reader)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, TransportError{URL: rawurl, Err: err}
	}
	r.body = decodeBody(raw, resp.Header.Get("Content-Type"))
	d.debugf("request took %s, status %d", time.Since(start), resp.StatusCode)
	return r, nil
}

func (d *Dispatcher) sendWS(ctx context.Context, desc *request.Descriptor) (*response, error) {
	if d.WS == nil {
		return nil, fmt.Errorf("no websocket transport configured")
	}
	rawurl := desc.URL()
	d.infof("WS %s", rawurl)
	id, err := d.WS.Connect(ctx, rawurl, desc.Header, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, TransportError{URL: rawurl, Err: err}
	}
	defer d.WS.Disconnect(id)

	if d.SettleDelay > 0 {
		timer := time.NewTimer(d.SettleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		case <-timer.C:
		}
	}

	r := &response{
		status:     http.StatusSwitchingProtocols,
		statusText: http.StatusText(http.StatusSwitchingProtocols),
		header:     map[string]string{},
	}
	if msg, ok := d.WS.ReadLastMessage(id); ok {
		r.body = decodeBody([]byte(msg), "")
	}
	return r, nil
}

func flattenHeader(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for k, v := range h {
		m[k] = strings.Join(v, ", ")
	}
	return m
}

// decodeBody returns JSON bodies as native values and everything else as
// a string.
func decodeBody(raw []byte, contentType string) interface{} {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return string(raw)
	}
	if strings.Contains(contentType, "json") || s[0] == '{' || s[0] == '[' {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}
