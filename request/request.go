// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package request turns a case definition into a fully resolved request
// descriptor.
//
// Building a request never mutates the case. All {{...}} placeholders in
// the path, parameters, headers and body are resolved against a
// resolver.Context; unresolved placeholders stay verbatim.
package request

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hjson/hjson-go/v4"
	"github.com/vdobler/htrun/model"
	"github.com/vdobler/htrun/resolver"
)

// Body types.
const (
	BodyForm = "form"
	BodyJSON = "json"
	BodyXML  = "xml"
	BodyText = "text"
	BodyRaw  = "raw"
)

// FileEntry is an uploaded file of a form body.
type FileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
	Data string `json:"data"` // base64 encoded content
}

// FormEntry is one field of a form body. File is nil for text fields.
type FormEntry struct {
	Name  string     `json:"name"`
	Value string     `json:"value,omitempty"`
	File  *FileEntry `json:"file,omitempty"`
}

// Descriptor is a fully resolved request.
type Descriptor struct {
	CaseID string `json:"caseId"`
	Method string `json:"method"`

	// Origin is scheme and host, Pathname the decoded path and Query the
	// query parameters of the request URL. RawPath keeps the original
	// encoding of Pathname, e.g. an escaped slash.
	Origin   string     `json:"origin"`
	Pathname string     `json:"pathname"`
	RawPath  string     `json:"rawPath,omitempty"`
	Query    url.Values `json:"query,omitempty"`

	Header map[string]string `json:"header,omitempty"`

	// BodyType is the effective body type after reclassification of raw
	// bodies. Data is []FormEntry for form bodies, the resolved value for
	// JSON bodies (or the unparsable text) and a string otherwise.
	BodyType string      `json:"bodyType,omitempty"`
	Data     interface{} `json:"data,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`

	// WS marks a WebSocket request; such requests have no body.
	WS bool `json:"ws,omitempty"`
}

// URL returns the full request URL. RawPath is used only while it still
// encodes Pathname.
func (d *Descriptor) URL() string {
	s := d.Origin + (&url.URL{Path: d.Pathname, RawPath: d.RawPath}).EscapedPath()
	if len(d.Query) > 0 {
		s += "?" + d.Query.Encode()
	}
	return s
}

// Build resolves c against env. Placeholders are resolved with rctx which
// should carry the environment's globals; env may be nil.
func Build(c *model.Case, env *model.Environment, rctx *resolver.Context) (*Descriptor, error) {
	d := &Descriptor{
		CaseID:  c.ID,
		Method:  strings.ToUpper(c.Method),
		Timeout: c.Timeout,
		WS:      c.IsWS(),
	}
	if d.Method == "" {
		d.Method = http.MethodGet
	}

	domain := ""
	if env != nil {
		domain = withScheme(strings.TrimSpace(env.Domain))
	}
	path := substitutePathParams(resolver.ResolveToString(c.Path, rctx), c.ReqParams, rctx)
	u, err := url.Parse(join(domain, path))
	if err != nil {
		return nil, fmt.Errorf("request: case %s: malformed url: %s", c.ID, err)
	}
	if domain != "" && u.Host == "" {
		return nil, fmt.Errorf("request: case %s: domain %q has no host", c.ID, env.Domain)
	}
	if d.WS {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
	}
	if u.Host != "" {
		d.Origin = u.Scheme + "://" + u.Host
	}
	d.Pathname, d.RawPath = u.Path, u.RawPath
	d.Query = u.Query()
	for _, p := range c.ReqQuery {
		if !p.Active() || p.Name == "" {
			continue
		}
		d.Query.Add(p.Name, resolver.ResolveToString(p.Value, rctx))
	}

	d.Header = make(map[string]string)
	if env != nil {
		addHeaders(d.Header, env.Header, rctx)
	}
	addHeaders(d.Header, c.ReqHeaders, rctx)

	if d.WS {
		return d, nil
	}

	d.BodyType = effectiveBodyType(c.ReqBodyType, d.Header["Content-Type"])
	switch d.BodyType {
	case "":
	case BodyForm:
		form, err := buildForm(c, rctx)
		if err != nil {
			return nil, fmt.Errorf("request: case %s: %s", c.ID, err)
		}
		d.Data = form
	case BodyJSON:
		d.Data = buildJSON(c.ReqBodyOther, rctx)
	default:
		d.Data = resolver.ResolveToString(c.ReqBodyOther, rctx)
	}
	return d, nil
}

// withScheme prefixes a domain given as bare host[:port] with http://.
func withScheme(domain string) string {
	if domain == "" || strings.Contains(domain, "://") {
		return domain
	}
	return "http://" + strings.TrimLeft(domain, "/")
}

// join concatenates domain and path with exactly one slash.
func join(domain, path string) string {
	switch {
	case domain == "":
		return path
	case path == "":
		return domain
	}
	return strings.TrimRight(domain, "/") + "/" + strings.TrimLeft(path, "/")
}

var (
	colonParamRe = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)
	braceParamRe = regexp.MustCompile(`\{+[A-Za-z_][A-Za-z0-9_.-]*\}+`)
)

// substitutePathParams replaces :name and {name} by the path escaped value
// of the active path parameter name. Tokens without parameter stay.
func substitutePathParams(path string, params []model.ParameterItem, rctx *resolver.Context) string {
	values := make(map[string]string)
	for _, p := range params {
		if p.Name != "" && p.Active() {
			values[p.Name] = url.PathEscape(resolver.ResolveToString(p.Value, rctx))
		}
	}
	if len(values) == 0 {
		return path
	}
	path = braceParamRe.ReplaceAllStringFunc(path, func(m string) string {
		if strings.HasPrefix(m, "{{") || strings.HasSuffix(m, "}}") {
			return m
		}
		if v, ok := values[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
	return colonParamRe.ReplaceAllStringFunc(path, func(m string) string {
		if v, ok := values[m[1:]]; ok {
			return v
		}
		return m
	})
}

// addHeaders adds the active items to h. Later entries win; names are
// compared case-insensitively.
func addHeaders(h map[string]string, items []model.ParameterItem, rctx *resolver.Context) {
	for _, p := range items {
		if !p.Active() || p.Name == "" {
			continue
		}
		h[http.CanonicalHeaderKey(p.Name)] = resolver.ResolveToString(p.Value, rctx)
	}
}

// effectiveBodyType reclassifies raw bodies sent as form or JSON.
func effectiveBodyType(declared, contentType string) string {
	bt := strings.ToLower(strings.TrimSpace(declared))
	if bt != BodyRaw {
		return bt
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "application/x-www-form-urlencoded"):
		return BodyForm
	case strings.Contains(ct, "application/json"):
		return BodyJSON
	}
	return bt
}

func buildForm(c *model.Case, rctx *resolver.Context) ([]FormEntry, error) {
	form := []FormEntry{}
	items := c.ReqBodyForm
	if len(items) == 0 && strings.TrimSpace(c.ReqBodyOther) != "" {
		// A raw body reclassified as form.
		values, err := url.ParseQuery(strings.TrimSpace(c.ReqBodyOther))
		if err != nil {
			return nil, fmt.Errorf("malformed form body: %s", err)
		}
		names := make([]string, 0, len(values))
		for name := range values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			for _, v := range values[name] {
				items = append(items, model.ParameterItem{Name: name, Value: v, Enable: true})
			}
		}
	}
	for _, p := range items {
		if !p.Active() || p.Name == "" {
			continue
		}
		if p.IsFile() {
			file, err := LoadFile(resolver.ResolveToString(p.Value, rctx))
			if err != nil {
				return nil, fmt.Errorf("form field %s: %s", p.Name, err)
			}
			form = append(form, FormEntry{Name: p.Name, File: file})
			continue
		}
		form = append(form, FormEntry{Name: p.Name, Value: resolver.ResolveToString(p.Value, rctx)})
	}
	return form, nil
}

// buildJSON parses body permissively and resolves all leaf values. Text
// which cannot be parsed is returned unchanged.
func buildJSON(body string, rctx *resolver.Context) interface{} {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	var v interface{}
	if err := hjson.Unmarshal([]byte(body), &v); err != nil {
		return body
	}
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return resolver.Resolve(v, rctx)
	}
	// hjson accepts quoteless text; such bodies are not JSON.
	return body
}
