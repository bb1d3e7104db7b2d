// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/vdobler/htrun/request"
)

func escapeForBash(s string) string {
	// Single quotes preserve everything in bash but may not appear
	// inside single quoted strings, so concatenate:
	//     foo'bar  -->  'foo'"'"'bar'
	parts := strings.Split(s, "'")
	for i, p := range parts {
		parts[i] = "'" + p + "'"
	}
	return strings.Join(parts, `"'"`)
}

func nontrivialData(s string) bool {
	for _, r := range s {
		if r < ' ' || r == 127 {
			return true
		}
	}
	return false
}

// CurlCommand returns a bash command line calling curl which sends the
// same request as desc. WebSocket requests yield the empty string.
func CurlCommand(desc *request.Descriptor, insecure bool) string {
	if desc.WS {
		return ""
	}
	call := "curl"

	body := ""
	var form []request.FormEntry
	if desc.BodyType == request.BodyForm {
		form, _ = desc.Data.([]request.FormEntry)
	} else if raw, _, err := desc.Encode(); err == nil {
		body = string(raw)
	}

	nontrivial := nontrivialData(body)
	if nontrivial {
		// Hard to escape bodies go through a temporary file:
		//     tmp=$(mktemp)
		//     printf "\x12\x19\x00" > $tmp
		//     curl --data-binary "@$tmp"
		buf := &bytes.Buffer{}
		p := make([]byte, 4)
		for _, r := range body {
			if r >= ' ' && r <= '~' && !(r == '"' || r == '\'' || r == '\\') {
				buf.WriteRune(r)
			} else {
				buf.WriteString(`\x`)
				n := utf8.EncodeRune(p, r)
				for _, b := range p[:n] {
					fmt.Fprintf(buf, "%02x", b)
				}
			}
		}
		call = "tmp=$(mktemp)\n" + `printf "` + buf.String() + `" > $tmp` + "\ncurl"
	}
	if insecure {
		call += " -k"
	}
	call += " -X " + desc.Method

	names := make([]string, 0, len(desc.Header))
	for name := range desc.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		call += " -H " + escapeForBash(name+": "+desc.Header[name])
	}

	multipart := false
	for _, e := range form {
		if e.File != nil {
			multipart = true
		}
	}
	for _, e := range form {
		switch {
		case e.File != nil:
			call += " -F " + escapeForBash(e.Name+"=@"+e.File.Name)
		case multipart:
			call += " -F " + escapeForBash(e.Name+"="+e.Value)
		default:
			call += " --data-urlencode " + escapeForBash(e.Name+"="+e.Value)
		}
	}

	if body != "" {
		if nontrivial {
			call += ` --data-binary "@$tmp"`
		} else {
			call += " --data-binary " + escapeForBash(body)
		}
	}

	return call + " " + escapeForBash(desc.URL())
}
