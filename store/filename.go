// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var letterReplacer = strings.NewReplacer(
	"ä", "ae", "Ä", "Ae", "ö", "oe", "Ö", "Oe", "ü", "ue", "Ü", "Ue",
	"ß", "ss", "&", "_and_", "+", "_plus_", "@", "_at_",
)

// Filename turns name into something usable as a file name on all
// platforms: ASCII letters, digits and "-._" only.
func Filename(name string) string {
	name = letterReplacer.Replace(name)
	name = norm.NFD.String(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsMark(r):
			// Accents of decomposed letters.
		case r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '.' || r == '_'):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name = b.String()
	for strings.Contains(name, "__") {
		name = strings.Replace(name, "__", "_", -1)
	}
	return strings.Trim(name, "_-.")
}

// ReportFilename is the default name of the report of a run of the named
// collection, e.g. "Smoke_tests-1c9e4f.json".
func ReportFilename(collection, runID, ext string) string {
	base := Filename(collection)
	if base == "" {
		base = "report"
	}
	if len(runID) > 8 {
		runID = runID[:8]
	}
	if runID != "" {
		base += "-" + Filename(runID)
	}
	return base + "." + strings.TrimPrefix(ext, ".")
}
