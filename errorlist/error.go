// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package errorlist contains a type to collect errors.
package errorlist

import (
	"fmt"
	"io"
	"strings"
)

// List is a collection of errors.
type List []error

// Append err to el. Nested lists are flattened and nil errors dropped.
func (el List) Append(err error) List {
	if err == nil {
		return el
	}
	if list, ok := err.(List); ok {
		return append(el, list...)
	}
	return append(el, err)
}

// Appendf appends a formatted error to el.
func (el List) Appendf(format string, a ...interface{}) List {
	return append(el, fmt.Errorf(format, a...))
}

// Error implements the Error method of error.
func (el List) Error() string {
	return strings.Join(el.AsStrings(), "; ")
}

// AsError returns el properly returning nil for a empty el.
func (el List) AsError() error {
	if len(el) == 0 {
		return nil
	}
	return el
}

// First returns the first error in el or nil.
func (el List) First() error {
	if len(el) == 0 {
		return nil
	}
	return el[0]
}

// AsStrings returns the error list as as string slice.
func (el List) AsStrings() []string {
	s := []string{}
	for _, e := range el {
		if nel, ok := e.(List); ok {
			s = append(s, nel.AsStrings()...)
		} else {
			s = append(s, e.Error())
		}
	}
	return s
}

// Fprint prints err to w. If err is a List each error goes on its
// own line.
func Fprint(w io.Writer, err error) {
	if err == nil {
		return
	}
	if el, ok := err.(List); ok {
		for _, msg := range el.AsStrings() {
			fmt.Fprintln(w, msg)
		}
	} else {
		fmt.Fprintln(w, err.Error())
	}
}
