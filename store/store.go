// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package store reads project definitions from disk and writes run
// reports.
//
// A project file is YAML (.yaml, .yml) or JSON/Hjson (.json, .hjson).
// Durations are written as strings like "500ms" or "2s".
package store

import (
	"fmt"
	"io/ioutil"
	"path"
	"path/filepath"
	"strings"

	"github.com/hjson/hjson-go/v4"
	"github.com/vdobler/htrun/collection"
	"github.com/vdobler/htrun/errorlist"
	"github.com/vdobler/htrun/model"
	"gopkg.in/yaml.v3"
)

// Project is the unit of persistence: environments plus collections.
type Project struct {
	Name         string              `json:"name" yaml:"name"`
	Environments []model.Environment `json:"environments" yaml:"environments"`
	Collections  []*Collection       `json:"collections" yaml:"collections"`

	// Agent is the URL of the SQL query agent used for SQL assertions.
	Agent string `json:"agent,omitempty" yaml:"agent,omitempty"`
}

// Collection is an ordered list of cases with run settings.
type Collection struct {
	ID       string              `json:"id" yaml:"id"`
	Name     string              `json:"name" yaml:"name"`
	Settings collection.Settings `json:"settings" yaml:"settings"`
	Cases    []*model.Case       `json:"cases" yaml:"cases"`
}

// Load reads the project stored in filename.
func Load(filename string) (*Project, error) {
	filename = path.Clean(filepath.ToSlash(filename))
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var p Project
	switch ext := strings.ToLower(path.Ext(filename)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &p)
	case ".json", ".hjson":
		err = decodeHjson(data, &p)
	default:
		return nil, fmt.Errorf("file %s: unknown format %q", filename, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("file %s: %s", filename, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("file %s: %s", filename, err)
	}
	return &p, nil
}

// decodeHjson decodes data into x. The generic soup is handed to the
// YAML decoder so both formats share one set of field rules.
func decodeHjson(data []byte, x interface{}) error {
	var soup interface{}
	if err := hjson.Unmarshal(data, &soup); err != nil {
		return fmt.Errorf("not valid hjson: %s", err)
	}
	if _, ok := soup.(map[string]interface{}); !ok {
		return fmt.Errorf("not an object (got %T)", soup)
	}
	buf, err := yaml.Marshal(soup)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(buf, x)
}

func (p *Project) validate() error {
	var el errorlist.List
	seen := make(map[string]bool)
	for i, c := range p.Collections {
		if c == nil {
			el = el.Appendf("collection %d is empty", i+1)
			continue
		}
		if c.ID == "" {
			el = el.Appendf("collection %d has no id", i+1)
		} else if seen[c.ID] {
			el = el.Appendf("duplicate collection id %q", c.ID)
		}
		seen[c.ID] = true
		cases := make(map[string]bool)
		for j, tc := range c.Cases {
			switch {
			case tc == nil:
				el = el.Appendf("collection %s: case %d is empty", c.ID, j+1)
			case tc.ID == "":
				el = el.Appendf("collection %s: case %d has no id", c.ID, j+1)
			case cases[tc.ID]:
				el = el.Appendf("collection %s: duplicate case id %q", c.ID, tc.ID)
			default:
				cases[tc.ID] = true
			}
		}
	}
	return el.AsError()
}

// Collection returns the collection with the given id. An empty id
// selects the first collection.
func (p *Project) Collection(id string) (*Collection, error) {
	if len(p.Collections) == 0 {
		return nil, fmt.Errorf("project %q has no collections", p.Name)
	}
	if id == "" {
		return p.Collections[0], nil
	}
	for _, c := range p.Collections {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no collection %q in project %q", id, p.Name)
}

// Select returns the cases with the given ids in collection order. No ids
// selects all cases.
func (c *Collection) Select(ids []string) ([]*model.Case, error) {
	if len(ids) == 0 {
		return c.Cases, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var cases []*model.Case
	for _, tc := range c.Cases {
		if want[tc.ID] {
			cases = append(cases, tc)
			delete(want, tc.ID)
		}
	}
	var el errorlist.List
	for _, id := range ids {
		if want[id] {
			el = el.Appendf("no case %q in collection %q", id, c.ID)
			delete(want, id)
		}
	}
	if err := el.AsError(); err != nil {
		return nil, err
	}
	return cases, nil
}
