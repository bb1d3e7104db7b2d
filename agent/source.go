// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package agent

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/vdobler/htrun/sqlassert"
)

// Source is something which can answer SQL queries.
type Source interface {
	Query(ctx context.Context, query string) (sqlassert.RowSet, error)
}

// DataSource is a named Source of a certain type, e.g. "mysql".
type DataSource struct {
	Name   string
	Type   string
	Source Source
}

// DBSource is a Source backed by a database/sql handle.
type DBSource struct {
	DB *sql.DB
}

// SupportedTypes lists the data source types Open can handle.
var SupportedTypes = []string{"mysql"}

// Open a data source of the given type. The connection is established
// lazily on the first query.
func Open(typ, dsn string) (*DBSource, error) {
	supported := false
	for _, t := range SupportedTypes {
		if t == typ {
			supported = true
		}
	}
	if !supported {
		return nil, fmt.Errorf("agent: unsupported data source type %q", typ)
	}
	db, err := sql.Open(typ, dsn)
	if err != nil {
		return nil, err
	}
	return &DBSource{DB: db}, nil
}

// Query implements Source. Every row is returned as a column to value map.
// Byte slices are converted to strings.
func (s *DBSource) Query(ctx context.Context, query string) (sqlassert.RowSet, error) {
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	set := sqlassert.RowSet{}
	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		set = append(set, row)
	}
	return set, rows.Err()
}

// Close the underlying database handle.
func (s *DBSource) Close() error {
	return s.DB.Close()
}

// SourceConfig describes a data source before it is opened.
type SourceConfig struct {
	Name string
	Type string
	DSN  string
}

// ParseDataSources parses a list of data sources in the form
//     name=type:dsn;name=type:dsn
// e.g. "orders=mysql:user:pw@tcp(db:3306)/orders".
func ParseDataSources(s string) ([]SourceConfig, error) {
	var configs []SourceConfig
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.Index(part, "=")
		if eq <= 0 {
			return nil, fmt.Errorf("agent: malformed data source %q, want name=type:dsn", part)
		}
		name := strings.TrimSpace(part[:eq])
		rest := part[eq+1:]
		colon := strings.Index(rest, ":")
		if colon <= 0 {
			return nil, fmt.Errorf("agent: malformed data source %q, want name=type:dsn", part)
		}
		if seen[name] {
			return nil, fmt.Errorf("agent: duplicate data source %q", name)
		}
		seen[name] = true
		configs = append(configs, SourceConfig{Name: name, Type: rest[:colon], DSN: rest[colon+1:]})
	}
	return configs, nil
}

// OpenAll opens all configured data sources.
func OpenAll(configs []SourceConfig) ([]DataSource, error) {
	var sources []DataSource
	for _, c := range configs {
		src, err := Open(c.Type, c.DSN)
		if err != nil {
			for _, s := range sources {
				s.Source.(*DBSource).Close()
			}
			return nil, fmt.Errorf("agent: data source %s: %s", c.Name, err)
		}
		sources = append(sources, DataSource{Name: c.Name, Type: c.Type, Source: src})
	}
	return sources, nil
}
