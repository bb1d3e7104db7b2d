// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config reads the settings of htrun from the environment.
//
// An optional .env file is loaded first; variables already set in the
// process environment take precedence over the file.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/vdobler/htrun/errorlist"
)

// Config holds all settings.
type Config struct {
	ScriptTimeout   time.Duration // HTRUN_SCRIPT_TIMEOUT
	RequestTimeout  time.Duration // HTRUN_REQUEST_TIMEOUT
	WSSettle        time.Duration // HTRUN_WS_SETTLE
	InsecureTLS     bool          // HTRUN_INSECURE_TLS
	FollowRedirects bool          // HTRUN_FOLLOW_REDIRECTS
	AgentURL        string        // HTRUN_AGENT_URL
	AgentAddr       string        // HTRUN_AGENT_ADDR
	DataSources     string        // HTRUN_DATASOURCES
	Verbosity       int           // HTRUN_VERBOSITY
}

// Default is the configuration used for unset variables.
var Default = Config{
	ScriptTimeout:   10 * time.Second,
	RequestTimeout:  30 * time.Second,
	WSSettle:        time.Second,
	InsecureTLS:     true,
	FollowRedirects: false,
	AgentAddr:       ":9527",
	Verbosity:       1,
}

// Load reads the given env files (".env" if none) and the environment.
// Missing files are ignored. Malformed values are reported, the defaults
// are used for them.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, err
		}
	}

	c := Default
	var el errorlist.List
	c.ScriptTimeout = getDuration(&el, "HTRUN_SCRIPT_TIMEOUT", c.ScriptTimeout)
	c.RequestTimeout = getDuration(&el, "HTRUN_REQUEST_TIMEOUT", c.RequestTimeout)
	c.WSSettle = getDuration(&el, "HTRUN_WS_SETTLE", c.WSSettle)
	c.InsecureTLS = getBool(&el, "HTRUN_INSECURE_TLS", c.InsecureTLS)
	c.FollowRedirects = getBool(&el, "HTRUN_FOLLOW_REDIRECTS", c.FollowRedirects)
	c.AgentURL = getEnv("HTRUN_AGENT_URL", c.AgentURL)
	c.AgentAddr = getEnv("HTRUN_AGENT_ADDR", c.AgentAddr)
	c.DataSources = getEnv("HTRUN_DATASOURCES", c.DataSources)
	c.Verbosity = getInt(&el, "HTRUN_VERBOSITY", c.Verbosity)
	return &c, el.AsError()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(el *errorlist.List, key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*el = el.Appendf("%s: %s", key, err)
		return defaultValue
	}
	return d
}

func getBool(el *errorlist.List, key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*el = el.Appendf("%s: %s", key, err)
		return defaultValue
	}
	return b
}

func getInt(el *errorlist.List, key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*el = el.Appendf("%s: %s", key, err)
		return defaultValue
	}
	return n
}
