// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wsclient keeps WebSocket connections opened by test cases.
//
// A connection is identified by an id handed out by Connect. A reader
// goroutine per connection keeps only the last message received; callers
// wait a settle delay and then pick it up with ReadLastMessage.
package wsclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Log is the logging interface of a Pool.
type Log interface {
	Printf(format string, a ...interface{})
}

// Pool is a set of open WebSocket connections.
type Pool struct {
	Dialer *websocket.Dialer

	Log       Log
	Verbosity int

	mu    sync.Mutex
	conns map[string]*conn
}

type conn struct {
	ws   *websocket.Conn
	done chan struct{}

	mu   sync.Mutex
	last string
	has  bool
	err  error
}

// NewPool returns a pool whose dialer optionally skips TLS verification.
func NewPool(insecure bool) *Pool {
	return &Pool{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: insecure},
		},
	}
}

func (p *Pool) debugf(format string, v ...interface{}) {
	if p.Log != nil && p.Verbosity >= 2 {
		p.Log.Printf("DEBUG "+format, v...)
	}
}

// Connect dials rawurl with the given headers and additional query
// parameters and returns the id of the new connection.
func (p *Pool) Connect(ctx context.Context, rawurl string, header map[string]string, query url.Values) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", fmt.Errorf("wsclient: %s", err)
	}
	if len(query) > 0 {
		q := u.Query()
		for name, values := range query {
			for _, v := range values {
				q.Add(name, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	h := http.Header{}
	for k, v := range header {
		h.Set(k, v)
	}

	dialer := p.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), h)
	if err != nil {
		if resp != nil {
			return "", fmt.Errorf("wsclient: handshake with %s failed: %s (%s)", u, err, resp.Status)
		}
		return "", fmt.Errorf("wsclient: cannot connect to %s: %s", u, err)
	}

	id := uuid.New().String()
	c := &conn{ws: ws, done: make(chan struct{})}
	p.mu.Lock()
	if p.conns == nil {
		p.conns = make(map[string]*conn)
	}
	p.conns[id] = c
	p.mu.Unlock()
	p.debugf("websocket %s connected to %s", id, u)

	go c.read()
	return id, nil
}

func (c *conn) read() {
	defer close(c.done)
	for {
		_, msg, err := c.ws.ReadMessage()
		c.mu.Lock()
		if err != nil {
			c.err = err
			c.mu.Unlock()
			return
		}
		c.last, c.has = string(msg), true
		c.mu.Unlock()
	}
}

func (p *Pool) get(id string) *conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[id]
}

// ReadLastMessage returns the last message received on connection id.
// The boolean is false if nothing was received or id is unknown.
func (p *Pool) ReadLastMessage(id string) (string, bool) {
	c := p.get(id)
	if c == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.has
}

// Disconnect closes connection id.
func (p *Pool) Disconnect(id string) error {
	p.mu.Lock()
	c := p.conns[id]
	delete(p.conns, id)
	p.mu.Unlock()
	if c == nil {
		return fmt.Errorf("wsclient: no connection %s", id)
	}
	p.debugf("websocket %s disconnecting", id)
	deadline := time.Now().Add(time.Second)
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := c.ws.Close()
	<-c.done
	return err
}

// Len returns the number of open connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close disconnects all connections.
func (p *Pool) Close() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.Disconnect(id)
	}
}
