// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newEchoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.TextMessage, []byte("hello"))
		ws.WriteMessage(websocket.TextMessage, []byte("room="+r.URL.Query().Get("room")))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestConnectReadDisconnect(t *testing.T) {
	ts := newEchoServer(t)
	defer ts.Close()

	pool := NewPool(false)
	id, err := pool.Connect(context.Background(), wsURL(ts),
		map[string]string{"X-Token": "secret"}, url.Values{"room": {"r1"}})
	if err != nil {
		t.Fatalf("unexpected error %s", err)
	}

	var msg string
	var ok bool
	for i := 0; i < 100; i++ {
		time.Sleep(10 * time.Millisecond)
		if msg, ok = pool.ReadLastMessage(id); ok && msg != "hello" {
			break
		}
	}
	if !ok || msg != "room=r1" {
		t.Errorf("got %q %t", msg, ok)
	}

	if pool.Len() != 1 {
		t.Errorf("got %d connections", pool.Len())
	}
	if err := pool.Disconnect(id); err != nil {
		t.Errorf("unexpected error %s", err)
	}
	if pool.Len() != 0 {
		t.Errorf("connection not removed")
	}
	if _, ok := pool.ReadLastMessage(id); ok {
		t.Errorf("message of closed connection")
	}
	if err := pool.Disconnect(id); err == nil {
		t.Errorf("missing error for unknown id")
	}
}

func TestHandshakeFailure(t *testing.T) {
	ts := newEchoServer(t)
	defer ts.Close()

	pool := NewPool(false)
	_, err := pool.Connect(context.Background(), wsURL(ts), nil, nil)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("got %v", err)
	}
}

func TestClose(t *testing.T) {
	ts := newEchoServer(t)
	defer ts.Close()

	pool := NewPool(false)
	for i := 0; i < 3; i++ {
		if _, err := pool.Connect(context.Background(), wsURL(ts), map[string]string{"X-Token": "secret"}, nil); err != nil {
			t.Fatalf("unexpected error %s", err)
		}
	}
	pool.Close()
	if pool.Len() != 0 {
		t.Errorf("got %d connections after Close", pool.Len())
	}
}
