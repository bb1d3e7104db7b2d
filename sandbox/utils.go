// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sandbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func digest(algo, s string) (string, error) {
	var h hash.Hash
	switch algo {
	case "md5":
		h = md5.New()
	case "sha1":
		h = sha1.New()
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return "", fmt.Errorf("unknown digest %q", algo)
	}
	io.WriteString(h, s)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hmacSha256(key, msg string) string {
	mac := hmac.New(sha256.New, []byte(key))
	io.WriteString(mac, msg)
	return hex.EncodeToString(mac.Sum(nil))
}

func base64Decode(s string) (string, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return string(b), nil
		}
	}
	return "", fmt.Errorf("malformed base64 %q", s)
}

func newUUID() string {
	return uuid.New().String()
}

// jwtSign signs the JSON encoded claims with HS256.
func jwtSign(claimsJSON, secret string) (string, error) {
	claims := jwt.MapClaims{}
	if err := json.Unmarshal([]byte(claimsJSON), &claims); err != nil {
		return "", err
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// jwtDecode returns the JSON encoded claims of token. The signature is
// verified only if a secret is given.
func jwtDecode(token, secret string) (string, error) {
	claims := jwt.MapClaims{}
	if secret == "" {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return "", err
		}
	} else {
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err != nil {
			return "", err
		}
	}
	buf, err := json.Marshal(claims)
	return string(buf), err
}

// nestedRequest is the argument of utils.http.
type nestedRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    interface{}       `json:"body"`
}

type nestedResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// doHTTP performs a nested request from within a script.
func doHTTP(ctx context.Context, client *http.Client, reqJSON string) (string, error) {
	var nr nestedRequest
	if err := json.Unmarshal([]byte(reqJSON), &nr); err != nil {
		return "", err
	}
	if nr.URL == "" {
		return "", fmt.Errorf("missing url")
	}
	if _, err := url.Parse(nr.URL); err != nil {
		return "", err
	}
	if nr.Method == "" {
		nr.Method = http.MethodGet
	}

	var body io.Reader
	switch b := nr.Body.(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			return "", err
		}
		body = bytes.NewReader(buf)
		if nr.Headers == nil {
			nr.Headers = map[string]string{}
		}
		if _, ok := nr.Headers["Content-Type"]; !ok {
			nr.Headers["Content-Type"] = "application/json"
		}
	}

	req, err := http.NewRequest(strings.ToUpper(nr.Method), nr.URL, body)
	if err != nil {
		return "", err
	}
	req = req.WithContext(ctx)
	for k, v := range nr.Headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	out := nestedResponse{
		Status:  resp.StatusCode,
		Headers: make(map[string]string, len(resp.Header)),
		Body:    string(raw),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	buf, err := json.Marshal(out)
	return string(buf), err
}
