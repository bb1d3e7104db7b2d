// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sandbox

import (
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/net/html"
	"gopkg.in/xmlpath.v2"
)

// The functions below back the markup and schema related assertions.
// They return an empty string on success and a description of the
// problem otherwise.

func xmlValue(doc, path string) (string, bool, error) {
	p, err := xmlpath.Compile(path)
	if err != nil {
		return "", false, fmt.Errorf("bad xpath %q: %s", path, err)
	}
	root, err := xmlpath.Parse(strings.NewReader(doc))
	if err != nil {
		return "", false, fmt.Errorf("malformed xml: %s", err)
	}
	s, ok := p.String(root)
	return s, ok, nil
}

func xmlEquals(doc, path, expected string) string {
	got, ok, err := xmlValue(doc, path)
	if err != nil {
		return err.Error()
	}
	if !ok {
		return fmt.Sprintf("xpath %s not found", path)
	}
	if got != expected {
		return fmt.Sprintf("xpath %s: expected %q, got %q", path, expected, got)
	}
	return ""
}

func xmlExists(doc, path string) string {
	_, ok, err := xmlValue(doc, path)
	if err != nil {
		return err.Error()
	}
	if !ok {
		return fmt.Sprintf("xpath %s not found", path)
	}
	return ""
}

func htmlSelect(doc, selector string) ([]*html.Node, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("bad selector %q: %s", selector, err)
	}
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("malformed html: %s", err)
	}
	return sel.MatchAll(root), nil
}

func htmlExists(doc, selector string) string {
	nodes, err := htmlSelect(doc, selector)
	if err != nil {
		return err.Error()
	}
	if len(nodes) == 0 {
		return fmt.Sprintf("no element matches %s", selector)
	}
	return ""
}

// htmlText returns the whitespace normalized text content of the first
// element matching selector.
func htmlText(doc, selector string) (string, error) {
	nodes, err := htmlSelect(doc, selector)
	if err != nil {
		return "", err
	}
	if len(nodes) == 0 {
		return "", nil
	}
	return strings.Join(strings.Fields(textContent(nodes[0])), " "), nil
}

func textContent(n *html.Node) string {
	switch n.Type {
	case html.TextNode:
		return n.Data
	case html.ElementNode, html.DocumentNode:
		var b strings.Builder
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			b.WriteString(textContent(child))
			if child.Type == html.ElementNode {
				b.WriteByte(' ')
			}
		}
		return b.String()
	}
	return ""
}

func validateSchema(valueJSON, schemaJSON string) string {
	schema, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return fmt.Sprintf("malformed schema: %s", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schema); err != nil {
		return fmt.Sprintf("bad schema: %s", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Sprintf("bad schema: %s", err)
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(valueJSON))
	if err != nil {
		return fmt.Sprintf("malformed value: %s", err)
	}
	if err := sch.Validate(inst); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			var problems []string
			for _, leaf := range leafErrors(ve) {
				problems = append(problems, fmt.Sprintf("/%s: %v",
					strings.Join(leaf.InstanceLocation, "/"), leaf.ErrorKind))
			}
			return "schema violation: " + strings.Join(problems, "; ")
		}
		return err.Error()
	}
	return ""
}

func leafErrors(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var leaves []*jsonschema.ValidationError
	for _, cause := range ve.Causes {
		leaves = append(leaves, leafErrors(cause)...)
	}
	return leaves
}
