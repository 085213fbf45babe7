package sysxml

import (
	"encoding/xml"
	"io"
	"strings"

	"sysbuilder/internal/builderr"
)

// node is a generic, source-tagged XML element, the Go analogue of the
// original parser's habit of stashing _loc_str on every ElementTree node.
// Typed records (MemoryRegion, ProtectionDomain, ...) are built from this
// tree by parse.go; tree.go's job is decoding + location tracking +
// the attribute whitelist and "no stray text" checks.
type node struct {
	Tag      string
	Attrs    map[string]string
	Children []*node
	Text     string // all CharData found directly inside this element
	Loc      Location
}

func (n *node) attr(name string) (string, bool) {
	v, ok := n.Attrs[name]
	return v, ok
}

// checkAttrs rejects any attribute on n not named in allowed (spec §4.C
// "rejects unknown attributes on every element").
func checkAttrs(n *node, allowed ...string) error {
	ok := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		ok[a] = true
	}
	for k := range n.Attrs {
		if !ok[k] {
			return builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "invalid attribute '%s'", k)
		}
	}
	return nil
}

// checkNoText rejects non-whitespace character data anywhere within n,
// recursively (spec §4.C "rejects non-whitespace text content anywhere").
func checkNoText(n *node) error {
	if strings.TrimSpace(n.Text) != "" {
		return builderr.NewAt(builderr.Parse, n.Tag, n.Loc, "unexpected text found in element '%s'", n.Tag)
	}
	for _, c := range n.Children {
		if err := checkNoText(c); err != nil {
			return err
		}
	}
	return nil
}

// parseTree decodes r into a node tree, tagging every element with its
// source file name and the line/column the decoder reports at the point
// its start tag closes.
func parseTree(r io.Reader, filename string) (*node, error) {
	dec := xml.NewDecoder(r)

	var root *node
	var stack []*node

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			line, col := dec.InputPos()
			return nil, builderr.New(builderr.Parse, "XML parse error: %s:%d.%d", filename, line, col)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			line, col := dec.InputPos()
			n := &node{
				Tag:   t.Name.Local,
				Attrs: make(map[string]string, len(t.Attr)),
				Loc:   Location{File: filename, Line: line, Column: col},
			}
			for _, a := range t.Attr {
				n.Attrs[a.Name.Local] = a.Value
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			} else {
				root = n
			}
			stack = append(stack, n)

		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}

		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}

	if root == nil {
		return nil, builderr.New(builderr.Parse, "XML parse error: %s: empty document", filename)
	}
	return root, nil
}
