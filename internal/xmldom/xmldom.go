// Package xmldom provides a small namespace-stripped XML node tree.
//
// The CRM wire protocol is parsed by local tag name rather than by schema:
// responses arrive with server-chosen namespace prefixes, so every lookup in
// this package ignores prefixes on element and attribute names. The same node
// type doubles as a builder for request bodies, where names are written with
// their prefixes verbatim.
package xmldom

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Attr is a single attribute on a Node. Name keeps whatever the caller or the
// parser stored (parsed attributes use local names).
type Attr struct {
	Name  string
	Value string
}

// Node is one XML element: its (local) name, attributes, child elements and
// accumulated character data. A node with an empty Name renders only its Raw
// content, verbatim.
type Node struct {
	Name     string
	Attrs    []Attr
	Children []*Node
	Text     string
	Raw      string
}

// Parse reads an XML document and returns its root element with all element
// and attribute names reduced to their local parts.
func Parse(data []byte) (*Node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var root *Node
	var stack []*Node
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed XML: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: t.Name.Local}
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
					continue
				}
				n.Attrs = append(n.Attrs, Attr{Name: a.Name.Local, Value: a.Value})
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("multiple root elements")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("unbalanced end element </%s>", t.Name.Local)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("empty document")
	}
	return root, nil
}

// StripNS removes a namespace prefix from an attribute value such as
// "b:EntityReference" or "d:guid".
func StripNS(v string) string {
	if i := strings.IndexByte(v, ':'); i >= 0 {
		return v[i+1:]
	}
	return v
}

// New returns a fresh element with the given (possibly prefixed) name.
func New(name string) *Node {
	return &Node{Name: name}
}

// SetAttr sets an attribute, replacing an existing one of the same name, and
// returns the node for chaining.
func (n *Node) SetAttr(name, value string) *Node {
	for i, a := range n.Attrs {
		if a.Name == name {
			n.Attrs[i].Value = value
			return n
		}
	}
	n.Attrs = append(n.Attrs, Attr{Name: name, Value: value})
	return n
}

// SetText replaces the character data of the node and returns it.
func (n *Node) SetText(text string) *Node {
	n.Text = text
	return n
}

// RawChild appends pre-rendered XML emitted verbatim at this position among
// the node's children, and returns the parent.
func (n *Node) RawChild(raw string) *Node {
	n.Children = append(n.Children, &Node{Raw: raw})
	return n
}

// Add appends child and returns the parent for chaining.
func (n *Node) Add(child *Node) *Node {
	n.Children = append(n.Children, child)
	return n
}

// Child creates a child element with the given name and returns the child.
func (n *Node) Child(name string) *Node {
	c := New(name)
	n.Children = append(n.Children, c)
	return c
}

// Attr returns the value of the first attribute whose local name matches,
// or "" if absent.
func (n *Node) Attr(name string) string {
	for _, a := range n.Attrs {
		if localName(a.Name) == name {
			return a.Value
		}
	}
	return ""
}

// HasAttr reports whether an attribute with the given local name exists.
func (n *Node) HasAttr(name string) bool {
	for _, a := range n.Attrs {
		if localName(a.Name) == name {
			return true
		}
	}
	return false
}

// TypeAttr returns the namespace-stripped value of the i:type attribute.
func (n *Node) TypeAttr() string {
	return StripNS(n.Attr("type"))
}

// Find returns the first descendant element (depth-first, the node itself
// excluded) with the given local name, or nil.
func (n *Node) Find(name string) *Node {
	for _, c := range n.Children {
		if localName(c.Name) == name {
			return c
		}
		if found := c.Find(name); found != nil {
			return found
		}
	}
	return nil
}

// FindAll returns every descendant element with the given local name in
// document order.
func (n *Node) FindAll(name string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if localName(c.Name) == name {
			out = append(out, c)
		}
		out = append(out, c.FindAll(name)...)
	}
	return out
}

// ChildNamed returns the first direct child with the given local name, or nil.
func (n *Node) ChildNamed(name string) *Node {
	for _, c := range n.Children {
		if localName(c.Name) == name {
			return c
		}
	}
	return nil
}

// TextContent returns the node's own character data with surrounding
// whitespace removed; for parsed leaf elements this is the element value.
func (n *Node) TextContent() string {
	return strings.TrimSpace(n.Text)
}

// String renders the node and its subtree as XML. Attributes are written in
// insertion order, so a tree built in canonical order renders canonically.
func (n *Node) String() string {
	var b strings.Builder
	n.render(&b)
	return b.String()
}

func (n *Node) render(b *strings.Builder) {
	if n.Name == "" {
		b.WriteString(n.Raw)
		return
	}
	b.WriteByte('<')
	b.WriteString(n.Name)
	for _, a := range n.Attrs {
		b.WriteByte(' ')
		b.WriteString(a.Name)
		b.WriteString(`="`)
		b.WriteString(escape(a.Value))
		b.WriteByte('"')
	}
	if len(n.Children) == 0 && n.Text == "" {
		b.WriteString("></")
		b.WriteString(n.Name)
		b.WriteByte('>')
		return
	}
	b.WriteByte('>')
	if n.Text != "" {
		b.WriteString(escape(n.Text))
	}
	for _, c := range n.Children {
		c.render(b)
	}
	b.WriteString("</")
	b.WriteString(n.Name)
	b.WriteByte('>')
}

func escape(s string) string {
	var b bytes.Buffer
	// xml.EscapeText also escapes newlines and tabs, which is harmless here.
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}

func localName(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[i+1:]
	}
	return name
}
