package report

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Node is one element of a parsed XML document. Text holds the character
// data before the first child and Tail the character data that follows the
// element's end tag inside its parent.
type Node struct {
	Name     string
	Attr     []xml.Attr
	Children []*Node
	Text     string
	Tail     string
}

// Document is a parsed XML file. Prolog keeps the comments, processing
// instructions and directives that precede the root element, minus the XML
// declaration, which Encode always writes itself.
type Document struct {
	Prolog []xml.Token
	Root   *Node
}

// Attribute returns the value of the named attribute.
func (n *Node) Attribute(name string) (string, bool) {
	for _, a := range n.Attr {
		if qualifiedName(a.Name) == name {
			return a.Value, true
		}
	}
	return "", false
}

// ChildrenNamed returns the direct children called name, in document order.
func (n *Node) ChildrenNamed(name string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Child returns the first direct child called name, or nil.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// RemoveChildren removes every direct child called name and returns how many
// were removed.
func (n *Node) RemoveChildren(name string) int {
	kept := n.Children[:0]
	removed := 0
	for _, c := range n.Children {
		if c.Name == name {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(n.Children); i++ {
		n.Children[i] = nil
	}
	n.Children = kept
	return removed
}

// AppendChild adds c as the last child of n.
func (n *Node) AppendChild(c *Node) {
	n.Children = append(n.Children, c)
}

// ParseFile reads and parses the XML document at path.
func ParseFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(bufio.NewReader(f))
}

// Parse reads one well-formed XML document from r. Mismatched or unclosed
// tags, content outside the root element and a missing root are errors.
func Parse(r io.Reader) (*Document, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = true

	doc := &Document{}
	var stack []*Node

	for {
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) == 0 && doc.Root != nil {
				line, _ := dec.InputPos()
				return nil, fmt.Errorf("line %d: multiple root elements", line)
			}
			n := &Node{Name: qualifiedName(t.Name), Attr: copyAttrs(t.Attr)}
			if len(stack) == 0 {
				doc.Root = n
			} else {
				stack[len(stack)-1].AppendChild(n)
			}
			stack = append(stack, n)

		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("unexpected end element </%s>", qualifiedName(t.Name))
			}
			top := stack[len(stack)-1]
			if name := qualifiedName(t.Name); name != top.Name {
				return nil, fmt.Errorf("element <%s> closed by </%s>", top.Name, name)
			}
			stack = stack[:len(stack)-1]

		case xml.CharData:
			if len(stack) == 0 {
				if len(bytes.TrimSpace(t)) > 0 {
					return nil, fmt.Errorf("character data outside root element")
				}
				continue
			}
			appendText(stack[len(stack)-1], string(t))

		case xml.ProcInst:
			if len(stack) == 0 && doc.Root == nil && t.Target != "xml" {
				doc.Prolog = append(doc.Prolog, t.Copy())
			}

		case xml.Directive:
			if len(stack) == 0 && doc.Root == nil {
				doc.Prolog = append(doc.Prolog, t.Copy())
			}

		case xml.Comment:
			if len(stack) == 0 && doc.Root == nil {
				doc.Prolog = append(doc.Prolog, t.Copy())
			}
		}
	}

	if len(stack) > 0 {
		return nil, fmt.Errorf("unexpected EOF: element <%s> not closed", stack[len(stack)-1].Name)
	}
	if doc.Root == nil {
		return nil, fmt.Errorf("no root element")
	}
	return doc, nil
}

// appendText adds character data to parent, either as its text or as the
// tail of its last child.
func appendText(parent *Node, s string) {
	if len(parent.Children) == 0 {
		parent.Text += s
		return
	}
	last := parent.Children[len(parent.Children)-1]
	last.Tail += s
}

func copyAttrs(attrs []xml.Attr) []xml.Attr {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]xml.Attr, len(attrs))
	copy(out, attrs)
	return out
}

func qualifiedName(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

// Encode writes doc to w with an XML declaration.
func (doc *Document) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)

	bw.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	for _, tok := range doc.Prolog {
		switch t := tok.(type) {
		case xml.ProcInst:
			fmt.Fprintf(bw, "<?%s %s?>\n", t.Target, t.Inst)
		case xml.Directive:
			fmt.Fprintf(bw, "<!%s>\n", t)
		case xml.Comment:
			fmt.Fprintf(bw, "<!--%s-->\n", t)
		}
	}
	if doc.Root != nil {
		if err := encodeNode(bw, doc.Root); err != nil {
			return err
		}
	}
	bw.WriteString("\n")

	return bw.Flush()
}

func encodeNode(w *bufio.Writer, n *Node) error {
	w.WriteString("<" + n.Name)
	for _, a := range n.Attr {
		w.WriteString(" " + qualifiedName(a.Name) + `="`)
		if err := xml.EscapeText(w, []byte(a.Value)); err != nil {
			return err
		}
		w.WriteString(`"`)
	}

	if len(n.Children) == 0 && n.Text == "" {
		w.WriteString("/>")
	} else {
		w.WriteString(">")
		if err := escapeCharData(w, n.Text); err != nil {
			return err
		}
		for _, c := range n.Children {
			if err := encodeNode(w, c); err != nil {
				return err
			}
		}
		w.WriteString("</" + n.Name + ">")
	}

	return escapeCharData(w, n.Tail)
}

// charDataEscaper escapes element content. Newlines and tabs are written
// as-is so indentation and multi-line script output survive a round trip.
var charDataEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"\r", "&#xD;",
)

func escapeCharData(w *bufio.Writer, s string) error {
	if s == "" {
		return nil
	}
	_, err := charDataEscaper.WriteString(w, s)
	return err
}

// WriteFile encodes doc to path. The document is written to a temporary
// file in the same directory and renamed into place, so readers never see a
// partial file.
func (doc *Document) WriteFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if err := doc.Encode(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
