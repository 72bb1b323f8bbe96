// Package graph models a job graph: a mapping from node id to node, where
// node inputs are either literals or references to another node's output.
//
// The package is pure. It never performs I/O and never logs; callers decide
// what to do with the conflicts and bindings it reports.
package graph

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

var (
	// ErrInvalidGraph is returned when a document is not a node mapping
	ErrInvalidGraph = errors.New("graph: invalid job graph document")
	// ErrNodeNotFound is returned when an operation names a missing node
	ErrNodeNotFound = errors.New("graph: node not found")
)

// Visibility is the display hint carried by a class_type prefix.
type Visibility int

const (
	// VisibilityDefault means no prefix was present
	VisibilityDefault Visibility = iota
	// VisibilityHidden comes from a leading "."
	VisibilityHidden
	// VisibilityVisible comes from a leading "#"
	VisibilityVisible
)

// String returns the name of the visibility hint
func (v Visibility) String() string {
	switch v {
	case VisibilityHidden:
		return "hidden"
	case VisibilityVisible:
		return "visible"
	default:
		return "normal"
	}
}

// ClassType is a node's class name with its visibility prefix decoded.
// Matching always uses Base.
type ClassType struct {
	Base       string
	Visibility Visibility
}

// ParseClassType decodes the optional visibility prefix of raw.
func ParseClassType(raw string) ClassType {
	switch {
	case strings.HasPrefix(raw, "."):
		return ClassType{Base: raw[1:], Visibility: VisibilityHidden}
	case strings.HasPrefix(raw, "#"):
		return ClassType{Base: raw[1:], Visibility: VisibilityVisible}
	default:
		return ClassType{Base: raw}
	}
}

// String returns the prefixed form as it appears in catalog documents.
func (c ClassType) String() string {
	switch c.Visibility {
	case VisibilityHidden:
		return "." + c.Base
	case VisibilityVisible:
		return "#" + c.Base
	default:
		return c.Base
	}
}

// MarshalJSON emits the bare class name; the server does not know prefixes.
func (c ClassType) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Base)
}

// UnmarshalJSON decodes a possibly prefixed class name.
func (c *ClassType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("class_type: %w", err)
	}
	*c = ParseClassType(raw)
	return nil
}

// Hidden reports whether the node must not be exposed as a control.
func (c ClassType) Hidden() bool {
	return c.Visibility == VisibilityHidden
}

// Value is a node input: either a Literal or a Reference.
type Value interface {
	isValue()
}

// Literal is a concrete input value. Numbers decode as json.Number so that
// large seeds survive a round trip.
type Literal struct {
	V any
}

// Reference points at output slot Slot of node NodeID.
type Reference struct {
	NodeID string
	Slot   int
}

func (Literal) isValue()   {}
func (Reference) isValue() {}

// String returns the literal as a string when it holds one.
func (l Literal) String() (string, bool) {
	s, ok := l.V.(string)
	return s, ok
}

// Inputs holds a node's named inputs.
type Inputs map[string]Value

// UnmarshalJSON decodes every input into a Literal or a Reference.
func (in *Inputs) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Inputs, len(raw))
	for name, msg := range raw {
		v, err := decodeValue(msg)
		if err != nil {
			return fmt.Errorf("input %q: %w", name, err)
		}
		out[name] = v
	}
	*in = out
	return nil
}

// MarshalJSON encodes references in the server's [node, slot] form.
func (in Inputs) MarshalJSON() ([]byte, error) {
	raw := make(map[string]any, len(in))
	for name, v := range in {
		switch v := v.(type) {
		case Reference:
			raw[name] = []any{v.NodeID, v.Slot}
		case Literal:
			raw[name] = v.V
		}
	}
	return json.Marshal(raw)
}

func decodeValue(msg json.RawMessage) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if ref, ok := asReference(v); ok {
		return ref, nil
	}
	return Literal{V: v}, nil
}

// asReference recognizes the two-element [string, integer] form.
func asReference(v any) (Reference, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return Reference{}, false
	}
	id, ok := arr[0].(string)
	if !ok {
		return Reference{}, false
	}
	num, ok := arr[1].(json.Number)
	if !ok {
		return Reference{}, false
	}
	slot, err := strconv.Atoi(num.String())
	if err != nil {
		return Reference{}, false
	}
	return Reference{NodeID: id, Slot: slot}, true
}

// Meta carries display metadata.
type Meta struct {
	Title string `json:"title,omitempty"`
}

// Node is one vertex of the job graph.
type Node struct {
	ClassType ClassType `json:"class_type"`
	Inputs    Inputs    `json:"inputs"`
	Meta      *Meta     `json:"_meta,omitempty"`
}

// Graph maps node ids to nodes. Ids may be hierarchical ("153:89").
type Graph map[string]*Node

// Parse decodes a job graph document.
func Parse(data []byte) (Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGraph, err)
	}
	if g == nil {
		return nil, ErrInvalidGraph
	}
	for id, n := range g {
		if n == nil {
			return nil, fmt.Errorf("%w: node %q is null", ErrInvalidGraph, id)
		}
		if n.Inputs == nil {
			n.Inputs = Inputs{}
		}
	}
	return g, nil
}

// Encode serializes the graph in the form the server accepts.
func (g Graph) Encode() ([]byte, error) {
	return json.Marshal(g)
}

// IDs returns the node ids in iteration order. Ids are compared segment by
// segment on ":"; integer segments sort numerically and before text.
func (g Graph) IDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	SortIDs(ids)
	return ids
}

// SortIDs sorts node ids in place into iteration order.
func SortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		return compareIDs(ids[i], ids[j]) < 0
	})
}

func compareIDs(a, b string) int {
	as := strings.Split(a, ":")
	bs := strings.Split(b, ":")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := compareSegment(as[i], bs[i]); c != 0 {
			return c
		}
	}
	return len(as) - len(bs)
}

func compareSegment(a, b string) int {
	an, aerr := strconv.ParseUint(a, 10, 64)
	bn, berr := strconv.ParseUint(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// Clone returns a deep copy; jobs never share a graph with the editor.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for id, n := range g {
		c := &Node{ClassType: n.ClassType, Inputs: make(Inputs, len(n.Inputs))}
		if n.Meta != nil {
			m := *n.Meta
			c.Meta = &m
		}
		for name, v := range n.Inputs {
			if lit, ok := v.(Literal); ok {
				c.Inputs[name] = Literal{V: cloneAny(lit.V)}
				continue
			}
			c.Inputs[name] = v
		}
		out[id] = c
	}
	return out
}

func cloneAny(v any) any {
	switch v := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, e := range v {
			m[k] = cloneAny(e)
		}
		return m
	case []any:
		s := make([]any, len(v))
		for i, e := range v {
			s[i] = cloneAny(e)
		}
		return s
	default:
		return v
	}
}

// Title returns the node's display title, falling back to its class name.
func (g Graph) Title(id string) string {
	n, ok := g[id]
	if !ok {
		return id
	}
	if n.Meta != nil && n.Meta.Title != "" {
		return n.Meta.Title
	}
	return n.ClassType.Base
}

// literalString returns the string literal stored at node id, input field.
func (g Graph) literalString(id, field string) (string, bool) {
	n, ok := g[id]
	if !ok {
		return "", false
	}
	lit, ok := n.Inputs[field].(Literal)
	if !ok {
		return "", false
	}
	return lit.String()
}

// SetLiteral stores a literal input on node id.
func (g Graph) SetLiteral(id, field string, v any) error {
	n, ok := g[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Inputs == nil {
		n.Inputs = Inputs{}
	}
	n.Inputs[field] = Literal{V: v}
	return nil
}
