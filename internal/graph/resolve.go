package graph

import (
	"errors"
	"fmt"
)

// Role names an editable prompt.
type Role string

const (
	// RolePositive is the positive prompt
	RolePositive Role = "positive"
	// RoleNegative is the negative prompt
	RoleNegative Role = "negative"
)

// fieldText is the literal text input of text-encoding nodes.
const fieldText = "text"

var (
	// ErrRoleNotFound is returned when no node exposes the requested role
	ErrRoleNotFound = errors.New("graph: prompt role not found")
	// ErrNegativeConflict is returned when a negative edit would overwrite
	// the field the positive prompt lives in
	ErrNegativeConflict = errors.New("graph: negative prompt shares its field with the positive prompt")
)

// BindingKind says how a role reaches its literal.
type BindingKind int

const (
	// BindingDirect means the role's own input holds the literal
	BindingDirect BindingKind = iota
	// BindingConnected means the role's input references another node
	BindingConnected
)

// String returns "direct" or "connected"
func (k BindingKind) String() string {
	if k == BindingConnected {
		return "connected"
	}
	return "direct"
}

// Binding locates the literal a prompt role reads and writes.
type Binding struct {
	ReferenceNodeID string
	TargetNodeID    string
	Kind            BindingKind
	FieldName       string
}

// LocateRoleBinding finds where role's text lives. Nodes are scanned in
// iteration order for an input named after the role. A string literal binds
// directly; a reference is followed to the node that holds the literal.
// The negative role falls back to the first node with a literal text input.
func LocateRoleBinding(g Graph, role Role) (Binding, bool) {
	for _, id := range g.IDs() {
		v, ok := g[id].Inputs[string(role)]
		if !ok {
			continue
		}
		switch v := v.(type) {
		case Literal:
			if _, ok := v.String(); ok {
				return Binding{
					ReferenceNodeID: id,
					TargetNodeID:    id,
					Kind:            BindingDirect,
					FieldName:       string(role),
				}, true
			}
		case Reference:
			if target, field, ok := g.leaf(v.NodeID, role, map[string]bool{}); ok {
				return Binding{
					ReferenceNodeID: id,
					TargetNodeID:    target,
					Kind:            BindingConnected,
					FieldName:       field,
				}, true
			}
		}
	}

	if role == RoleNegative {
		for _, id := range g.IDs() {
			if _, ok := g.literalString(id, fieldText); ok {
				return Binding{
					ReferenceNodeID: id,
					TargetNodeID:    id,
					Kind:            BindingDirect,
					FieldName:       fieldText,
				}, true
			}
		}
	}

	return Binding{}, false
}

// leaf follows references from node id until it reaches a string literal.
// Inputs are tried in order: text, negative (negative role only), positive.
// A node seen twice ends the walk, so cycles resolve to not found.
func (g Graph) leaf(id string, role Role, visited map[string]bool) (string, string, bool) {
	if visited[id] {
		return "", "", false
	}
	visited[id] = true

	n, ok := g[id]
	if !ok {
		return "", "", false
	}

	fields := []string{fieldText}
	if role == RoleNegative {
		fields = append(fields, string(RoleNegative))
	}
	fields = append(fields, string(RolePositive))

	for _, field := range fields {
		switch v := n.Inputs[field].(type) {
		case Literal:
			if _, ok := v.String(); ok {
				return id, field, true
			}
		case Reference:
			if target, f, ok := g.leaf(v.NodeID, role, visited); ok {
				return target, f, true
			}
		}
	}
	return "", "", false
}

// FindRoleValue returns the text of role. A negative role that shares its
// field with the positive role has no text of its own and reads as "".
func FindRoleValue(g Graph, role Role) (string, bool) {
	b, ok := LocateRoleBinding(g, role)
	if !ok {
		return "", false
	}
	if role == RoleNegative {
		if pos, ok := LocateRoleBinding(g, RolePositive); ok && DetectConflict(pos, b) != nil {
			return "", true
		}
	}
	s, _ := g.literalString(b.TargetNodeID, b.FieldName)
	return s, true
}

// Edit reports what SetRoleValue did.
type Edit struct {
	Binding Binding
	// Conflict is set when the positive and negative roles share a field.
	Conflict *Conflict
	// ClearNegative tells the caller to empty its negative input.
	ClearNegative bool
}

// SetRoleValue writes value to the literal leaf of role. Writing the
// positive role applies the positive-priority conflict policy. Writing a
// negative role that conflicts is rejected with ErrNegativeConflict and the
// graph is left untouched.
func SetRoleValue(g Graph, role Role, value string) (Edit, error) {
	b, ok := LocateRoleBinding(g, role)
	if !ok {
		return Edit{}, fmt.Errorf("%w: %s", ErrRoleNotFound, role)
	}
	edit := Edit{Binding: b}

	if role == RoleNegative {
		if pos, ok := LocateRoleBinding(g, RolePositive); ok {
			if c := DetectConflict(pos, b); c != nil {
				edit.Conflict = c
				edit.ClearNegative = true
				return edit, ErrNegativeConflict
			}
		}
	}

	if err := g.SetLiteral(b.TargetNodeID, b.FieldName, value); err != nil {
		return edit, err
	}

	if role == RolePositive {
		if c := ResolveConflict(g, value); c != nil {
			edit.Conflict = c
			edit.ClearNegative = true
		}
	}
	return edit, nil
}
