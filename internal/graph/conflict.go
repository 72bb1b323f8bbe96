package graph

import "fmt"

// Conflict describes positive and negative roles resolving to the same
// field. The positive role always wins.
type Conflict struct {
	TargetNodeID string
	Positive     Binding
	Negative     Binding
}

// String summarizes the conflict for log lines.
func (c *Conflict) String() string {
	return fmt.Sprintf("positive %s.%s (%s) and negative %s.%s (%s) share node %s",
		c.Positive.ReferenceNodeID, c.Positive.FieldName, c.Positive.Kind,
		c.Negative.ReferenceNodeID, c.Negative.FieldName, c.Negative.Kind,
		c.TargetNodeID)
}

// DetectConflict reports whether two bindings share a target node and
// either one uses the text field or both are connected.
func DetectConflict(positive, negative Binding) *Conflict {
	if positive.TargetNodeID == "" || positive.TargetNodeID != negative.TargetNodeID {
		return nil
	}
	if positive.FieldName == fieldText || negative.FieldName == fieldText ||
		(positive.Kind == BindingConnected && negative.Kind == BindingConnected) {
		return &Conflict{
			TargetNodeID: positive.TargetNodeID,
			Positive:     positive,
			Negative:     negative,
		}
	}
	return nil
}

func locateBoth(g Graph) (*Conflict, bool) {
	pos, ok := LocateRoleBinding(g, RolePositive)
	if !ok {
		return nil, false
	}
	neg, ok := LocateRoleBinding(g, RoleNegative)
	if !ok {
		return nil, false
	}
	c := DetectConflict(pos, neg)
	return c, c != nil
}

// ResolveConflict applies the positive-priority policy after the positive
// role was set to positiveValue. The shared target holds the positive value
// and a distinct negative field is cleared. It returns nil when there is
// nothing to resolve.
func ResolveConflict(g Graph, positiveValue string) *Conflict {
	if positiveValue == "" {
		return nil
	}
	c, ok := locateBoth(g)
	if !ok {
		return nil
	}
	_ = g.SetLiteral(c.TargetNodeID, c.Positive.FieldName, positiveValue)
	if c.Negative.FieldName != c.Positive.FieldName {
		_ = g.SetLiteral(c.TargetNodeID, c.Negative.FieldName, "")
	}
	return c
}

// ResolveOnLoad repairs a freshly loaded graph. Positive content wins and
// negative is cleared; when only the negative side has content the shared
// text field is cleared as well.
func ResolveOnLoad(g Graph) *Conflict {
	c, ok := locateBoth(g)
	if !ok {
		return nil
	}
	posContent, _ := g.literalString(c.TargetNodeID, c.Positive.FieldName)
	negContent, _ := g.literalString(c.TargetNodeID, c.Negative.FieldName)

	switch {
	case posContent != "":
		if c.Negative.FieldName != c.Positive.FieldName {
			_ = g.SetLiteral(c.TargetNodeID, c.Negative.FieldName, "")
		}
	case negContent != "":
		if _, ok := g.literalString(c.TargetNodeID, fieldText); ok {
			_ = g.SetLiteral(c.TargetNodeID, fieldText, "")
		}
		_ = g.SetLiteral(c.TargetNodeID, c.Negative.FieldName, "")
	}
	return c
}
