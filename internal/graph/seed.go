package graph

import (
	"math/rand/v2"
	"strings"
)

const (
	// FieldSeed is the sampler seed input
	FieldSeed = "seed"
	// FieldNoiseSeed is the advanced sampler seed input
	FieldNoiseSeed = "noise_seed"

	// MaxRandomSeed bounds seeds produced by RandomSeed (exclusive)
	MaxRandomSeed = 1000000
)

// Seed is the current seed value and where it was found.
type Seed struct {
	NodeID string
	Field  string
	Value  any
}

// FindSeed returns the first seed input in iteration order, preferring
// seed over noise_seed across the whole graph.
func FindSeed(g Graph) (Seed, bool) {
	ids := g.IDs()
	for _, field := range []string{FieldSeed, FieldNoiseSeed} {
		for _, id := range ids {
			if lit, ok := g[id].Inputs[field].(Literal); ok {
				return Seed{NodeID: id, Field: field, Value: lit.V}, true
			}
		}
	}
	return Seed{}, false
}

// HasVisibleSeed reports whether a non-hidden node carries a seed input.
func HasVisibleSeed(g Graph) bool {
	for _, n := range g {
		if n.ClassType.Hidden() {
			continue
		}
		if _, ok := n.Inputs[FieldSeed]; ok {
			return true
		}
		if _, ok := n.Inputs[FieldNoiseSeed]; ok {
			return true
		}
	}
	return false
}

// RandomSeed draws a seed in [0, MaxRandomSeed).
func RandomSeed() int64 {
	return rand.Int64N(MaxRandomSeed)
}

// RandomizeSeeds writes value into every seed and noise_seed input and
// returns the updated "node.field" locations in iteration order.
func RandomizeSeeds(g Graph, value int64) []string {
	var updated []string
	for _, id := range g.IDs() {
		n := g[id]
		for _, field := range []string{FieldSeed, FieldNoiseSeed} {
			if _, ok := n.Inputs[field]; ok {
				n.Inputs[field] = Literal{V: value}
				updated = append(updated, id+"."+field)
			}
		}
	}
	return updated
}

// ShowPromptControls reports whether a non-hidden text-encoding node exists.
func ShowPromptControls(g Graph) bool {
	for _, n := range g {
		if n.ClassType.Hidden() {
			continue
		}
		if n.ClassType.Base == "CLIPTextEncode" || strings.Contains(n.ClassType.Base, "TextEncode") {
			return true
		}
	}
	return false
}
