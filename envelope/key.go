// Package envelope maps messages to the string keys that name their logical
// streams, and resolves unknown keys to the closest registered one.
//
// An envelope is the message type name optionally followed by qualifiers,
// joined with an underscore:
//
//	ScopeStateMsg
//	Scan2d_Z_100     // channel Z, 100 units wide
//	Scan2d__         // any Scan2d
//	Spec1d_iv
//
// An empty qualifier acts as a wildcard when resolving.
package envelope

import (
	"strings"
)

// Divider separates the type from its qualifiers.
const Divider = "_"

// All is the topic that matches every envelope.
const All = ""

// Key is a parsed envelope.
type Key struct {
	Type       string
	Qualifiers []string
}

// Parse splits an envelope string into its type and qualifiers.
func Parse(env string) Key {
	parts := strings.Split(env, Divider)
	k := Key{Type: parts[0]}
	if len(parts) > 1 {
		k.Qualifiers = parts[1:]
	}
	return k
}

// String joins the key back into an envelope.
func (k Key) String() string {
	if len(k.Qualifiers) == 0 {
		return k.Type
	}
	return k.Type + Divider + strings.Join(k.Qualifiers, Divider)
}

// Score rates how closely candidate matches k. Keys of different types score
// -1. Otherwise every exact non-empty match (the type included) is worth 2
// and every pair where either side is empty is worth 1. Qualifiers missing
// from the shorter key count as empty.
func (k Key) Score(candidate Key) int {
	if k.Type != candidate.Type {
		return -1
	}

	score := 2
	n := max(len(k.Qualifiers), len(candidate.Qualifiers))
	for i := range n {
		a, b := qualifier(k.Qualifiers, i), qualifier(candidate.Qualifiers, i)
		switch {
		case a == "" || b == "":
			score++
		case a == b:
			score += 2
		}
	}
	return score
}

func qualifier(qs []string, i int) string {
	if i < len(qs) {
		return qs[i]
	}
	return ""
}
