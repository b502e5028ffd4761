// Package condition implements the declarative condition trees shared by the
// audience, scoring and notification pipelines. A tree is evaluated against a
// feature map (see internal/feature) and produces both a match verdict and an
// explain trace.
package condition

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Op is a leaf comparison operator.
type Op string

const (
	OpExists   Op = "exists"
	OpEmpty    Op = "empty"
	OpEq       Op = "eq"
	OpNeq      Op = "neq"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpContains Op = "contains"
)

var knownOps = map[Op]bool{
	OpExists: true, OpEmpty: true, OpEq: true, OpNeq: true,
	OpGt: true, OpGte: true, OpLt: true, OpLte: true, OpContains: true,
}

// KnownOp reports whether op is part of the condition grammar.
func KnownOp(op Op) bool { return knownOps[op] }

// Leaf is a single field comparison.
type Leaf struct {
	Field string      `json:"field"`
	Op    Op          `json:"op"`
	Value interface{} `json:"value,omitempty"`
}

// Node is a closed condition tree. Exactly one of All, Any, Not or Leaf is
// set; the JSON codec enforces this at parse time so a stored condition can
// never be ambiguous. The wire grammar is:
//
//	{"all":[Node...]} | {"any":[Node...]} | {"not":Node}
//	| {"field":string,"op":string,"value":any}
type Node struct {
	All  []*Node
	Any  []*Node
	Not  *Node
	Leaf *Leaf
}

// NewAll builds an AND combinator node.
func NewAll(children ...*Node) *Node { return &Node{All: children} }

// NewAny builds an OR combinator node.
func NewAny(children ...*Node) *Node { return &Node{Any: children} }

// NewNot builds a negation node.
func NewNot(child *Node) *Node { return &Node{Not: child} }

// NewLeaf builds a field comparison node.
func NewLeaf(field string, op Op, value interface{}) *Node {
	return &Node{Leaf: &Leaf{Field: field, Op: op, Value: value}}
}

type nodeWire struct {
	All   []json.RawMessage `json:"all,omitempty"`
	Any   []json.RawMessage `json:"any,omitempty"`
	Not   json.RawMessage   `json:"not,omitempty"`
	Field *string           `json:"field,omitempty"`
	Op    *Op               `json:"op,omitempty"`
	Value interface{}       `json:"value,omitempty"`
}

// UnmarshalJSON parses the wire grammar, rejecting malformed nodes (unknown
// operators, multiple variants in one object, leaves without a field).
func (n *Node) UnmarshalJSON(data []byte) error {
	var w nodeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("parse condition node: %w", err)
	}

	variants := 0
	if w.All != nil {
		variants++
	}
	if w.Any != nil {
		variants++
	}
	if len(w.Not) > 0 {
		variants++
	}
	if w.Field != nil || w.Op != nil {
		variants++
	}
	if variants == 0 {
		return fmt.Errorf("condition node must be one of all/any/not/leaf")
	}
	if variants > 1 {
		return fmt.Errorf("condition node mixes multiple variants")
	}

	switch {
	case w.All != nil:
		n.All = make([]*Node, 0, len(w.All))
		for i, raw := range w.All {
			child := &Node{}
			if err := json.Unmarshal(raw, child); err != nil {
				return fmt.Errorf("all[%d]: %w", i, err)
			}
			n.All = append(n.All, child)
		}
	case w.Any != nil:
		n.Any = make([]*Node, 0, len(w.Any))
		for i, raw := range w.Any {
			child := &Node{}
			if err := json.Unmarshal(raw, child); err != nil {
				return fmt.Errorf("any[%d]: %w", i, err)
			}
			n.Any = append(n.Any, child)
		}
	case len(w.Not) > 0:
		child := &Node{}
		if err := json.Unmarshal(w.Not, child); err != nil {
			return fmt.Errorf("not: %w", err)
		}
		n.Not = child
	default:
		if w.Field == nil || *w.Field == "" {
			return fmt.Errorf("condition leaf requires a field")
		}
		if w.Op == nil || !KnownOp(*w.Op) {
			op := Op("")
			if w.Op != nil {
				op = *w.Op
			}
			return fmt.Errorf("unknown condition operator %q", op)
		}
		n.Leaf = &Leaf{Field: *w.Field, Op: *w.Op, Value: w.Value}
	}
	return nil
}

// MarshalJSON emits the wire grammar.
func (n *Node) MarshalJSON() ([]byte, error) {
	switch {
	case n.All != nil:
		return json.Marshal(map[string]interface{}{"all": n.All})
	case n.Any != nil:
		return json.Marshal(map[string]interface{}{"any": n.Any})
	case n.Not != nil:
		return json.Marshal(map[string]interface{}{"not": n.Not})
	case n.Leaf != nil:
		return json.Marshal(n.Leaf)
	}
	// An empty node round-trips as a vacuous AND.
	return []byte(`{"all":[]}`), nil
}

// Parse decodes and validates a condition tree from its wire form.
func Parse(data []byte) (*Node, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty condition")
	}
	n := &Node{}
	if err := json.Unmarshal(data, n); err != nil {
		return nil, err
	}
	return n, nil
}

// Hash returns a deterministic sha256 hex digest of the tree's canonical JSON
// form, used as the integrity hash on persisted run snapshots.
func Hash(n *Node) string {
	data, _ := json.Marshal(n)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
