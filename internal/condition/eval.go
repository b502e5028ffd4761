package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// Result is the outcome of evaluating a tree. OK means every leaf was
// well-formed and evaluable; Matched means the condition holds. Separating
// the two keeps a malformed leaf visible in diagnostics instead of silently
// becoming a false negative.
type Result struct {
	OK      bool         `json:"ok"`
	Matched bool         `json:"matched"`
	Details []LeafDetail `json:"details,omitempty"`
}

// LeafDetail is one entry of the explain trace, recorded per leaf in
// evaluation order.
type LeafDetail struct {
	Field   string      `json:"field"`
	Op      Op          `json:"op"`
	Value   interface{} `json:"value,omitempty"`
	Actual  interface{} `json:"actual,omitempty"`
	OK      bool        `json:"ok"`
	Matched bool        `json:"matched"`
	Reason  string      `json:"reason,omitempty"`
}

// Evaluate walks the tree against a feature map. A nil node matches
// vacuously, the same as an empty AND group. Children are always evaluated
// in full (no short-circuit) so the explain trace is complete.
func Evaluate(n *Node, features map[string]interface{}) Result {
	if n == nil {
		return Result{OK: true, Matched: true}
	}

	switch {
	case n.All != nil:
		res := Result{OK: true, Matched: true}
		for _, child := range n.All {
			cr := Evaluate(child, features)
			res.OK = res.OK && cr.OK
			res.Matched = res.Matched && cr.Matched
			res.Details = append(res.Details, cr.Details...)
		}
		return res

	case n.Any != nil:
		// Empty OR matches nothing.
		res := Result{OK: true, Matched: false}
		for _, child := range n.Any {
			cr := Evaluate(child, features)
			res.OK = res.OK && cr.OK
			res.Matched = res.Matched || cr.Matched
			res.Details = append(res.Details, cr.Details...)
		}
		return res

	case n.Not != nil:
		inner := Evaluate(n.Not, features)
		return Result{OK: inner.OK, Matched: !inner.Matched, Details: inner.Details}

	case n.Leaf != nil:
		d := evalLeaf(n.Leaf, features)
		return Result{OK: d.OK, Matched: d.Matched, Details: []LeafDetail{d}}
	}

	// Zero-value node: treat as vacuous AND.
	return Result{OK: true, Matched: true}
}

func evalLeaf(leaf *Leaf, features map[string]interface{}) LeafDetail {
	actual, present := features[leaf.Field]
	d := LeafDetail{Field: leaf.Field, Op: leaf.Op, Value: leaf.Value, Actual: actual}
	missing := !present || actual == nil

	switch leaf.Op {
	case OpExists:
		d.OK = true
		d.Matched = !missing && strings.TrimSpace(stringify(actual)) != ""

	case OpEmpty:
		d.OK = true
		d.Matched = missing || strings.TrimSpace(stringify(actual)) == ""

	case OpEq, OpNeq:
		d.OK = true
		var eq bool
		if leaf.Value == nil {
			// eq null matches only a null/missing field.
			eq = missing
		} else if missing {
			eq = false
		} else {
			want := strings.TrimSpace(stringify(leaf.Value))
			got := strings.TrimSpace(stringify(actual))
			eq = strings.EqualFold(want, got)
		}
		if leaf.Op == OpEq {
			d.Matched = eq
		} else {
			d.Matched = !eq
		}

	case OpGt, OpGte, OpLt, OpLte:
		a, aok := Numeric(actual)
		b, bok := Numeric(leaf.Value)
		if !aok || !bok {
			d.OK = false
			d.Matched = false
			d.Reason = "non-numeric operand"
			return d
		}
		d.OK = true
		switch leaf.Op {
		case OpGt:
			d.Matched = a > b
		case OpGte:
			d.Matched = a >= b
		case OpLt:
			d.Matched = a < b
		case OpLte:
			d.Matched = a <= b
		}

	case OpContains:
		d.OK = true
		if missing {
			d.Matched = false
			return d
		}
		needle := strings.ToLower(stringify(leaf.Value))
		hay := strings.ToLower(stringify(actual))
		d.Matched = needle != "" && strings.Contains(hay, needle)

	default:
		d.OK = false
		d.Matched = false
		d.Reason = fmt.Sprintf("unknown operator %q", leaf.Op)
	}

	return d
}

// Numeric coerces a scalar to float64, accepting numeric strings with either
// a dot or a comma decimal separator. Returns false for nil, empty and
// non-numeric values.
func Numeric(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		s = strings.ReplaceAll(s, ",", ".")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return fmt.Sprintf("%v", v)
}
