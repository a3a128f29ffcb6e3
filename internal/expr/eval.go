package expr

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrUnresolved is returned (wrapped) when an expression references a
// variable the resolver cannot bind. Callers typically degrade the affected
// output value to the no-data sentinel instead of failing the whole run.
var ErrUnresolved = errors.New("unresolved variable")

// Resolver binds a variable name to its value. The boolean reports whether
// the name could be bound at all.
type Resolver func(name string) (any, bool)

// Eval evaluates the tree against the resolver. Results are int64, float64,
// string or bool.
func Eval(node Node, resolve Resolver) (any, error) {
	switch n := node.(type) {
	case *NumberNode:
		if n.IsFloat {
			return n.Float, nil
		}
		return n.Int, nil
	case *StringNode:
		return n.Value, nil
	case *VarNode:
		value, ok := resolve(n.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnresolved, n.Name)
		}
		return value, nil
	case *GroupNode:
		return Eval(n.Inner, resolve)
	case *UnaryNode:
		return evalUnary(n, resolve)
	case *BinaryNode:
		return evalBinary(n, resolve)
	case *CallNode:
		return evalCall(n, resolve)
	}
	return nil, fmt.Errorf("unknown node %T", node)
}

func evalUnary(n *UnaryNode, resolve Resolver) (any, error) {
	value, err := Eval(n.Operand, resolve)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case tokenMinus:
		if i, ok := asInt(value); ok {
			return -i, nil
		}
		f, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		return -f, nil
	case tokenNot:
		return !truthy(value), nil
	}
	return nil, fmt.Errorf("unknown unary operator")
}

func evalBinary(n *BinaryNode, resolve Resolver) (any, error) {
	left, err := Eval(n.Left, resolve)
	if err != nil {
		return nil, err
	}
	// Short-circuit logical operators before the right side is resolved.
	switch n.Op {
	case tokenAnd:
		if !truthy(left) {
			return false, nil
		}
		right, err := Eval(n.Right, resolve)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case tokenOr:
		if truthy(left) {
			return true, nil
		}
		right, err := Eval(n.Right, resolve)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}
	right, err := Eval(n.Right, resolve)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case tokenEq, tokenNeq, tokenLt, tokenLte, tokenGt, tokenGte:
		return compare(n.Op, left, right)
	case tokenPlus:
		// String concatenation keeps its meaning for append-style columns.
		ls, lok := left.(string)
		rs, rok := right.(string)
		if lok && rok {
			if _, err := strconv.ParseFloat(strings.TrimSpace(ls), 64); err != nil {
				return ls + rs, nil
			}
			if _, err := strconv.ParseFloat(strings.TrimSpace(rs), 64); err != nil {
				return ls + rs, nil
			}
		}
	}
	return arithmetic(n.Op, left, right)
}

func arithmetic(op tokenKind, left, right any) (any, error) {
	li, lok := asInt(left)
	ri, rok := asInt(right)
	if lok && rok {
		switch op {
		case tokenPlus:
			return li + ri, nil
		case tokenMinus:
			return li - ri, nil
		case tokenStar:
			return li * ri, nil
		case tokenPercent:
			if ri == 0 {
				return nil, errors.New("modulo by zero")
			}
			return li % ri, nil
		}
	}
	lf, err := toFloat(left)
	if err != nil {
		return nil, err
	}
	rf, err := toFloat(right)
	if err != nil {
		return nil, err
	}
	switch op {
	case tokenPlus:
		return lf + rf, nil
	case tokenMinus:
		return lf - rf, nil
	case tokenStar:
		return lf * rf, nil
	case tokenSlash:
		if rf == 0 {
			return nil, errors.New("division by zero")
		}
		return lf / rf, nil
	case tokenPercent:
		if rf == 0 {
			return nil, errors.New("modulo by zero")
		}
		return math.Mod(lf, rf), nil
	}
	return nil, errors.New("unknown arithmetic operator")
}

func compare(op tokenKind, left, right any) (any, error) {
	lf, lerr := toFloat(left)
	rf, rerr := toFloat(right)
	if lerr == nil && rerr == nil {
		switch op {
		case tokenEq:
			return lf == rf, nil
		case tokenNeq:
			return lf != rf, nil
		case tokenLt:
			return lf < rf, nil
		case tokenLte:
			return lf <= rf, nil
		case tokenGt:
			return lf > rf, nil
		case tokenGte:
			return lf >= rf, nil
		}
	}
	ls := toString(left)
	rs := toString(right)
	switch op {
	case tokenEq:
		return ls == rs, nil
	case tokenNeq:
		return ls != rs, nil
	case tokenLt:
		return ls < rs, nil
	case tokenLte:
		return ls <= rs, nil
	case tokenGt:
		return ls > rs, nil
	case tokenGte:
		return ls >= rs, nil
	}
	return nil, errors.New("unknown comparison operator")
}

func evalCall(n *CallNode, resolve Resolver) (any, error) {
	args := make([]any, len(n.Args))
	for i, argNode := range n.Args {
		value, err := Eval(argNode, resolve)
		if err != nil {
			return nil, err
		}
		args[i] = value
	}
	switch n.Name {
	case "fraction":
		if len(args) != 2 {
			return nil, errors.New("fraction takes two arguments")
		}
		num, err := toFloat(args[0])
		if err != nil {
			return nil, err
		}
		den, err := toFloat(args[1])
		if err != nil {
			return nil, err
		}
		if den == 0 {
			return "", nil
		}
		return num / den, nil
	case "round":
		if len(args) != 1 {
			return nil, errors.New("round takes one argument")
		}
		f, err := toFloat(args[0])
		if err != nil {
			return nil, err
		}
		return int64(math.Round(f)), nil
	case "abs":
		if len(args) != 1 {
			return nil, errors.New("abs takes one argument")
		}
		if i, ok := asInt(args[0]); ok {
			if i < 0 {
				return -i, nil
			}
			return i, nil
		}
		f, err := toFloat(args[0])
		if err != nil {
			return nil, err
		}
		return math.Abs(f), nil
	case "min", "max":
		if len(args) == 0 {
			return nil, fmt.Errorf("%s takes at least one argument", n.Name)
		}
		best, err := toFloat(args[0])
		if err != nil {
			return nil, err
		}
		for _, arg := range args[1:] {
			f, err := toFloat(arg)
			if err != nil {
				return nil, err
			}
			if n.Name == "min" && f < best || n.Name == "max" && f > best {
				best = f
			}
		}
		return best, nil
	}
	return nil, fmt.Errorf("unknown function %q", n.Name)
}

func asInt(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", v)
		}
		return f, nil
	case nil:
		return 0, errors.New("not numeric: nil")
	}
	return 0, fmt.Errorf("not numeric: %T", value)
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", value)
}

func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v != ""
	case int64:
		return v != 0
	case float64:
		return v != 0
	case nil:
		return false
	}
	return true
}

// EvalBool evaluates a filter expression to a boolean.
func EvalBool(node Node, resolve Resolver) (bool, error) {
	value, err := Eval(node, resolve)
	if err != nil {
		return false, err
	}
	return truthy(value), nil
}

// FormulaHasData implements the no-data rule for process formulas: a
// parenthesised group that references tracked columns counts as having data
// only if at least one of those columns is populated, and the formula as a
// whole must reference at least one populated tracked column. When the rule
// fails the caller emits the empty sentinel instead of computing a spurious
// zero.
func FormulaHasData(root Node, tracked func(string) bool, populated func(string) bool) bool {
	groupsOK := true
	var walk func(Node)
	walk = func(node Node) {
		if !groupsOK {
			return
		}
		switch n := node.(type) {
		case *GroupNode:
			if !namesHaveData(n.Inner, tracked, populated, false) {
				groupsOK = false
				return
			}
			walk(n.Inner)
		case *UnaryNode:
			walk(n.Operand)
		case *BinaryNode:
			walk(n.Left)
			walk(n.Right)
		case *CallNode:
			for _, arg := range n.Args {
				walk(arg)
			}
		}
	}
	walk(root)
	if !groupsOK {
		return false
	}
	return namesHaveData(root, tracked, populated, true)
}

// namesHaveData reports whether any tracked variable in the subtree is
// populated. requireTracked makes an expression with no tracked variables
// count as no-data, matching the whole-formula rule.
func namesHaveData(node Node, tracked, populated func(string) bool, requireTracked bool) bool {
	names := node.Variables(nil)
	sawTracked := false
	for _, name := range names {
		if !tracked(name) {
			continue
		}
		sawTracked = true
		if populated(name) {
			return true
		}
	}
	if !sawTracked && !requireTracked {
		return true
	}
	return false
}
