package expr

// Node is a parsed expression tree node.
type Node interface {
	// Variables appends the names of all variables referenced in the
	// subtree to dst and returns it.
	Variables(dst []string) []string
}

// NumberNode is a numeric literal. Integral literals keep integer identity.
type NumberNode struct {
	Int     int64
	Float   float64
	IsFloat bool
}

// StringNode is a quoted string literal.
type StringNode struct {
	Value string
}

// VarNode references a column, HXL hashtag or other bound name.
type VarNode struct {
	Name string
}

// GroupNode is an explicitly parenthesised subexpression. It is kept in the
// tree (rather than being parse-time sugar) because the no-data rule for
// process formulas applies per parenthesised group.
type GroupNode struct {
	Inner Node
}

// UnaryNode is negation or logical not.
type UnaryNode struct {
	Op      tokenKind
	Operand Node
}

// BinaryNode is an arithmetic, comparison or logical operation.
type BinaryNode struct {
	Op          tokenKind
	Left, Right Node
}

// CallNode invokes a builtin function such as fraction or round.
type CallNode struct {
	Name string
	Args []Node
}

func (n *NumberNode) Variables(dst []string) []string { return dst }
func (n *StringNode) Variables(dst []string) []string { return dst }

func (n *VarNode) Variables(dst []string) []string { return append(dst, n.Name) }

func (n *GroupNode) Variables(dst []string) []string { return n.Inner.Variables(dst) }

func (n *UnaryNode) Variables(dst []string) []string { return n.Operand.Variables(dst) }

func (n *BinaryNode) Variables(dst []string) []string {
	return n.Right.Variables(n.Left.Variables(dst))
}

func (n *CallNode) Variables(dst []string) []string {
	for _, arg := range n.Args {
		dst = arg.Variables(dst)
	}
	return dst
}
