// Package strategy holds the parsed strategy tree model. A strategy document
// arrives as JSON with string-typed node kinds, comparators and function
// names; parsing converts all of them to closed enum types exactly once, so
// the evaluator never sees an unknown string at dispatch time. Nodes are
// immutable after Parse returns.
package strategy

// Operand describes one side of a condition comparison: an indicator
// computed over a source ticker's price series.
type Operand struct {
	Indicator IndicatorKind
	Source    string
	Period    int
}

// StockProperties is the payload of a terminal stock node.
type StockProperties struct {
	Symbol string
}

// ConditionProperties is the payload of a condition node.
type ConditionProperties struct {
	Comparator Comparator
	X          Operand
	Y          Operand
}

// SortProperties is the payload of a sort node. Count is the number of
// branches kept per day, Window the lookback of the ranking metric.
type SortProperties struct {
	Select SelectFunction
	Count  int
	SortBy IndicatorKind
	Window int
}

// AllocationProperties is the payload of an allocation node. Period is the
// volatility lookback for the inverse-volatility scheme. Manual holds
// per-branch percentages for the manual scheme and must sum to 100.
type AllocationProperties struct {
	Function AllocationFunction
	Period   int
	Manual   map[string]float64
}

// Node is one vertex of the strategy tree. Exactly one of the property
// pointers is set, matching Kind. Folder and root nodes carry children in
// Sequence; condition, sort and allocation nodes carry named sub-forests in
// Branches.
type Node struct {
	Kind       NodeKind
	Name       string
	Hash       string
	ParentHash string

	Sequence []*Node
	Branches map[string][]*Node

	// BranchKeys is the deterministic iteration order of Branches,
	// sorted lexicographically.
	BranchKeys []string

	Stock      *StockProperties
	Condition  *ConditionProperties
	Sort       *SortProperties
	Allocation *AllocationProperties
}

// NonCommentSequence returns the sequence children that participate in
// evaluation. Comment nodes are skipped for weight division and span
// bookkeeping.
func (n *Node) NonCommentSequence() []*Node {
	children := make([]*Node, 0, len(n.Sequence))
	for _, child := range n.Sequence {
		if child.Kind != KindComment {
			children = append(children, child)
		}
	}

	return children
}

// TrueBranch returns the nodes evaluated on days the condition holds.
func (n *Node) TrueBranch() []*Node {
	return n.Branches["true"]
}

// FalseBranch returns the nodes evaluated on days the condition fails.
func (n *Node) FalseBranch() []*Node {
	return n.Branches["false"]
}

// Tickers walks the subtree and collects every ticker it references, both
// stock symbols and condition operand sources, deduplicated and sorted by
// first appearance.
func (n *Node) Tickers() []string {
	seen := make(map[string]bool)
	var out []string

	var walk func(node *Node)
	walk = func(node *Node) {
		add := func(ticker string) {
			if ticker != "" && !seen[ticker] {
				seen[ticker] = true
				out = append(out, ticker)
			}
		}

		if node.Stock != nil {
			add(node.Stock.Symbol)
		}

		if node.Condition != nil {
			add(node.Condition.X.Source)
			add(node.Condition.Y.Source)
		}

		for _, child := range node.Sequence {
			walk(child)
		}

		for _, key := range node.BranchKeys {
			for _, child := range node.Branches[key] {
				walk(child)
			}
		}
	}

	walk(n)

	return out
}
