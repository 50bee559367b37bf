package strategy

import (
	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// Validate checks the structural invariants of a parsed tree: every leaf
// reachable from the root is a stock node, every condition has exactly a
// true and a false branch, and every sort or allocation branch set is
// non-empty. Property-level checks already happened during parsing.
func Validate(root *Node) error {
	if root == nil {
		return errors.New(errors.ErrCodeInvalidStructure, "strategy has no root node")
	}

	return validateNode(root)
}

func validateNode(n *Node) error {
	switch n.Kind {
	case KindComment:
		return nil

	case KindStock:
		if n.Stock == nil {
			return errors.New(errors.ErrCodeInvalidStructure, "stock node is missing its properties")
		}

		return nil

	case KindCondition:
		if n.Condition == nil {
			return errors.New(errors.ErrCodeInvalidStructure, "condition node is missing its comparison properties")
		}

		// An empty branch is legal (those days hold nothing); an absent
		// one is not.
		_, hasTrue := n.Branches["true"]
		_, hasFalse := n.Branches["false"]

		if len(n.Branches) != 2 || !hasTrue || !hasFalse {
			return errors.New(errors.ErrCodeInvalidStructure,
				"condition node must have exactly a true and a false branch")
		}

	case KindSort:
		if n.Sort == nil {
			return errors.New(errors.ErrCodeInvalidStructure, "sort node is missing its properties")
		}

		if len(n.Branches) == 0 {
			return errors.New(errors.ErrCodeInvalidStructure, "sort node has no branches")
		}

		for _, key := range n.BranchKeys {
			if len(n.Branches[key]) == 0 {
				return errors.Newf(errors.ErrCodeInvalidStructure, "sort branch %q is empty", key)
			}
		}

	case KindAllocation:
		if n.Allocation == nil {
			return errors.New(errors.ErrCodeInvalidStructure, "allocation node is missing its properties")
		}

		if len(n.Branches) == 0 {
			return errors.New(errors.ErrCodeInvalidStructure, "allocation node has no branches")
		}

		for _, key := range n.BranchKeys {
			if len(n.Branches[key]) == 0 {
				return errors.Newf(errors.ErrCodeInvalidStructure, "allocation branch %q is empty", key)
			}
		}

		if n.Allocation.Function == AllocationManual {
			for _, key := range n.BranchKeys {
				if _, ok := n.Allocation.Manual[key]; !ok {
					return errors.Newf(errors.ErrCodeInvalidStructure,
						"manual allocation is missing a value for branch %q", key)
				}
			}
		}

	case KindRoot, KindFolder:
		if len(n.NonCommentSequence()) == 0 {
			return errors.Newf(errors.ErrCodeInvalidStructure, "%s node has no children", n.Kind)
		}
	}

	for _, child := range n.Sequence {
		if err := validateNode(child); err != nil {
			return err
		}
	}

	for _, key := range n.BranchKeys {
		for _, child := range n.Branches[key] {
			if err := validateNode(child); err != nil {
				return err
			}
		}
	}

	return nil
}
