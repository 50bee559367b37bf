package engine

import (
	"context"

	"github.com/atlas-quant/atlas-backtester/internal/strategy"
	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// evaluate walks one node post-order and stamps its allocations into the
// last totalDays slots of the context portfolio. The mask has exactly
// totalDays entries; a node only touches days whose mask slot is true.
//
// The returned span is the number of trailing days the subtree produced
// valid data for. It shrinks below totalDays when an operand's history is
// shorter than requested, and callers propagate the minimum across siblings.
func evaluate(ctx context.Context, ec *evaluationContext, node *strategy.Node, mask []bool, totalDays int, weight float64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if len(mask) != totalDays {
		return 0, errors.Newf(errors.ErrCodeInvalidStructure,
			"mask length %d does not match %d evaluation days at node %q", len(mask), totalDays, node.Name)
	}

	defer ec.nodeProcessed()

	switch node.Kind {
	case strategy.KindComment:
		return totalDays, nil
	case strategy.KindStock:
		return processStock(ec, node, mask, totalDays, weight)
	case strategy.KindCondition:
		return processCondition(ctx, ec, node, mask, totalDays, weight)
	case strategy.KindSort:
		return processSort(ctx, ec, node, mask, totalDays, weight)
	case strategy.KindAllocation:
		return processAllocation(ctx, ec, node, mask, totalDays, weight)
	case strategy.KindRoot, strategy.KindFolder:
		return processFolder(ctx, ec, node, mask, totalDays, weight)
	default:
		return 0, errors.Newf(errors.ErrCodeUnknownNodeKind, "unhandled node kind %q", node.Kind)
	}
}

// processFolder divides the incoming weight equally among non-comment
// children and evaluates them in order over the same mask. The folder's span
// is the minimum across its children: a day is only trustworthy when every
// child produced data for it.
func processFolder(ctx context.Context, ec *evaluationContext, node *strategy.Node, mask []bool, totalDays int, weight float64) (int, error) {
	ec.countFlow(node)

	children := node.NonCommentSequence()
	if len(children) == 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidStructure, "%s node %q has no evaluable children", node.Kind, node.Name)
	}

	childWeight := weight / float64(len(children))
	span := totalDays

	for _, child := range children {
		childSpan, err := evaluate(ctx, ec, child, mask, totalDays, childWeight)
		if err != nil {
			return 0, err
		}

		if childSpan < span {
			span = childSpan
		}
	}

	ec.snapshotFlow(node, span)

	return span, nil
}

// processBranch evaluates the node list of one named branch, splitting the
// weight across its non-comment members like a folder. A branch with no
// active days is skipped entirely so its data requirements never fail a run
// that does not exercise it.
func processBranch(ctx context.Context, ec *evaluationContext, nodes []*strategy.Node, mask []bool, totalDays int, weight float64) (int, error) {
	if !anyActive(mask) {
		return totalDays, nil
	}

	active := nonCommentNodes(nodes)
	if len(active) == 0 {
		return totalDays, nil
	}

	childWeight := weight / float64(len(active))
	span := totalDays

	for _, child := range active {
		childSpan, err := evaluate(ctx, ec, child, mask, totalDays, childWeight)
		if err != nil {
			return 0, err
		}

		if childSpan < span {
			span = childSpan
		}
	}

	return span, nil
}

func nonCommentNodes(nodes []*strategy.Node) []*strategy.Node {
	out := make([]*strategy.Node, 0, len(nodes))
	for _, node := range nodes {
		if node.Kind != strategy.KindComment {
			out = append(out, node)
		}
	}

	return out
}

func anyActive(mask []bool) bool {
	for _, active := range mask {
		if active {
			return true
		}
	}

	return false
}

// expandMask grows a mask to n days for warm-up evaluation. The original
// mask occupies the trailing slots; the padded leading days are active so
// indicator histories cover them.
func expandMask(mask []bool, n int) []bool {
	out := make([]bool, n)
	for i := 0; i < n-len(mask); i++ {
		out[i] = true
	}

	copy(out[n-len(mask):], mask)

	return out
}

// countNodes returns the number of nodes one evaluation of the tree visits.
// Comment nodes are skipped before dispatch and do not count.
func countNodes(node *strategy.Node) int {
	if node.Kind == strategy.KindComment {
		return 0
	}

	total := 1

	for _, child := range node.Sequence {
		total += countNodes(child)
	}

	for _, key := range node.BranchKeys {
		for _, child := range node.Branches[key] {
			total += countNodes(child)
		}
	}

	return total
}

func minInt(a, b int) int {
	if a < b {
		return a
	}

	return b
}
