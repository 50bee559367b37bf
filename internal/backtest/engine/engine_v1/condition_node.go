package engine

import (
	"context"
	"math"

	"github.com/atlas-quant/atlas-backtester/internal/strategy"
	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// comparisonEpsilon is the tolerance for the == and != comparators. Exact
// float equality between two indicator series is meaningless.
const comparisonEpsilon = 1e-6

// processCondition evaluates both operand series, partitions the active mask
// by the comparison outcome and routes the full weight down each side for
// its days. Every active day goes to exactly one branch.
func processCondition(ctx context.Context, ec *evaluationContext, node *strategy.Node, mask []bool, totalDays int, weight float64) (int, error) {
	cond := node.Condition

	ec.countFlow(node)

	x, err := resolveOperand(ctx, ec, cond.X, totalDays)
	if err != nil {
		return 0, err
	}

	y, err := resolveOperand(ctx, ec, cond.Y, totalDays)
	if err != nil {
		return 0, err
	}

	// Operands may return fewer days than requested; align both to the
	// shorter tail. The untested leading days stay with whatever earlier
	// siblings stamped on them.
	effectiveDays := minInt(minInt(len(x), len(y)), totalDays)
	if effectiveDays == 0 {
		return 0, errors.Newf(errors.ErrCodeConditionEval, "condition %q has no evaluable days", node.Name)
	}

	x = x[len(x)-effectiveDays:]
	y = y[len(y)-effectiveDays:]

	trueMask := make([]bool, effectiveDays)
	falseMask := make([]bool, effectiveDays)

	offset := len(mask) - effectiveDays
	for day := 0; day < effectiveDays; day++ {
		active := mask[offset+day]
		holds := compareValues(cond.Comparator, x[day], y[day])

		trueMask[day] = holds && active
		falseMask[day] = !holds && active
	}

	trueSpan, err := processBranch(ctx, ec, node.TrueBranch(), trueMask, effectiveDays, weight)
	if err != nil {
		return 0, err
	}

	falseSpan, err := processBranch(ctx, ec, node.FalseBranch(), falseMask, effectiveDays, weight)
	if err != nil {
		return 0, err
	}

	span := minInt(minInt(trueSpan, falseSpan), effectiveDays)

	ec.snapshotFlow(node, span)

	return span, nil
}

// compareValues applies a comparator pointwise. NaN on either side fails
// every comparison, sending the day to the false branch.
func compareValues(op strategy.Comparator, a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return false
	}

	switch op {
	case strategy.CompareGreaterThan:
		return a > b
	case strategy.CompareLessThan:
		return a < b
	case strategy.CompareGreaterEqual:
		return a >= b
	case strategy.CompareLessEqual:
		return a <= b
	case strategy.CompareEqual:
		return math.Abs(a-b) < comparisonEpsilon
	case strategy.CompareNotEqual:
		return math.Abs(a-b) >= comparisonEpsilon
	default:
		return false
	}
}
