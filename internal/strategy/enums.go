package strategy

import (
	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// NodeKind identifies the behavior of a strategy tree node. Kinds are parsed
// from document strings exactly once, so the evaluator dispatches on a closed
// set.
type NodeKind int

const (
	KindRoot NodeKind = iota
	KindFolder
	KindStock
	KindCondition
	KindSort
	KindAllocation
	KindComment
)

func (k NodeKind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindFolder:
		return "folder"
	case KindStock:
		return "stock"
	case KindCondition:
		return "condition"
	case KindSort:
		return "sort"
	case KindAllocation:
		return "allocation"
	case KindComment:
		return "comment"
	default:
		return "unknown"
	}
}

// ParseNodeKind maps a strategy document type string to a NodeKind.
func ParseNodeKind(s string) (NodeKind, error) {
	switch s {
	case "root":
		return KindRoot, nil
	case "folder":
		return KindFolder, nil
	case "stock":
		return KindStock, nil
	case "condition":
		return KindCondition, nil
	case "Sort", "sort":
		return KindSort, nil
	case "allocation":
		return KindAllocation, nil
	case "comment":
		return KindComment, nil
	default:
		return 0, errors.Newf(errors.ErrCodeUnknownNodeKind, "unknown node type: %q", s)
	}
}

// Comparator is the pointwise boolean operator of a condition node.
type Comparator int

const (
	CompareGreaterThan Comparator = iota
	CompareLessThan
	CompareEqual
	CompareGreaterEqual
	CompareLessEqual
	CompareNotEqual
)

func (c Comparator) String() string {
	switch c {
	case CompareGreaterThan:
		return ">"
	case CompareLessThan:
		return "<"
	case CompareEqual:
		return "=="
	case CompareGreaterEqual:
		return ">="
	case CompareLessEqual:
		return "<="
	case CompareNotEqual:
		return "!="
	default:
		return "unknown"
	}
}

// ParseComparator maps a comparison string to a Comparator. "=" and "<>" are
// accepted aliases for "==" and "!=".
func ParseComparator(s string) (Comparator, error) {
	switch s {
	case ">":
		return CompareGreaterThan, nil
	case "<":
		return CompareLessThan, nil
	case "==", "=":
		return CompareEqual, nil
	case ">=":
		return CompareGreaterEqual, nil
	case "<=":
		return CompareLessEqual, nil
	case "!=", "<>":
		return CompareNotEqual, nil
	default:
		return 0, errors.Newf(errors.ErrCodeUnknownComparator, "unknown comparator: %q", s)
	}
}

// IndicatorKind identifies the series a condition operand or sort metric is
// computed from.
type IndicatorKind int

const (
	IndicatorCurrentPrice IndicatorKind = iota
	IndicatorSMA
	IndicatorEMA
	IndicatorRSI
	IndicatorStdDevReturn
	IndicatorAvgReturn
	IndicatorPortfolioReturn
)

func (k IndicatorKind) String() string {
	switch k {
	case IndicatorCurrentPrice:
		return "current price"
	case IndicatorSMA:
		return "Simple Moving Average of Price"
	case IndicatorEMA:
		return "Exponential Moving Average of Price"
	case IndicatorRSI:
		return "Relative Strength Index"
	case IndicatorStdDevReturn:
		return "Standard Deviation of Return"
	case IndicatorAvgReturn:
		return "Moving Average of Return"
	case IndicatorPortfolioReturn:
		return "Portfolio Return"
	default:
		return "unknown"
	}
}

// ParseIndicatorKind maps a strategy document indicator name to an
// IndicatorKind. Names follow the document vocabulary, e.g.
// "Simple Moving Average of Price".
func ParseIndicatorKind(s string) (IndicatorKind, error) {
	switch s {
	case "current price":
		return IndicatorCurrentPrice, nil
	case "Simple Moving Average of Price":
		return IndicatorSMA, nil
	case "Exponential Moving Average of Price":
		return IndicatorEMA, nil
	case "Relative Strength Index":
		return IndicatorRSI, nil
	case "Standard Deviation of Return":
		return IndicatorStdDevReturn, nil
	case "Moving Average of Return":
		return IndicatorAvgReturn, nil
	case "Portfolio Return":
		return IndicatorPortfolioReturn, nil
	default:
		return 0, errors.Newf(errors.ErrCodeUnknownSortFunction, "unknown indicator: %q", s)
	}
}

// SelectFunction decides which end of the ranking a sort node keeps.
type SelectFunction int

const (
	SelectTop SelectFunction = iota
	SelectBottom
)

func (f SelectFunction) String() string {
	if f == SelectBottom {
		return "Bottom"
	}

	return "Top"
}

func ParseSelectFunction(s string) (SelectFunction, error) {
	switch s {
	case "Top":
		return SelectTop, nil
	case "Bottom":
		return SelectBottom, nil
	default:
		return 0, errors.Newf(errors.ErrCodeUnknownSelect, "unknown select function: %q", s)
	}
}

// AllocationFunction is the weighting scheme of an allocation node.
type AllocationFunction int

const (
	AllocationEqual AllocationFunction = iota
	AllocationInverseVolatility
	AllocationMarketCap
	AllocationManual
)

func (f AllocationFunction) String() string {
	switch f {
	case AllocationEqual:
		return "Equal Allocation"
	case AllocationInverseVolatility:
		return "Inverse Volatility"
	case AllocationMarketCap:
		return "Market Cap"
	case AllocationManual:
		return "Allocation"
	default:
		return "unknown"
	}
}

// ParseAllocationFunction maps a strategy document allocation name to an
// AllocationFunction. Display names and snake_case identifiers are both
// accepted.
func ParseAllocationFunction(s string) (AllocationFunction, error) {
	switch s {
	case "Equal Allocation", "equal":
		return AllocationEqual, nil
	case "Inverse Volatility", "inverse_volatility":
		return AllocationInverseVolatility, nil
	case "Market Cap", "market_cap":
		return AllocationMarketCap, nil
	case "Allocation", "manual":
		return AllocationManual, nil
	default:
		return 0, errors.Newf(errors.ErrCodeUnknownAllocation, "unknown allocation function: %q", s)
	}
}
