package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

func TestValidateConditionNeedsBothBranches(t *testing.T) {
	doc := `{
		"type": "condition",
		"properties": {
			"comparison": ">",
			"x": {"indicator": "current price", "source": "SPY"},
			"y": {"indicator": "current price", "source": "QQQ"}
		},
		"branches": {
			"true": [{"type": "stock", "properties": {"symbol": "QQQ"}}]
		}
	}`

	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidStructure))
}

func TestValidateSortNeedsBranches(t *testing.T) {
	doc := `{
		"type": "Sort",
		"properties": {
			"select": {"function": "Top", "howmany": "1"},
			"sortby": {"function": "Relative Strength Index", "window": "10"}
		}
	}`

	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidStructure))
}

func TestValidateEmptyFolderRejected(t *testing.T) {
	_, err := Parse([]byte(`{"type": "folder", "sequence": [{"type": "comment"}]}`))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidStructure))
}

func TestValidateManualAllocationCoversBranches(t *testing.T) {
	doc := `{
		"type": "allocation",
		"properties": {
			"function": "manual",
			"values": {"a": "100"}
		},
		"branches": {
			"a": [{"type": "stock", "properties": {"symbol": "QQQ"}}],
			"b": [{"type": "stock", "properties": {"symbol": "SHY"}}]
		}
	}`

	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidStructure))
}

func TestValidateNilRoot(t *testing.T) {
	err := Validate(nil)
	require.Error(t, err)
}

// Hand-built trees can carry a kind without its typed payload; Validate must
// reject them so the evaluator never dereferences a nil property set.
func TestValidateMissingPayloadRejected(t *testing.T) {
	stock := &Node{Kind: KindStock, Stock: &StockProperties{Symbol: "SPY"}}

	tests := []struct {
		name string
		node *Node
	}{
		{"stock", &Node{Kind: KindStock}},
		{
			"condition",
			&Node{
				Kind:       KindCondition,
				Branches:   map[string][]*Node{"true": {stock}, "false": {stock}},
				BranchKeys: []string{"false", "true"},
			},
		},
		{
			"sort",
			&Node{
				Kind:       KindSort,
				Branches:   map[string][]*Node{"a": {stock}},
				BranchKeys: []string{"a"},
			},
		},
		{
			"allocation",
			&Node{
				Kind:       KindAllocation,
				Branches:   map[string][]*Node{"a": {stock}},
				BranchKeys: []string{"a"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.node)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidStructure))
		})
	}
}

// An empty branch is legal: the condition simply holds nothing on its days.
func TestValidateEmptyConditionBranchAllowed(t *testing.T) {
	node := &Node{
		Kind: KindCondition,
		Condition: &ConditionProperties{
			Comparator: CompareGreaterThan,
			X:          Operand{Indicator: IndicatorCurrentPrice, Source: "SPY"},
			Y:          Operand{Indicator: IndicatorSMA, Source: "SPY", Period: 5},
		},
		Branches: map[string][]*Node{
			"true":  {{Kind: KindStock, Stock: &StockProperties{Symbol: "QQQ"}}},
			"false": nil,
		},
		BranchKeys: []string{"false", "true"},
	}

	require.NoError(t, Validate(node))
}
