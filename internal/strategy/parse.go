package strategy

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/atlas-quant/atlas-backtester/internal/version"
	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// Strategy is a fully parsed, validated strategy document ready for
// execution.
type Strategy struct {
	Root          *Node
	Tickers       []string
	Period        int
	EndDate       string
	Hash          string
	SchemaVersion string
}

// flexInt decodes a JSON number or a numeric string. Strategy documents
// produced by the web builder serialize all numbers as strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidParameter, err, "invalid integer value %q", s)
	}

	*f = flexInt(v)

	return nil
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidParameter, err, "invalid numeric value %q", s)
	}

	*f = flexFloat(v)

	return nil
}

type rawNode struct {
	ID         string               `json:"id"`
	Type       string               `json:"type"`
	Name       string               `json:"name"`
	Properties json.RawMessage      `json:"properties"`
	Branches   map[string][]rawNode `json:"branches"`
	Sequence   []rawNode            `json:"sequence"`
	Hash       string               `json:"hash"`
	ParentHash string               `json:"parentHash"`
}

type rawDocument struct {
	rawNode

	Tickers       []string `json:"tickers"`
	SchemaVersion string   `json:"schemaVersion"`
}

// rawEnvelope is the outer wrapper some producers emit: the document itself
// is a JSON string under "json", with run parameters alongside.
type rawEnvelope struct {
	JSON    string  `json:"json"`
	Period  flexInt `json:"period"`
	EndDate string  `json:"end_date"`
	Hash    string  `json:"hash"`
}

type rawOperand struct {
	Indicator string  `json:"indicator"`
	Source    string  `json:"source"`
	Period    flexInt `json:"period"`
}

type rawConditionProps struct {
	Comparison string      `json:"comparison"`
	X          *rawOperand `json:"x"`
	Y          *rawOperand `json:"y"`
}

type rawSelect struct {
	Function string  `json:"function"`
	HowMany  flexInt `json:"howmany"`
}

type rawSortBy struct {
	Function string  `json:"function"`
	Window   flexInt `json:"window"`
	Period   flexInt `json:"period"`
}

type rawSortProps struct {
	Select *rawSelect `json:"select"`
	SortBy *rawSortBy `json:"sortby"`
}

type rawAllocationProps struct {
	Function           string               `json:"function"`
	AllocationFunction string               `json:"allocation_function"`
	Period             flexInt              `json:"period"`
	Values             map[string]flexFloat `json:"values"`
}

type rawStockProps struct {
	Symbol string `json:"symbol"`
}

// Parse decodes a strategy document, converts every string-typed tag to its
// enum, fills in missing content hashes and validates the tree shape. It
// accepts either a bare document or the enveloped form where the document is
// a JSON string under a "json" key.
func Parse(data []byte) (*Strategy, error) {
	var envelope rawEnvelope
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.JSON != "" {
		inner, err := Parse([]byte(envelope.JSON))
		if err != nil {
			return nil, err
		}

		inner.Period = int(envelope.Period)
		inner.EndDate = envelope.EndDate
		if envelope.Hash != "" {
			inner.Hash = envelope.Hash
		}

		return inner, nil
	}

	var doc rawDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidStructure, "strategy document is not valid JSON", err)
	}

	schemaVersion := doc.SchemaVersion
	if schemaVersion == "" {
		schemaVersion = version.SchemaVersion
	}

	if err := version.CheckSchemaCompatibility(version.SchemaVersion, schemaVersion); err != nil {
		return nil, errors.Wrap(errors.ErrCodeSchemaVersion, "unsupported strategy schema", err)
	}

	root, err := convertNode(doc.rawNode)
	if err != nil {
		return nil, err
	}

	EnsureHashes(root)

	if err := Validate(root); err != nil {
		return nil, err
	}

	tickers := doc.Tickers
	if len(tickers) == 0 {
		tickers = root.Tickers()
	}

	return &Strategy{
		Root:          root,
		Tickers:       tickers,
		Hash:          root.Hash,
		SchemaVersion: schemaVersion,
	}, nil
}

// ParseNode decodes a single node subtree without document-level fields.
// Used by tests and by tooling that manipulates fragments.
func ParseNode(data []byte) (*Node, error) {
	var raw rawNode
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidStructure, "node is not valid JSON", err)
	}

	node, err := convertNode(raw)
	if err != nil {
		return nil, err
	}

	EnsureHashes(node)

	return node, nil
}

func convertNode(raw rawNode) (*Node, error) {
	kind, err := ParseNodeKind(raw.Type)
	if err != nil {
		return nil, err
	}

	node := &Node{
		Kind:       kind,
		Name:       raw.Name,
		Hash:       raw.Hash,
		ParentHash: raw.ParentHash,
	}

	switch kind {
	case KindStock:
		node.Stock, err = convertStockProps(raw.Properties)
	case KindCondition:
		node.Condition, err = convertConditionProps(raw.Properties)
	case KindSort:
		node.Sort, err = convertSortProps(raw.Properties)
	case KindAllocation:
		node.Allocation, err = convertAllocationProps(raw.Properties)
	case KindRoot, KindFolder, KindComment:
		// No typed payload.
	}

	if err != nil {
		return nil, err
	}

	for _, child := range raw.Sequence {
		converted, err := convertNode(child)
		if err != nil {
			return nil, err
		}

		node.Sequence = append(node.Sequence, converted)
	}

	if len(raw.Branches) > 0 {
		node.Branches = make(map[string][]*Node, len(raw.Branches))
		node.BranchKeys = make([]string, 0, len(raw.Branches))

		for key := range raw.Branches {
			node.BranchKeys = append(node.BranchKeys, key)
		}

		sort.Strings(node.BranchKeys)

		for _, key := range node.BranchKeys {
			// The entry is created even for an empty branch so validation
			// can tell an empty branch from an absent one.
			children := make([]*Node, 0, len(raw.Branches[key]))

			for _, child := range raw.Branches[key] {
				converted, err := convertNode(child)
				if err != nil {
					return nil, err
				}

				children = append(children, converted)
			}

			node.Branches[key] = children
		}
	}

	return node, nil
}

func convertStockProps(data json.RawMessage) (*StockProperties, error) {
	if len(data) == 0 {
		return nil, errors.New(errors.ErrCodeMissingProperty, "stock node has no properties")
	}

	var raw rawStockProps
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidStructure, "invalid stock properties", err)
	}

	if raw.Symbol == "" {
		return nil, errors.New(errors.ErrCodeMissingProperty, "stock node is missing symbol")
	}

	return &StockProperties{Symbol: raw.Symbol}, nil
}

func convertConditionProps(data json.RawMessage) (*ConditionProperties, error) {
	if len(data) == 0 {
		return nil, errors.New(errors.ErrCodeMissingProperty, "condition node has no properties")
	}

	var raw rawConditionProps
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidStructure, "invalid condition properties", err)
	}

	if raw.Comparison == "" || raw.X == nil || raw.Y == nil {
		return nil, errors.New(errors.ErrCodeMissingProperty, "condition node requires x, y and comparison")
	}

	comparator, err := ParseComparator(raw.Comparison)
	if err != nil {
		return nil, err
	}

	x, err := convertOperand(raw.X)
	if err != nil {
		return nil, err
	}

	y, err := convertOperand(raw.Y)
	if err != nil {
		return nil, err
	}

	return &ConditionProperties{Comparator: comparator, X: x, Y: y}, nil
}

func convertOperand(raw *rawOperand) (Operand, error) {
	if raw.Indicator == "" || raw.Source == "" {
		return Operand{}, errors.New(errors.ErrCodeMissingProperty, "operand requires indicator and source")
	}

	kind, err := ParseIndicatorKind(raw.Indicator)
	if err != nil {
		return Operand{}, err
	}

	return Operand{Indicator: kind, Source: raw.Source, Period: int(raw.Period)}, nil
}

func convertSortProps(data json.RawMessage) (*SortProperties, error) {
	if len(data) == 0 {
		return nil, errors.New(errors.ErrCodeMissingProperty, "sort node has no properties")
	}

	var raw rawSortProps
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidStructure, "invalid sort properties", err)
	}

	if raw.Select == nil || raw.SortBy == nil {
		return nil, errors.New(errors.ErrCodeMissingProperty, "sort node requires select and sortby")
	}

	selectFn, err := ParseSelectFunction(raw.Select.Function)
	if err != nil {
		return nil, err
	}

	sortBy, err := ParseIndicatorKind(raw.SortBy.Function)
	if err != nil {
		return nil, err
	}

	count := int(raw.Select.HowMany)
	if count <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "sort selection count must be positive, got %d", count)
	}

	// "window" and "period" are interchangeable in documents.
	window := int(raw.SortBy.Window)
	if window == 0 {
		window = int(raw.SortBy.Period)
	}

	return &SortProperties{
		Select: selectFn,
		Count:  count,
		SortBy: sortBy,
		Window: window,
	}, nil
}

func convertAllocationProps(data json.RawMessage) (*AllocationProperties, error) {
	if len(data) == 0 {
		return nil, errors.New(errors.ErrCodeMissingProperty, "allocation node has no properties")
	}

	var raw rawAllocationProps
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidStructure, "invalid allocation properties", err)
	}

	name := raw.Function
	if name == "" {
		name = raw.AllocationFunction
	}

	if name == "" {
		return nil, errors.New(errors.ErrCodeMissingProperty, "allocation node is missing function")
	}

	fn, err := ParseAllocationFunction(name)
	if err != nil {
		return nil, err
	}

	props := &AllocationProperties{Function: fn, Period: int(raw.Period)}

	if fn == AllocationManual {
		if len(raw.Values) == 0 {
			return nil, errors.New(errors.ErrCodeMissingProperty, "manual allocation is missing values")
		}

		props.Manual = make(map[string]float64, len(raw.Values))
		for key, value := range raw.Values {
			props.Manual[key] = float64(value)
		}
	}

	return props, nil
}
