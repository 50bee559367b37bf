package errors

// ErrorCode identifies a class of failure raised by the backtester.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Structural errors (100-199): malformed strategy trees and node
	// definitions. Always fatal before any computation happens.
	ErrCodeInvalidStructure    ErrorCode = 100
	ErrCodeMissingProperty     ErrorCode = 101
	ErrCodeUnknownNodeKind     ErrorCode = 102
	ErrCodeUnknownComparator   ErrorCode = 103
	ErrCodeUnknownSortFunction ErrorCode = 104
	ErrCodeUnknownSelect       ErrorCode = 105
	ErrCodeUnknownAllocation   ErrorCode = 106
	ErrCodeInvalidParameter    ErrorCode = 107
	ErrCodeSchemaVersion       ErrorCode = 108

	// Data errors (200-299): price or market-cap data unavailable or too
	// short for the requested window.
	ErrCodeDataUnavailable  ErrorCode = 200
	ErrCodeInsufficientData ErrorCode = 201
	ErrCodeQueryFailed      ErrorCode = 202

	// Indicator errors (300-399)
	ErrCodeIndicatorCalculation ErrorCode = 300
	ErrCodeConditionEval        ErrorCode = 301

	// Node processing errors (400-499)
	ErrCodeStockNode      ErrorCode = 400
	ErrCodeConditionNode  ErrorCode = 401
	ErrCodeSortNode       ErrorCode = 402
	ErrCodeAllocationNode ErrorCode = 403

	// Configuration errors (500-599)
	ErrCodeInvalidConfiguration ErrorCode = 500
	ErrCodeManualWeightSum      ErrorCode = 501
	ErrCodeMissingPeriod        ErrorCode = 502

	// Engine errors (600-699)
	ErrCodeInvalidRunParams ErrorCode = 600
	ErrCodeEmptyDateRange   ErrorCode = 601

	// Cache errors (700-799)
	ErrCodeCacheRead      ErrorCode = 700
	ErrCodeCacheWrite     ErrorCode = 701
	ErrCodeCacheCorrupted ErrorCode = 702
)
