package costing

import "errors"

var (
	// ErrRateUnresolved is returned when a rate required by the model is missing.
	ErrRateUnresolved = errors.New("costing: rate unresolved")
	// ErrUnknownModel is returned for an unsupported costing model.
	ErrUnknownModel = errors.New("costing: unknown costing model")
	// ErrUnknownAllocationBase is returned for an overhead pool with an unsupported base.
	ErrUnknownAllocationBase = errors.New("costing: unknown allocation base")
	// ErrInvalidAllocation is returned for fractions or rates outside their range.
	ErrInvalidAllocation = errors.New("costing: invalid allocation")
	// ErrNegativeDuration is returned when the priced duration is negative.
	ErrNegativeDuration = errors.New("costing: negative duration")
)
