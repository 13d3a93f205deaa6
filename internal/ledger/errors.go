package ledger

import "errors"

// Validation errors.
var (
	ErrInvalidDay   = errors.New("invalid day, expected YYYY-MM-DD")
	ErrInvalidRange = errors.New("invalid date range")
)
