package path

import "errors"

// Parse errors. Use errors.Is to check for these in calling code.
var (
	// ErrEmptySegment is returned for "a..b", a leading or a trailing dot.
	ErrEmptySegment = errors.New("path: empty segment")

	// ErrIllegalCharacter is returned when a literal segment contains a
	// character outside [A-Za-z0-9_-].
	ErrIllegalCharacter = errors.New("path: illegal character")

	// ErrUnbalancedBrackets is returned when alias brackets do not pair up.
	ErrUnbalancedBrackets = errors.New("path: unbalanced alias brackets")

	// ErrUnterminatedQuote is returned when a quoted alias value never closes.
	ErrUnterminatedQuote = errors.New("path: unterminated quoted alias value")

	// ErrInvalidAlias is returned for alias groups that are empty or whose
	// pairs lack a "sub-path:value" separator.
	ErrInvalidAlias = errors.New("path: invalid alias")

	// ErrTooLong is returned when a path exceeds MaxSegments.
	ErrTooLong = errors.New("path: too many segments")
)
