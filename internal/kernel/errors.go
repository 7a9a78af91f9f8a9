package kernel

import "errors"

// ErrInvalidConfiguration is returned at mechanism construction when a
// parameter violates its domain (negative reserve, refund rate outside
// [0,1], weights summing above 1, and similar).
var ErrInvalidConfiguration = errors.New("kernel: invalid configuration")
