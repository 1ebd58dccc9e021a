package ratelimit

import "fmt"

// Count is a non-negative number of requests observed in a window.
type Count int

// NewCount returns n as a Count, rejecting negative values.
func NewCount(n int) (Count, error) {
	if n < 0 {
		return 0, fmt.Errorf("request count must be non-negative, got %d", n)
	}
	return Count(n), nil
}

// Exceeds reports whether the count has reached the limit. The request that
// would make the count equal to the limit is already rejected.
func (c Count) Exceeds(limit int) bool {
	return int(c) >= limit
}

// Remaining returns how many more requests fit under limit, never negative.
func (c Count) Remaining(limit int) int {
	if r := limit - int(c); r > 0 {
		return r
	}
	return 0
}

// Int returns the count as an int.
func (c Count) Int() int {
	return int(c)
}
