package reliability

import "log"

type FailureStrategy string

const (
	FailOpen   FailureStrategy = "fail_open"
	FailClosed FailureStrategy = "fail_closed"
)

// ParseStrategy maps a config value to a strategy; unknown values fail closed.
func ParseStrategy(s string) FailureStrategy {
	if FailureStrategy(s) == FailOpen {
		return FailOpen
	}
	if s != "" && FailureStrategy(s) != FailClosed {
		log.Printf("reliability: unknown failure strategy %q, using %s", s, FailClosed)
	}
	return FailClosed
}

// ShouldAllow determines if we should proceed given an error and a strategy
func ShouldAllow(strategy FailureStrategy, err error) bool {
	if err == nil {
		return true
	}
	return strategy == FailOpen
}
