package agent

// breaker counts consecutive failures per tool name.
type breaker struct {
	threshold int
	failures  map[string]int
}

func newBreaker(threshold int) *breaker {
	return &breaker{threshold: threshold, failures: make(map[string]int)}
}

// failure records a failure of tool and reports whether this one tripped the
// breaker. The count starts over after a trip.
func (b *breaker) failure(tool string) (int, bool) {
	b.failures[tool]++
	n := b.failures[tool]
	if n == b.threshold {
		b.failures[tool] = 0
		return n, true
	}
	return n, false
}

func (b *breaker) success(tool string) {
	delete(b.failures, tool)
}

func (b *breaker) count(tool string) int {
	return b.failures[tool]
}
