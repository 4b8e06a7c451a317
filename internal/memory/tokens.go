// Package memory builds model context from conversation state: system
// blocks, tail messages, retrieved long-term memories, and the token
// bookkeeping flags that drive the observer and reflector.
package memory

// EstimateTokens deterministically estimates the token count of a string as
// ceil(bytes/4). The same function is used at message insertion and by the
// observer/reflector threshold checks; the two must never diverge.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
