package sessions

// TokenEstimator maps a message to a token estimate. The compactor only needs
// a consistent budget metric, so the estimator is pluggable; the default is
// the ~4 chars/token heuristic.
type TokenEstimator func(Message) int

// EstimateTokens is the default estimator: content plus tool call/result
// payloads at roughly four characters per token, with a small per-message
// framing overhead.
func EstimateTokens(m Message) int {
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments) + 16
	}
	chars += len(m.Result)
	tokens := chars/4 + 4
	return tokens
}

// TotalTokens sums estimates across messages, preferring stamped values.
func TotalTokens(msgs []Message, est TokenEstimator) int {
	if est == nil {
		est = EstimateTokens
	}
	total := 0
	for _, m := range msgs {
		if m.Tokens > 0 {
			total += m.Tokens
		} else {
			total += est(m)
		}
	}
	return total
}
