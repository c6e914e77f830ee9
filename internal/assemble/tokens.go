package assemble

import "unicode/utf8"

// =============================================================================
// Token Counting Utilities
// =============================================================================
// Token estimation for context budget management. The heuristic is calibrated
// for Claude's tokenizer (~4 characters per token).

// TokenCounter provides token estimation.
type TokenCounter struct {
	charsPerToken float64
}

// NewTokenCounter creates a token counter with default calibration.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{
		charsPerToken: 4.0,
	}
}

// CountString estimates tokens in a string.
func (tc *TokenCounter) CountString(s string) int {
	if s == "" {
		return 0
	}
	runeCount := utf8.RuneCountInString(s)
	return int(float64(runeCount) / tc.charsPerToken)
}

// EstimateTokens estimates tokens with the default calibration.
func EstimateTokens(s string) int {
	return NewTokenCounter().CountString(s)
}
