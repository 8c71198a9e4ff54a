// Package budget splits ordered work items into batches that fit a size
// budget and runs those batches with bounded concurrency.
//
// Sizes are estimates in abstract units. The estimator is deliberately
// pessimistic so that a batch planned under the budget stays under any
// real tokenizer's count for typical text.
package budget

import "unicode/utf8"

// EstimateSize returns a conservative size for text: the larger of one unit
// per four bytes and one unit per three characters, rounded up. The
// estimate never decreases when text is appended to.
func EstimateSize(text string) int {
	if text == "" {
		return 0
	}
	byBytes := ceilDiv(len(text), 4)
	byRunes := ceilDiv(utf8.RuneCountInString(text), 3)
	return max(byBytes, byRunes)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
