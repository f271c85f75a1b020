// Package oracle implements the Oracle client of spec.md §4.2: a
// request→response interface to a no-tool LLM. The call is fallible
// (returns error) rather than throwing; timeout, retries, and
// token-limit handling are left to the caller.
package oracle

import "context"

// Oracle is the pluggable Oracle Runtime.
type Oracle interface {
	// Complete sends systemPrompt (optional) and prompt, returning the
	// completion text or an error.
	Complete(ctx context.Context, systemPrompt, prompt string) (string, error)
}
