// Package summarize produces short natural-language summaries of file
// content via an OpenAI-compatible chat API.
package summarize

import (
	"context"
	"errors"
)

// ErrRateLimited indicates the upstream model rejected the request for quota
// reasons.  The dispatcher reports it to the user as a transient condition.
var ErrRateLimited = errors.New("summarize: provider rate limited")

// Request carries the content to summarize.  Name gives the model context
// about what kind of document it is looking at.
type Request struct {
	Name    string
	Content string
}

// Provider turns file content into a summary.  Implementations must be safe
// for concurrent use.
type Provider interface {
	Summarize(ctx context.Context, req Request) (string, error)
}
