package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
)

// ErrDisabled is returned by Noop for every fetch.
var ErrDisabled = errors.New("headless fetcher not configured")

// Noop stands in when headless fallback is disabled.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrDisabled.
func (Noop) Fetch(_ context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, ErrDisabled
}
