package headless

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/procurement-crawler/internal/fetcher"
)

// ErrUnavailable is returned by Noop.
var ErrUnavailable = errors.New("headless rendering is disabled")

// Noop stands in when headless rendering is disabled. Sources marked headless
// fail their fetch with ErrUnavailable instead of silently scraping the
// unrendered page.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails.
func (Noop) Fetch(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	return fetcher.Response{}, fmt.Errorf("%s: %w", req.URL, ErrUnavailable)
}
