package utils

import (
	"context"
	"time"
)

const DefaultTimeout = 2 * time.Minute

func NewContext() (ctx context.Context, cancel func()) {
	return context.WithTimeout(context.TODO(), DefaultTimeout)
}

// NewContextTimeout bounds a single upstream call. A non-positive timeout
// falls back to the default.
func NewContextTimeout(timeout time.Duration) (ctx context.Context, cancel func()) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(context.TODO(), timeout)
}
