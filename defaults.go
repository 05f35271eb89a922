package flagstore

import "time"

const (
	// DefaultTTL is a reasonable finite cache TTL for most deployments.
	DefaultTTL = 15 * time.Second

	defaultAsyncWorkers  = 2
	defaultAsyncQueue    = 64
	statusPollInterval   = 500 * time.Millisecond
	statusQueueLen       = 256
	initRecheckUnlimited = time.Second
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
