package runner

import "context"

// Service is a long-running component managed by the Runner. Services
// implement graceful startup and shutdown.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start initializes the service and returns once it is running.
	// Must respect context cancellation.
	Start(ctx context.Context) error

	// Stop shuts the service down, completing within the context timeout.
	Stop(ctx context.Context) error
}

// HealthChecker is an optional extension for services that can report
// their health.
type HealthChecker interface {
	Service

	// HealthCheck returns an error if the service is unhealthy.
	HealthCheck(ctx context.Context) error
}
