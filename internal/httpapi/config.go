package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Options configures the status API.
type Options struct {
	Logger zerolog.Logger
	// Gatherer is served on /metrics next to the default registry.
	Gatherer prometheus.Gatherer
	// CORSOrigins enables CORS for the listed origins. Empty disables CORS.
	CORSOrigins []string
	// Swagger mounts the API docs under /swagger/.
	Swagger bool
}
