package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when session metrics are turned
	// off in configuration. Callers run without a recorder.
	ErrDisabled = errors.New("influxdb: metrics disabled")

	// ErrConnectionFailed means the server did not answer the startup
	// ping or reported itself unhealthy.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is reported by HealthCheck after Close.
	ErrNotConnected = errors.New("influxdb: client closed")
)
