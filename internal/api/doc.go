// Package api provides the HTTP server of the ACS.
//
// It carries three surfaces:
//
//   - POST /cwmp, the JSON CWMP exchange endpoint. Each request body is
//     one rpc.Envelope; an empty body tells the ACS the device has nothing
//     more to send. The session is carried across requests in the
//     X-Session-ID header and a 204 reply ends it.
//   - /api/v1, the management API: devices, queued tasks, faults,
//     configuration reload, health and JSON metrics.
//   - /api/v1/ws, a WebSocket stream of session events.
//
// Prometheus metrics are served on /metrics.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
