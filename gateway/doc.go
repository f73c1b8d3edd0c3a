// Package gateway exposes the experiment's broadcast state to browsers and
// other external tools.
//
// Monitor reads messages from a subscriber and pushes each one to every
// connected websocket client as JSON:
//
//	{"envelope": "ScopeStateMsg", "type": "ScopeStateMsg", "payload": {"state": 1}}
//
// A client that connects late first receives the latest message of every
// envelope seen so far, then the live stream. The view is read-only; clients
// command the microscope through the control router, never through the
// gateway.
//
// Routes are registered on a caller-provided mux:
//
//	mux := http.NewServeMux()
//	mon.RegisterHTTPHandlers("/monitor/", mux)
//	// GET /monitor/ws        websocket stream
//	// GET /monitor/snapshot  latest message per envelope, as a JSON array
package gateway
