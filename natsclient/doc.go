// Package natsclient implements transport.Conn over NATS.
//
// A Client wraps one *nats.Conn with a circuit breaker around connection
// attempts, drain-on-close, and connection metrics. Components never share
// a Client: they get a Factory and dial their own, so a control client that
// times out can drop its connection and re-dial without touching anyone
// else's subscriptions.
//
// # Circuit Breaker
//
// After a threshold of consecutive failed attempts (default 5) the circuit
// opens and Connect fails fast with ErrCircuitOpen. The backoff doubles each
// round up to a maximum (default one minute), after which the circuit
// half-opens and the next attempt is allowed.
//
// # Request/Reply
//
// Request maps NATS timeouts and "no responders" to transport.ErrTimeout,
// because the caller treats a dead server and a slow server the same way.
// Serve answers requests; a handler error suppresses the reply.
//
// # State Mirror
//
// StateMirror writes the router's ControlState into an in-memory JetStream
// KV bucket so tools can read the arbitration state with a single Get.
//
// # Usage
//
//	factory := natsclient.NewFactory("nats://localhost:4222",
//	    natsclient.WithName("afspm-scheduler"),
//	    natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
//	)
//	conn, err := factory.Dial(ctx)
//	if err != nil {
//	    return err
//	}
//	defer conn.Close(ctx)
//
// # Testing
//
// NewTestClient starts a NATS server with testcontainers. Integration tests
// are behind the "integration" build tag:
//
//	go test -tags integration ./natsclient/...
package natsclient
