package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const defaultNATSImage = "nats:2.11.7-alpine"

// TestClient is a connected Client backed by a throwaway NATS container.
type TestClient struct {
	Client *Client
	URL    string

	container testcontainers.Container
}

// TestOption configures the server started by NewTestClient.
type TestOption func(*testServer)

type testServer struct {
	image     string
	jetstream bool
	startup   time.Duration
	dial      time.Duration
}

// WithJetStream enables JetStream, needed by StateMirror.
func WithJetStream() TestOption { return func(s *testServer) { s.jetstream = true } }

// WithNATSVersion picks the nats image tag.
func WithNATSVersion(tag string) TestOption {
	return func(s *testServer) { s.image = "nats:" + tag }
}

func WithStartTimeout(d time.Duration) TestOption {
	return func(s *testServer) { s.startup = d }
}

// NewTestClient starts a server, connects a Client and registers cleanup
// on t. It fails t if the container cannot start.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	srv := testServer{image: defaultNATSImage, startup: 30 * time.Second, dial: 5 * time.Second}
	for _, opt := range opts {
		opt(&srv)
	}

	tc, err := srv.start(context.Background())
	if err != nil {
		t.Fatalf("start NATS test server: %v", err)
	}
	t.Cleanup(tc.Terminate)
	return tc
}

func (s testServer) start(ctx context.Context) (*TestClient, error) {
	cmd := []string{"--port", "4222", "--http_port", "8222"}
	if s.jetstream {
		cmd = append(cmd, "--js")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        s.image,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          cmd,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/healthz").WithPort("8222/tcp"),
			).WithDeadline(s.startup),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("run container: %w", err)
	}

	url, err := serverURL(ctx, container)
	if err == nil {
		dialCtx, cancel := context.WithTimeout(ctx, s.dial)
		var client *Client
		client, err = NewFactory(url, WithTimeout(s.dial), WithMaxReconnects(0)).DialClient(dialCtx)
		cancel()
		if err == nil {
			return &TestClient{Client: client, URL: url, container: container}, nil
		}
	}
	_ = container.Terminate(ctx)
	return nil, err
}

func serverURL(ctx context.Context, c testcontainers.Container) (string, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("container host: %w", err)
	}
	port, err := c.MappedPort(ctx, "4222")
	if err != nil {
		return "", fmt.Errorf("mapped port: %w", err)
	}
	return fmt.Sprintf("nats://%s:%s", host, port.Port()), nil
}

// Factory dials further clients of the same server.
func (tc *TestClient) Factory() *Factory {
	return NewFactory(tc.URL, WithMaxReconnects(0))
}

// Terminate closes the client and removes the container. Calling it more
// than once is harmless.
func (tc *TestClient) Terminate() {
	if tc.container == nil {
		return
	}
	ctx := context.Background()
	_ = tc.Client.Close(ctx)
	_ = tc.container.Terminate(ctx)
	tc.container = nil
}
