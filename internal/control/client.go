package control

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to a session daemon.
type Client struct {
	conn   *grpc.ClientConn
	Health healthpb.HealthClient
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, Health: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Serving reports whether the daemon's realtime connection is up.
func (c *Client) Serving(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.conn.Invoke(ctx, method("Status"), &emptypb.Empty{}, out)
}

func (c *Client) Open(ctx context.Context, counterpart string) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"counterpart": counterpart})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	return out, c.conn.Invoke(ctx, method("Open"), in, out)
}

// Send sends text and the files at paths. kind may be empty to detect it
// from the file content.
func (c *Client) Send(ctx context.Context, text string, paths []string, kind string) (*structpb.Struct, error) {
	files := make([]any, len(paths))
	for i, p := range paths {
		files[i] = p
	}
	in, err := structpb.NewStruct(map[string]any{"text": text, "files": files, "kind": kind})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	return out, c.conn.Invoke(ctx, method("Send"), in, out)
}

func (c *Client) Typing(ctx context.Context) error {
	return c.conn.Invoke(ctx, method("Typing"), &emptypb.Empty{}, &emptypb.Empty{})
}

func method(name string) string {
	return "/" + ServiceName + "/" + name
}
