package server

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls a remote Recorder service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to addr without transport security. The control surface
// listens on loopback by default.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// RecordEvent records a cycle at ts on the remote recorder. A zero ts means
// the server's current time.
func (c *Client) RecordEvent(ctx context.Context, ts time.Time) (int, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.cc.Invoke(ctx, methodRecordEvent, toTimestamp(ts), out); err != nil {
		return 0, fmt.Errorf("rpc record event failed: %w", err)
	}
	return int(out.GetValue()), nil
}

// ResetCounter resets the remote counter at ref. A zero ref means the
// server's current time.
func (c *Client) ResetCounter(ctx context.Context, ref time.Time) error {
	if err := c.cc.Invoke(ctx, methodResetCounter, toTimestamp(ref), new(emptypb.Empty)); err != nil {
		return fmt.Errorf("rpc reset counter failed: %w", err)
	}
	return nil
}

// Status returns the remote recorder status fields.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodStatus, &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("rpc status failed: %w", err)
	}
	return out.AsMap(), nil
}

func toTimestamp(t time.Time) *timestamppb.Timestamp {
	if t.IsZero() {
		return &timestamppb.Timestamp{}
	}
	return timestamppb.New(t)
}
