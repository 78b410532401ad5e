package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/taskshard/internal/controller"
	"github.com/ChuLiYu/taskshard/pkg/types"
)

// Owner is the answer to an owner query.
type Owner struct {
	TaskID   types.TaskID `json:"task_id"`
	Owner    types.NodeID `json:"owner"`
	Resolved bool         `json:"resolved"`
	Self     bool         `json:"self"`
}

// Client queries a running node.
type Client struct {
	conn      *grpc.ClientConn
	ownership *ownershipClient
	health    healthpb.HealthClient
}

// Dial connects to a node at addr (host:port) without TLS.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{
		conn:      conn,
		ownership: &ownershipClient{cc: conn},
		health:    healthpb.NewHealthClient(conn),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Owner looks up the owner of task.
func (c *Client) Owner(ctx context.Context, task types.TaskID) (Owner, error) {
	resp, err := c.ownership.GetOwner(ctx, wrapperspb.String(string(task)))
	if err != nil {
		return Owner{}, err
	}
	var out Owner
	if err := decode(resp.AsMap(), &out); err != nil {
		return Owner{}, err
	}
	return out, nil
}

// OwnedTasks returns the node's id and the tasks it owns.
func (c *Client) OwnedTasks(ctx context.Context) (types.NodeID, []types.TaskID, error) {
	resp, err := c.ownership.OwnedTasks(ctx, &emptypb.Empty{})
	if err != nil {
		return "", nil, err
	}
	var out struct {
		Node  types.NodeID   `json:"node"`
		Tasks []types.TaskID `json:"tasks"`
	}
	if err := decode(resp.AsMap(), &out); err != nil {
		return "", nil, err
	}
	return out.Node, out.Tasks, nil
}

// Status returns the node's controller status.
func (c *Client) Status(ctx context.Context) (controller.Status, error) {
	resp, err := c.ownership.Status(ctx, &emptypb.Empty{})
	if err != nil {
		return controller.Status{}, err
	}
	var out controller.Status
	if err := decode(resp.AsMap(), &out); err != nil {
		return controller.Status{}, err
	}
	return out, nil
}

// Health returns the serving status of the ownership service.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// decode maps a structpb map onto a tagged struct.
func decode(m map[string]any, out any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
