package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// Client calls a remote PipelineService.
type Client struct {
	conn *grpc.ClientConn
	rpc  PipelineServiceClient
}

// Dial connects to target without transport security unless opts add it.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn, rpc: NewPipelineServiceClient(conn)}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Trigger starts a run and returns its ID.
func (c *Client) Trigger(ctx context.Context) (string, error) {
	out, err := c.rpc.TriggerRun(ctx, &structpb.Struct{})
	if err != nil {
		return "", err
	}
	return out.GetFields()["run_id"].GetStringValue(), nil
}

// TriggerAndWait starts a run and blocks until the server reports it
// finished.
func (c *Client) TriggerAndWait(ctx context.Context) (*types.PipelineRun, error) {
	out, err := c.rpc.TriggerRun(ctx, &structpb.Struct{Fields: map[string]*structpb.Value{
		"wait": structpb.NewBoolValue(true),
	}})
	if err != nil {
		return nil, err
	}
	return runFromValue(out.GetFields()["run"])
}

func (c *Client) Get(ctx context.Context, id string) (*types.PipelineRun, error) {
	out, err := c.rpc.GetRun(ctx, &structpb.Struct{Fields: map[string]*structpb.Value{
		"run_id": structpb.NewStringValue(id),
	}})
	if err != nil {
		return nil, err
	}
	return runFromValue(out.GetFields()["run"])
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	_, err := c.rpc.CancelRun(ctx, &structpb.Struct{Fields: map[string]*structpb.Value{
		"run_id": structpb.NewStringValue(id),
	}})
	return err
}

// List returns up to limit runs, newest first. limit < 1 uses the server
// default.
func (c *Client) List(ctx context.Context, limit int) ([]*types.PipelineRun, error) {
	var fields map[string]*structpb.Value
	if limit > 0 {
		fields = map[string]*structpb.Value{"limit": structpb.NewNumberValue(float64(limit))}
	}
	out, err := c.rpc.ListRuns(ctx, &structpb.Struct{Fields: fields})
	if err != nil {
		return nil, err
	}
	var runs []*types.PipelineRun
	for _, v := range out.GetFields()["runs"].GetListValue().GetValues() {
		run, err := runFromValue(v)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}
