// Package matching wraps the external runbook-matching gRPC service.
// The orchestrator never performs vector similarity itself; it sends
// ticket text out and gets back a runbook suggestion plus an issue
// classification. Everything degrades gracefully when the service is
// not deployed: tickets simply stay unclassified.
package matching

//go:generate protoc --go_out=.. --go-grpc_out=.. --proto_path=../../proto ../../proto/matching.proto

import (
	"context"
	"fmt"

	matchingv1 "github.com/runforge/runforge/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/runforge/runforge/ent"
)

// Suggestion is the matcher's answer for one ticket.
type Suggestion struct {
	RunbookID      int
	Similarity     float64
	Classification string
	Confidence     float64
}

// Client calls the RunbookMatcher service.
type Client struct {
	conn   *grpc.ClientConn
	client matchingv1.RunbookMatcherClient
}

// NewClient creates a matching client. grpc.NewClient dials lazily;
// the first RPC establishes the actual connection.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to matching service at %s: %w", addr, err)
	}
	return &Client{
		conn:   conn,
		client: matchingv1.NewRunbookMatcherClient(conn),
	}, nil
}

// Match asks the service for the closest runbook to the ticket.
func (c *Client) Match(ctx context.Context, tkt *ent.Ticket) (*Suggestion, error) {
	resp, err := c.client.Match(ctx, toProtoRequest(tkt))
	if err != nil {
		return nil, fmt.Errorf("gRPC Match call failed: %w", err)
	}
	return fromProtoResponse(resp), nil
}

// Close releases the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ────────────────────────────────────────────────────────────
// Proto conversion helpers
// ────────────────────────────────────────────────────────────

func toProtoRequest(tkt *ent.Ticket) *matchingv1.MatchRequest {
	return &matchingv1.MatchRequest{
		TenantId:    int64(tkt.TenantID),
		Title:       tkt.Title,
		Description: tkt.Description,
		Service:     tkt.Service,
		Environment: tkt.Environment,
		Severity:    tkt.Severity,
	}
}

func fromProtoResponse(resp *matchingv1.MatchResponse) *Suggestion {
	return &Suggestion{
		RunbookID:      int(resp.RunbookId),
		Similarity:     resp.Similarity,
		Classification: resp.Classification,
		Confidence:     resp.ClassificationConfidence,
	}
}
