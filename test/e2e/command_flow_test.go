package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/workers"
)

// TestManualCommand_IdempotentSubmission submits the same ad-hoc
// command twice without an explicit key: one frame reaches the command
// stream, one request event is persisted, and both calls return the
// same stream id. A scripted worker then answers the frame and the
// result consumer lands the outcome on the timeline.
func TestManualCommand_IdempotentSubmission(t *testing.T) {
	orch := newOrchestrator(t)
	ctx := context.Background()

	tenant := seedTenant(t, orch.DB.Client, "acme")
	rb := seedRunbook(t, orch.DB.Client, tenant.ID, happyBody)

	sess, err := orch.Controller.CreateSession(ctx, models.CreateSessionRequest{
		TenantID:  tenant.ID,
		RunbookID: rb.ID,
	})
	require.NoError(t, err)

	req := models.ManualCommandRequest{
		Command: "uptime",
		Shell:   "bash",
		Reason:  "check load before resuming",
	}

	first, err := orch.Controller.SubmitManualCommand(ctx, sess.ID, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	require.NotEmpty(t, first.StreamID)

	second, err := orch.Controller.SubmitManualCommand(ctx, sess.ID, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.StreamID, second.StreamID)

	length, err := orch.Bus.Len(ctx, orch.Streams.Command)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length, "duplicate submission must not publish a second frame")
	assert.Equal(t, 1, countEvents(t, orch.DB.Client, sess.ID, "session.command.requested"))

	// A worker picks the frame up and reports back.
	orch.Registry.Register(workers.WorkerInfo{ID: "worker-7", MaxConcurrency: 2})
	worker := &scriptedWorker{
		id:      "worker-7",
		bus:     orch.Bus,
		streams: orch.Streams,
		commandResult: func(frame models.CommandFrame) models.ResultFrame {
			return models.ResultFrame{
				SessionID:      frame.SessionID,
				WorkerID:       "worker-7",
				Kind:           models.ResultKindCommandResult,
				IdempotencyKey: frame.IdempotencyKey,
				Success:        true,
				Output:         "14:02 up 3 days, load averages: 0.41 0.39 0.35",
				ExitCode:       0,
				DurationMS:     12,
			}
		},
	}
	worker.start(t)

	require.Eventually(t, func() bool {
		return countEvents(t, orch.DB.Client, sess.ID, "session.command.completed") == 1
	}, 5*time.Second, 50*time.Millisecond, "command result never reached the timeline")

	// The result frame doubled as a heartbeat.
	info, ok := orch.Registry.Get("worker-7")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), info.LastHeartbeat, 5*time.Second)
}
