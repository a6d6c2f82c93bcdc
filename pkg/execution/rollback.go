package execution

import (
	"context"
	"time"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/pkg/events"
)

// rollbackTimeout bounds every rollback command. The sweep runs after a
// failure; a hung undo must not hold the session open.
const rollbackTimeout = 30 * time.Second

// Rollback undoes a failed session's completed work: every successful
// step with a rollback command runs in reverse order through the same
// connection resolution that served the forward steps. Command failures
// are logged and counted, never fatal; the sweep always finishes and
// always publishes its started/completed event pair so the timeline
// records that a rollback was attempted, even an empty one.
func (e *Executor) Rollback(ctx context.Context, sessionID int) error {
	logger := e.logger.With("session_id", sessionID)

	sess, err := e.sessions.GetSession(ctx, sessionID, false)
	if err != nil {
		return err
	}
	steps, err := e.sessions.ListSteps(ctx, sessionID)
	if err != nil {
		return err
	}

	// Completed successful steps, newest first.
	var targets []*ent.ExecutionStep
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Completed && step.Success != nil && *step.Success {
			targets = append(targets, step)
		}
	}

	fromStep := 0
	if len(targets) > 0 {
		fromStep = targets[0].StepNumber
	}
	withRollback := 0
	for _, step := range targets {
		if step.RollbackCommand != "" {
			withRollback++
		}
	}

	if err := e.publisher.RollbackStarted(ctx, sessionID, events.RollbackStartedPayload{
		FromStep:  fromStep,
		StepCount: withRollback,
	}); err != nil {
		logger.Warn("Failed to publish rollback started event", "error", err)
	}

	rolledBack, failed := 0, 0
	if withRollback > 0 {
		cfg, _, err := e.resolveConnection(ctx, sess)
		if err != nil {
			// No reachable target means nothing can be undone remotely.
			logger.Error("Rollback connection resolution failed", "error", err)
			failed = withRollback
		} else {
			for _, step := range targets {
				if step.RollbackCommand == "" {
					continue
				}
				res := e.executeCommand(ctx, step.RollbackCommand, cfg, rollbackTimeout)
				if res.Success {
					rolledBack++
					logger.Info("Rolled back step", "step_number", step.StepNumber)
				} else {
					failed++
					logger.Error("Rollback command failed",
						"step_number", step.StepNumber,
						"exit_code", res.ExitCode,
						"error", res.Error,
					)
				}
			}
		}
	}

	if err := e.publisher.RollbackCompleted(ctx, sessionID, events.RollbackCompletedPayload{
		StepsRolledBack: rolledBack,
		Failed:          failed,
	}); err != nil {
		logger.Warn("Failed to publish rollback completed event", "error", err)
	}

	logger.Info("Rollback sweep finished",
		"rolled_back", rolledBack,
		"failed", failed,
		"skipped", len(targets)-withRollback,
	)
	return nil
}
