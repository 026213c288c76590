package processor

import (
	"context"

	"go.uber.org/zap"

	"github.com/xaenox/flowbot/internal/models"
	"github.com/xaenox/flowbot/internal/scenario"
)

// Turn is the state a step handler works on. Bot and Conversation are
// snapshots owned by the current turn.
type Turn struct {
	ID           string
	Bot          *models.Bot
	Conversation *models.Conversation
	Step         *models.Step
	Graph        *scenario.Graph
	UserText     string

	// log entry holding the user half of this turn
	messageID int64
	p         *Processor
	logger    *zap.Logger
}

// Complete runs a generative completion for the turn. On provider failure it
// returns the fallback reply and no error; on a setup defect the fallback
// reply and a *ConfigError.
func (t *Turn) Complete(ctx context.Context) (string, error) {
	return t.p.complete(ctx, t)
}

// StepHandler produces the reply for a scripted step and picks the step the
// conversation moves to. A nil next step ends the script.
type StepHandler interface {
	Handle(ctx context.Context, t *Turn) (reply string, next *models.Step, err error)
}

type StepHandlerFunc func(ctx context.Context, t *Turn) (string, *models.Step, error)

func (f StepHandlerFunc) Handle(ctx context.Context, t *Turn) (string, *models.Step, error) {
	return f(ctx, t)
}

func messageHandler(ctx context.Context, t *Turn) (string, *models.Step, error) {
	return t.Step.Content, t.Graph.Next(t.Step), nil
}

func questionHandler(ctx context.Context, t *Turn) (string, *models.Step, error) {
	reply, err := t.Complete(ctx)
	return reply, t.Graph.Next(t.Step), err
}

func apiCallHandler(ctx context.Context, t *Turn) (string, *models.Step, error) {
	return "API call would be made: " + t.Step.Content, t.Graph.Next(t.Step), nil
}

// generativeHandler serves step types without a registered handler. The
// conversation leaves scripted mode regardless of the step's successor.
func generativeHandler(ctx context.Context, t *Turn) (string, *models.Step, error) {
	t.logger.Debug("No handler for step type, falling back to completion",
		zap.String("step_type", string(t.Step.Type)))
	reply, err := t.Complete(ctx)
	return reply, nil, err
}
