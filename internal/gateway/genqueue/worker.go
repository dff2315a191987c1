package genqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chatsync/internal/gateway"
	"chatsync/internal/gateway/gormstore"
	"chatsync/internal/message"
	"chatsync/internal/modelgen"
)

// EventPublisher fans a push event out to subscribed clients.
type EventPublisher interface {
	Publish(ctx context.Context, ev gateway.PushEvent) error
}

// Worker processes one generation job end to end: consume credits, build the
// prompt from persisted history, call the model, persist the reply, fan it
// out. The reply row reaches clients through the push channel only; the
// worker never answers the publisher directly.
type Worker struct {
	jobs     *Jobs
	store    *gormstore.Store
	feed     EventPublisher
	ledger   gateway.Ledger
	registry *modelgen.Registry
	provider string
	cost     int64
	window   int
	log      zerolog.Logger
}

type WorkerConfig struct {
	Provider      string // registry key, e.g. "ollama"
	CreditCost    int64  // credits consumed per reply
	ContextWindow int    // history turns handed to the model
}

func NewWorker(jobs *Jobs, store *gormstore.Store, feed EventPublisher, ledger gateway.Ledger, registry *modelgen.Registry, cfg WorkerConfig, log zerolog.Logger) *Worker {
	if cfg.Provider == "" {
		cfg.Provider = "ollama"
	}
	if cfg.CreditCost <= 0 {
		cfg.CreditCost = 1
	}
	if cfg.ContextWindow <= 0 || cfg.ContextWindow > 100 {
		cfg.ContextWindow = 20
	}
	return &Worker{
		jobs:     jobs,
		store:    store,
		feed:     feed,
		ledger:   ledger,
		registry: registry,
		provider: cfg.Provider,
		cost:     cfg.CreditCost,
		window:   cfg.ContextWindow,
		log:      log,
	}
}

func (w *Worker) HandleJob(ctx context.Context, jobID string) error {
	start := time.Now()
	_ = w.jobs.MarkRunning(ctx, jobID)

	j, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if _, err := w.ledger.Consume(ctx, j.UserID, w.cost); err != nil {
		return w.fail(ctx, j, fmt.Sprintf("credits: %v", err))
	}

	provider, err := w.registry.Get(ctx, w.provider, j.Model)
	if err != nil {
		return w.fail(ctx, j, err.Error())
	}

	prompt, err := w.buildPrompt(ctx, j)
	if err != nil {
		return w.fail(ctx, j, err.Error())
	}

	reply, err := provider.Chat(ctx, prompt)
	if err != nil {
		return w.fail(ctx, j, err.Error())
	}

	// Tracked context is carried forward with the reply so the client's
	// tracker picks it up from the pushed row.
	msgID, createdAt, err := w.store.CreateAssistantMessage(ctx, j.ConversationID, j.CharacterID, reply, j.trackedContext())
	if err != nil {
		return w.fail(ctx, j, err.Error())
	}

	ev := gateway.PushEvent{
		Kind:           gateway.EventMessage,
		ConversationID: j.ConversationID,
		Message: &message.Message{
			ID:             msgID,
			ConversationID: j.ConversationID,
			Role:           message.RoleAssistant,
			Content:        reply,
			CreatedAt:      createdAt,
			DeliveryStatus: message.StatusSent,
			TrackedContext: j.trackedContext(),
		},
	}
	if err := w.feed.Publish(ctx, ev); err != nil {
		// Clients fall back to polling; the row is already durable.
		w.log.Warn().Err(err).Str("job_id", j.ID).Msg("push publish failed")
	}

	if err := w.jobs.MarkSucceeded(ctx, j.ID, msgID); err != nil {
		return err
	}

	w.log.Info().
		Str("job_id", j.ID).
		Str("conversation_id", j.ConversationID).
		Dur("took", time.Since(start)).
		Msg("generation done")
	return nil
}

// fail records the job failure and makes it user-visible as an explicit
// failed assistant turn event.
func (w *Worker) fail(ctx context.Context, j *Job, reason string) error {
	_ = w.jobs.MarkFailed(ctx, j.ID, reason)
	ev := gateway.PushEvent{
		Kind:           gateway.EventGenerationFailed,
		ConversationID: j.ConversationID,
		JobID:          j.ID,
		Reason:         reason,
	}
	if err := w.feed.Publish(ctx, ev); err != nil {
		w.log.Warn().Err(err).Str("job_id", j.ID).Msg("failure publish failed")
	}
	return fmt.Errorf("job %s: %s", j.ID, reason)
}

func (w *Worker) buildPrompt(ctx context.Context, j *Job) ([]modelgen.Message, error) {
	page, err := w.store.RecentMessages(ctx, j.ConversationID, w.window)
	if err != nil {
		return nil, err
	}

	out := make([]modelgen.Message, 0, len(page.Messages)+1)
	sys := fmt.Sprintf("You are character %s replying to persona %s. Stay in character.", j.CharacterID, j.PersonaID)
	if tc := j.trackedContext(); tc != nil {
		sys += fmt.Sprintf(" Current mood: %s. Current location: %s.", tc.Mood, tc.Location)
	}
	out = append(out, modelgen.Message{Role: "system", Content: sys})
	for _, m := range page.Messages {
		out = append(out, modelgen.Message{Role: string(m.Role), Content: m.Content})
	}
	return out, nil
}
