package genqueue

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"gorm.io/gorm"

	"chatsync/internal/errs"
	"chatsync/internal/gateway"
	"chatsync/internal/id"
)

// QueueMessage is the wire payload: the job row carries everything else.
type QueueMessage struct {
	JobID string `json:"job_id"`
}

// Publisher implements gateway.Generator: it records a job row and enqueues
// its id. The reply comes back through the push channel, not through Invoke.
type Publisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	jobs   *Jobs
	secret string
}

func NewPublisher(url, queue string, db *gorm.DB, secret string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := DeclareQueues(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, ch: ch, queue: queue, jobs: NewJobs(db), secret: secret}, nil
}

// DeclareQueues sets up the main queue plus its retry and dead-letter
// companions. Both publisher and worker declare them so startup order does
// not matter.
func DeclareQueues(ch *amqp.Channel, queue string) error {
	mainQ := queue
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"

	if _, err := ch.QueueDeclare(dlqQ, true, false, false, false, nil); err != nil {
		return err
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(retryQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": mainQ,
	}); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	if _, err := ch.QueueDeclare(mainQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqQ,
	}); err != nil {
		return err
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) Invoke(ctx context.Context, req gateway.GenerationRequest) (gateway.GenerationAck, error) {
	// The authenticated channel rejects bad sessions before anything is
	// recorded or queued.
	userID, err := VerifySessionToken(req.SessionToken, p.secret)
	if err != nil {
		return gateway.GenerationAck{}, err
	}

	job := &Job{
		ID:             id.NewULID(),
		UserID:         userID,
		ConversationID: req.ConversationID,
		CharacterID:    req.CharacterID,
		PersonaID:      req.PersonaID,
		Model:          req.Model,
		Prompt:         req.UserMessage,
		Status:         JobQueued,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		job.IdempotencyKey = &key
	}
	if req.TrackedContext != nil {
		if b, err := json.Marshal(req.TrackedContext); err == nil {
			enc := string(b)
			job.TrackedContext = &enc
		}
	}
	if len(req.AddonSettings) > 0 {
		if b, err := json.Marshal(req.AddonSettings); err == nil {
			enc := string(b)
			job.AddonSettings = &enc
		}
	}

	job, created, err := p.jobs.CreateOrGetExisting(ctx, job)
	if err != nil {
		return gateway.GenerationAck{}, &errs.GenerationError{ConversationID: req.ConversationID, Err: err}
	}
	if !created {
		// Duplicate send; the original job is already in flight.
		return gateway.GenerationAck{JobID: job.ID}, nil
	}

	body, err := json.Marshal(QueueMessage{JobID: job.ID})
	if err != nil {
		return gateway.GenerationAck{}, &errs.GenerationError{ConversationID: req.ConversationID, Err: err}
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return gateway.GenerationAck{}, &errs.GenerationError{ConversationID: req.ConversationID, Err: err}
	}
	return gateway.GenerationAck{JobID: job.ID}, nil
}
