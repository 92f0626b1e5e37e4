package moderation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/pprasoon1/safe-chat/internal/identity"
	"github.com/pprasoon1/safe-chat/internal/logging"
	"github.com/pprasoon1/safe-chat/internal/metrics"
)

// Message is a moderated message ready to be stored.
type Message struct {
	ChatID    int64
	Room      string
	UserID    int64
	Content   string
	Toxicity  float64
	Status    Status
	CreatedAt time.Time
}

// MessageStore persists moderated messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg Message) error
}

// Input is one inbound chat message.
type Input struct {
	Author identity.Identity
	Text   string
	Room   string
	ChatID int64
}

// Result is the outcome of moderating one message.
type Result struct {
	Status        Status
	ModeratedText *string
	Reason        *string
	Toxicity      float64
	Scores        map[string]float64
	Risk          float64 // author's total after this message
}

// Pipeline runs classify, decide, risk and persist, in that order, once per
// message.
type Pipeline struct {
	classifier Classifier
	risk       *Risk
	store      MessageStore
	log        zerolog.Logger
}

// NewPipeline wires a pipeline. store may be nil, in which case nothing is
// persisted.
func NewPipeline(classifier Classifier, risk *Risk, store MessageStore) *Pipeline {
	return &Pipeline{
		classifier: classifier,
		risk:       risk,
		store:      store,
		log:        logging.Component("moderation"),
	}
}

// Risk returns the accumulator the pipeline updates.
func (p *Pipeline) Risk() *Risk {
	return p.risk
}

// Process moderates in. A *ClassifierError leaves every piece of state
// untouched. A *PersistenceError is returned together with the Result,
// since the decision and the risk update have already happened. A blocked
// message is never stored.
func (p *Pipeline) Process(ctx context.Context, in Input) (Result, error) {
	log := p.log.With().
		Str(logging.FieldSubject, in.Author.Subject).
		Str(logging.FieldRoom, in.Room).
		Int("length", len(in.Text)).
		Logger()

	scores, err := p.classifier.Classify(ctx, in.Text)
	if err != nil {
		metrics.ModerationFailures.WithLabelValues("classify").Inc()
		var ce *ClassifierError
		if !errors.As(err, &ce) {
			err = &ClassifierError{Err: err}
		}
		log.Error().Err(err).Msg("classification failed")
		return Result{}, err
	}

	d := Decide(scores.Toxicity, in.Text)
	res := Result{
		Status:        d.Status,
		ModeratedText: d.ModeratedText,
		Reason:        d.Reason,
		Toxicity:      scores.Toxicity,
		Scores:        scores.Labels,
	}
	res.Risk = p.risk.Add(in.Author.Subject, scores.Toxicity)
	metrics.MessagesTotal.WithLabelValues(string(d.Status)).Inc()

	log.Debug().
		Str(logging.FieldStatus, string(d.Status)).
		Float64(logging.FieldToxicity, scores.Toxicity).
		Float64("risk", res.Risk).
		Msg("message moderated")

	if d.Status == StatusBlocked || p.store == nil {
		return res, nil
	}

	msg := Message{
		ChatID:    in.ChatID,
		Room:      in.Room,
		UserID:    in.Author.UserID,
		Content:   *d.ModeratedText,
		Toxicity:  scores.Toxicity,
		Status:    d.Status,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.SaveMessage(ctx, msg); err != nil {
		metrics.ModerationFailures.WithLabelValues("persist").Inc()
		perr := &PersistenceError{Status: d.Status, Err: err}
		log.Error().Err(err).Str(logging.FieldStatus, string(d.Status)).Msg("persist failed")
		return res, perr
	}
	return res, nil
}
