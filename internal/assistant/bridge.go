// Package assistant implements the bridge between the synthetic assistant
// conversation and an external reply backend.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/pkg/logger"
	"github.com/zrchat/zrchat-client/pkg/metrics"
)

// State is the state of one assistant exchange.
type State string

const (
	StateSending   State = "sending"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("assistant: attempts exhausted")

var greetings = []string{
	"Olá! Sou a IARA, sua assistente virtual.",
	"Em que posso ajudar hoje?",
}

// Options configures a Bridge.
type Options struct {
	Responder   Responder
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *logger.Logger
	// OnEvent receives transcript and state events.
	OnEvent func(model.Event)
	Clock   func() time.Time
	// Sleep waits between attempts; it must return early with ctx.Err() on cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Bridge runs assistant exchanges and holds the local-only transcript.
type Bridge struct {
	responder   Responder
	timeout     time.Duration
	maxAttempts int
	retryDelay  time.Duration
	logger      *logger.Logger
	onEvent     func(model.Event)
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	tracer      trace.Tracer

	mu         sync.Mutex
	transcript []model.Message
	inflight   map[uint64]context.CancelFunc
	nextID     uint64
}

// NewBridge creates a bridge. Zero options take the defaults.
func NewBridge(opts Options) *Bridge {
	b := &Bridge{
		responder:   opts.Responder,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		logger:      opts.Logger,
		onEvent:     opts.OnEvent,
		now:         opts.Clock,
		sleep:       opts.Sleep,
		tracer:      otel.Tracer("zrchat/assistant"),
		inflight:    make(map[uint64]context.CancelFunc),
	}
	if b.timeout <= 0 {
		b.timeout = DefaultTimeout
	}
	if b.maxAttempts <= 0 {
		b.maxAttempts = DefaultMaxAttempts
	}
	if b.retryDelay <= 0 {
		b.retryDelay = DefaultRetryDelay
	}
	if b.logger == nil {
		b.logger = logger.NewNop()
	}
	if b.onEvent == nil {
		b.onEvent = func(model.Event) {}
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.sleep == nil {
		b.sleep = sleepContext
	}
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backend returns the responder name.
func (b *Bridge) Backend() string {
	if b.responder == nil {
		return "none"
	}
	return b.responder.Name()
}

// Greet seeds the greeting messages into an empty transcript and returns the transcript.
func (b *Bridge) Greet() []model.Message {
	b.mu.Lock()
	if len(b.transcript) == 0 {
		for _, text := range greetings {
			b.appendLocked(model.AssistantSenderID, text, true)
		}
	}
	b.mu.Unlock()
	return b.Transcript()
}

// Transcript returns a copy of the assistant conversation.
func (b *Bridge) Transcript() []model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Message(nil), b.transcript...)
}

// Cancel aborts every in-flight exchange. Cancelled exchanges make no
// further attempts and append nothing.
func (b *Bridge) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, cancel := range b.inflight {
		cancel()
		delete(b.inflight, id)
	}
}

// Exchange appends the user's message as display text, asks the backend for
// a reply and appends it. Once every attempt failed it appends FailureMessage
// and returns it together with an error wrapping ErrExhausted.
func (b *Bridge) Exchange(ctx context.Context, req Request, display string) (model.Message, error) {
	if b.responder == nil {
		return model.Message{}, errors.New("assistant: no backend configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	id := b.track(cancel)
	defer b.untrack(id)
	defer cancel()

	ctx, span := b.tracer.Start(ctx, "assistant.exchange",
		trace.WithAttributes(attribute.String("assistant.backend", b.responder.Name())))
	defer span.End()

	start := b.now()
	log := b.logger.With(zap.String("backend", b.responder.Name()), logger.UserID(req.UserID))

	b.mu.Lock()
	userMsg := b.appendLocked(req.UserID, display, true)
	b.mu.Unlock()
	b.emit(model.Event{Type: model.EventMessageAppended, ConversationID: model.AssistantConversationID, Message: &userMsg})

	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		b.setState(StateSending, attempt)
		reply, err := b.attempt(ctx, req)
		if err == nil {
			metrics.AssistantAttempts.WithLabelValues(b.responder.Name(), "success").Inc()
			b.mu.Lock()
			msg := b.appendLocked(model.AssistantSenderID, reply, false)
			b.mu.Unlock()
			b.emit(model.Event{Type: model.EventMessageAppended, ConversationID: model.AssistantConversationID, Message: &msg})
			b.setState(StateSucceeded, attempt)
			b.record(StateSucceeded, start)
			span.SetAttributes(attribute.Int("assistant.attempts", attempt))
			return msg, nil
		}

		if ctx.Err() != nil {
			return b.cancelled(span, start, log)
		}

		lastErr = err
		metrics.AssistantAttempts.WithLabelValues(b.responder.Name(), "failure").Inc()
		log.Warn("assistant attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		if attempt == b.maxAttempts {
			break
		}
		b.setState(StateRetrying, attempt)
		if err := b.sleep(ctx, b.retryDelay); err != nil {
			return b.cancelled(span, start, log)
		}
	}

	b.mu.Lock()
	msg := b.appendLocked(model.AssistantSenderID, FailureMessage, false)
	b.mu.Unlock()
	b.emit(model.Event{Type: model.EventMessageAppended, ConversationID: model.AssistantConversationID, Message: &msg})
	b.setState(StateFailed, b.maxAttempts)
	b.emit(model.Event{Type: model.EventToast, ConversationID: model.AssistantConversationID, Toast: &model.Toast{
		Level:   model.ToastError,
		Title:   "Erro",
		Message: "Não foi possível conectar com a IARA. Tente novamente.",
	}})
	b.record(StateFailed, start)
	span.SetStatus(codes.Error, "attempts exhausted")
	log.Error("assistant exchange failed", zap.Int("attempts", b.maxAttempts), zap.Error(lastErr))
	return msg, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

func (b *Bridge) attempt(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.responder.Reply(ctx, req)
}

func (b *Bridge) cancelled(span trace.Span, start time.Time, log *logger.Logger) (model.Message, error) {
	b.setState(StateCancelled, 0)
	b.record(StateCancelled, start)
	span.SetStatus(codes.Error, "cancelled")
	log.Info("assistant exchange cancelled")
	return model.Message{}, context.Canceled
}

func (b *Bridge) record(state State, start time.Time) {
	metrics.RecordAssistantExchange(b.responder.Name(), string(state), b.now().Sub(start).Seconds())
}

func (b *Bridge) setState(state State, attempt int) {
	b.logger.Debug("assistant state", zap.String("state", string(state)), zap.Int("attempt", attempt))
	b.emit(model.Event{Type: model.EventAssistantState, ConversationID: model.AssistantConversationID, AssistantState: string(state)})
}

func (b *Bridge) emit(ev model.Event) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	b.onEvent(ev)
}

// appendLocked adds a confirmed message keeping sent_at non-decreasing.
func (b *Bridge) appendLocked(senderID, text string, read bool) model.Message {
	at := b.now()
	if n := len(b.transcript); n > 0 && at.Before(b.transcript[n-1].SentAt) {
		at = b.transcript[n-1].SentAt
	}
	msg := model.Message{
		ID:             uuid.NewString(),
		ConversationID: model.AssistantConversationID,
		SenderID:       senderID,
		SentAt:         at,
		Text:           text,
		IsRead:         read,
		Origin:         model.OriginConfirmed,
	}
	b.transcript = append(b.transcript, msg)
	return msg
}

func (b *Bridge) track(cancel context.CancelFunc) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.inflight[b.nextID] = cancel
	return b.nextID
}

func (b *Bridge) untrack(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, id)
}
