package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/pkg/logger"
)

// Listener receives session events. It runs on the emitting goroutine and
// must not block.
type Listener func(model.Event)

// Emitter fans session events out to listeners.
type Emitter struct {
	logger *logger.Logger
	now    func() time.Time

	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
}

// NewEmitter creates an emitter.
func NewEmitter(log *logger.Logger) *Emitter {
	if log == nil {
		log = logger.NewNop()
	}
	return &Emitter{logger: log, now: time.Now, listeners: make(map[int]Listener)}
}

// On registers fn and returns a function that removes it.
func (e *Emitter) On(fn Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Emit delivers ev to every listener. Listener panics are recovered and logged.
func (e *Emitter) Emit(ev model.Event) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.mu.RLock()
	listeners := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("event listener panicked", zap.String("event", string(ev.Type)), zap.Any("panic", r))
				}
			}()
			l(ev)
		}()
	}
}

// Toast emits a user-visible notice.
func (e *Emitter) Toast(level model.ToastLevel, title, message string) {
	e.Emit(model.Event{Type: model.EventToast, Toast: &model.Toast{Level: level, Title: title, Message: message}})
}
