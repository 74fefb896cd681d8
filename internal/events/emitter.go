// Package events relays streamed generation output to exactly one consumer
// per task id.
package events

import (
	"sort"
	"sync"

	"github.com/user/sentinel/pkg/logger"
)

// Type distinguishes streamed chunks from the terminal marker.
type Type string

const (
	TypeChunk    Type = "chunk"
	TypeComplete Type = "complete"
)

// Event is one message of a generation stream.
type Event struct {
	TaskID  string `json:"taskId"`
	Content string `json:"content"`
	Type    Type   `json:"type"`
	Error   string `json:"error,omitempty"`
}

// Chunk builds a chunk event.
func Chunk(taskID, content string) Event {
	return Event{TaskID: taskID, Content: content, Type: TypeChunk}
}

// Complete builds the terminal event. A non-nil err is carried as text.
func Complete(taskID string, err error) Event {
	ev := Event{TaskID: taskID, Type: TypeComplete}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Handler consumes events for one task.
type Handler func(Event)

type listener struct {
	mu      sync.Mutex
	handler Handler
	done    bool
}

// Emitter is a single-listener-per-task relay. A listener is removed
// automatically once it has received its complete event.
type Emitter struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[string]*listener)}
}

// Subscribe registers h for taskID. If a listener already exists the
// existing unsubscribe handle is returned with created=false and h is not
// registered.
func (e *Emitter) Subscribe(taskID string, h Handler) (unsubscribe func(), created bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if l, ok := e.listeners[taskID]; ok {
		return e.unsubscriber(taskID, l), false
	}
	l := &listener{handler: h}
	e.listeners[taskID] = l
	return e.unsubscriber(taskID, l), true
}

func (e *Emitter) unsubscriber(taskID string, l *listener) func() {
	return func() {
		e.mu.Lock()
		if cur, ok := e.listeners[taskID]; ok && cur == l {
			delete(e.listeners, taskID)
		}
		e.mu.Unlock()

		l.mu.Lock()
		l.done = true
		l.mu.Unlock()
	}
}

// HasTask reports whether a listener is registered for taskID.
func (e *Emitter) HasTask(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.listeners[taskID]
	return ok
}

// Tasks returns the task ids with live listeners, sorted.
func (e *Emitter) Tasks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Publish delivers ev to the task's listener, if any. Delivery to one
// listener is serialized; nothing is delivered after complete.
func (e *Emitter) Publish(ev Event) {
	e.mu.Lock()
	l, ok := e.listeners[ev.TaskID]
	e.mu.Unlock()
	if !ok {
		logger.Debug().Str("task_id", ev.TaskID).Str("type", string(ev.Type)).Msg("No listener for event, dropped")
		return
	}

	l.mu.Lock()
	if !l.done {
		if ev.Type == TypeComplete {
			l.done = true
		}
		l.handler(ev)
	}
	l.mu.Unlock()

	if ev.Type == TypeComplete {
		e.mu.Lock()
		if cur, ok := e.listeners[ev.TaskID]; ok && cur == l {
			delete(e.listeners, ev.TaskID)
		}
		e.mu.Unlock()
	}
}
