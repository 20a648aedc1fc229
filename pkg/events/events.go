package events

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
)

type EventType string

const (
	SessionCreated     EventType = "session.created"
	SessionExpired     EventType = "session.expired"
	SessionDeleted     EventType = "session.deleted"
	ToolCalled         EventType = "tool.called"
	ToolFailed         EventType = "tool.failed"
	PromptFetched      EventType = "prompt.fetched"
	ResourceRead       EventType = "resource.read"
	NotificationSent   EventType = "notification.sent"
	StreamOpened       EventType = "stream.opened"
	StreamClosed       EventType = "stream.closed"
	ClientConnected    EventType = "client.connected"
	ClientDisconnected EventType = "client.disconnected"
	UpstreamConnected  EventType = "upstream.connected"
	UpstreamError      EventType = "upstream.error"
)

// Event is one gateway activity record. SessionID is empty for activity
// not tied to a session (legacy streams, WebSocket connections, upstream
// state changes).
type Event struct {
	ID        string
	Type      EventType
	SessionID string
	Timestamp time.Time
	Data      map[string]interface{}
}

type Handler func(event Event)

// WorkerPoolConfig holds configuration for the event bus worker pool
type WorkerPoolConfig struct {
	WorkerCount int // Number of worker goroutines (default: CPU cores * 2.5)
	BufferSize  int // Channel buffer size (default: 1000)
}

// DefaultWorkerPoolConfig returns the default configuration
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount: int(float64(runtime.NumCPU()) * 2.5),
		BufferSize:  1000,
	}
}

type eventTask struct {
	event   Event
	handler Handler
}

// EventBus fans gateway activity out to subscribers on a worker pool, so
// a slow consumer never stalls the request path.
type EventBus struct {
	handlers   map[EventType][]Handler
	all        []Handler
	mu         sync.RWMutex
	workerPool chan eventTask
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	config     WorkerPoolConfig
}

func NewEventBus() *EventBus {
	return NewEventBusWithConfig(DefaultWorkerPoolConfig())
}

func NewEventBusWithConfig(config WorkerPoolConfig) *EventBus {
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultWorkerPoolConfig().WorkerCount
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultWorkerPoolConfig().BufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		handlers:   make(map[EventType][]Handler),
		workerPool: make(chan eventTask, config.BufferSize),
		ctx:        ctx,
		cancel:     cancel,
		config:     config,
	}

	for i := 0; i < config.WorkerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	return eb
}

// worker processes events from the worker pool
func (eb *EventBus) worker() {
	defer eb.wg.Done()

	for {
		select {
		case task := <-eb.workerPool:
			// Execute handler with panic recovery
			func() {
				defer func() {
					if r := recover(); r != nil {
						fmt.Printf("EventBus handler panic: %v\n", r)
					}
				}()
				task.handler(task.event)
			}()
		case <-eb.ctx.Done():
			return
		}
	}
}

// Subscribe registers a handler for one event type.
func (eb *EventBus) Subscribe(eventType EventType, handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every event type. Activity log
// consumers use this instead of enumerating the types.
func (eb *EventBus) SubscribeAll(handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.all = append(eb.all, handler)
}

func (eb *EventBus) Publish(event Event) {
	event.Timestamp = time.Now()
	event.ID = generateEventID()

	eb.mu.RLock()
	handlers := make([]Handler, 0, len(eb.handlers[event.Type])+len(eb.all))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.all...)
	eb.mu.RUnlock()

	for _, handler := range handlers {
		task := eventTask{
			event:   event,
			handler: handler,
		}

		// Non-blocking send to worker pool
		select {
		case eb.workerPool <- task:
			// Task queued successfully
		default:
			// Worker pool full - execute on a fresh goroutine as fallback
			go func(h Handler, e Event) {
				defer func() {
					if r := recover(); r != nil {
						fmt.Printf("EventBus fallback handler panic: %v\n", r)
					}
				}()
				h(e)
			}(handler, event)
		}
	}
}

// Shutdown gracefully shuts down the EventBus worker pool
func (eb *EventBus) Shutdown() {
	eb.cancel()
	eb.wg.Wait()
}

func generateEventID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
