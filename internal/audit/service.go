package audit

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/go-chi/chi/v5/middleware"
)

const (
	// eventChannelSize is the buffer size for the async event channel.
	// If the channel is full, events are dropped with a warning log.
	eventChannelSize = 256
)

// Event represents an audit event to be logged.
type Event struct {
	Action     string         // e.g. "media.ingest", "media.rollback", "media.delete"
	RequestID  string         // filled from the request context when empty
	Resource   string         // e.g. "media"
	ResourceID string         // media URL of the affected file, if a single one
	Payload    map[string]any // additional context data
}

// Writer persists audit events.
type Writer interface {
	Insert(ctx context.Context, event Event) error
}

// Service provides asynchronous audit logging. Events are sent to a buffered
// channel and written by a background goroutine, so that audit logging never
// blocks or fails an upload.
type Service struct {
	writer       Writer
	eventCh      chan Event
	done         chan struct{}
	droppedCount atomic.Uint64
}

// NewService creates a new audit Service writing through w.
// Call Start() to begin processing events, and Shutdown() to drain and stop.
func NewService(w Writer) *Service {
	return &Service{
		writer:  w,
		eventCh: make(chan Event, eventChannelSize),
		done:    make(chan struct{}),
	}
}

// Log queues an event. It never blocks the caller; if the channel is full the
// event is dropped and a warning is logged.
func (s *Service) Log(ctx context.Context, event Event) {
	if event.RequestID == "" {
		event.RequestID = middleware.GetReqID(ctx)
	}

	select {
	case s.eventCh <- event:
	default:
		dropped := s.droppedCount.Add(1)
		slog.Warn("audit event channel full, dropping event",
			"action", event.Action,
			"request_id", event.RequestID,
			"resource", event.Resource,
			"resource_id", event.ResourceID,
			"total_dropped", dropped,
		)
	}
}

// Start begins the background goroutine that writes queued events. Must be
// called once after NewService.
func (s *Service) Start() {
	go s.processEvents()
}

// Shutdown closes the queue, drains remaining events, and waits for the
// background goroutine. If ctx expires first a warning is logged, but
// Shutdown still waits so that no write races process exit.
func (s *Service) Shutdown(ctx context.Context) {
	close(s.eventCh)

	select {
	case <-s.done:
		slog.Info("audit service shutdown complete")
	case <-ctx.Done():
		slog.Warn("audit service shutdown timeout, still waiting for drain")
		<-s.done
	}
}

func (s *Service) processEvents() {
	defer close(s.done)

	for event := range s.eventCh {
		s.writeEvent(event)
	}
}

// writeEvent persists a single event. Errors are logged and never propagated.
func (s *Service) writeEvent(event Event) {
	// The request context is usually gone by now.
	ctx := context.Background()

	if err := s.writer.Insert(ctx, event); err != nil {
		slog.Error("failed to write audit event",
			"action", event.Action,
			"request_id", event.RequestID,
			"resource", event.Resource,
			"resource_id", event.ResourceID,
			"error", err,
		)
	}
}

// DroppedCount returns the total number of events dropped since service start.
func (s *Service) DroppedCount() uint64 {
	return s.droppedCount.Load()
}
