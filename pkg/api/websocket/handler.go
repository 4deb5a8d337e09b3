package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	eventQueueSize = 64
)

// EventTypeSnapshot is the first message of every stream; it carries the
// run state at subscription time in Data["run"]
const EventTypeSnapshot domain.EventType = "run.snapshot"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RunSource looks up runs by id
type RunSource interface {
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
}

// Handler handles WebSocket connections
type Handler struct {
	eventBus ports.EventBus
	runs     RunSource
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(eventBus ports.EventBus, runs RunSource, logger *zap.Logger) *Handler {
	return &Handler{
		eventBus: eventBus,
		runs:     runs,
		logger:   logger,
	}
}

// HandleRunStream streams the events of one run. The stream opens with a
// snapshot and closes after the run's terminal event.
func (h *Handler) HandleRunStream(c *gin.Context) {
	runID := c.Param("id")

	if _, err := h.runs.GetRun(c.Request.Context(), runID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"code": "NOT_FOUND", "message": err.Error()},
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("run_id", runID),
		zap.String("client", c.ClientIP()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the client never sends; reading detects when it goes away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	events := make(chan domain.Event, eventQueueSize)
	h.subscribe(ctx, runID, events)

	// subscribe before the snapshot so no transition falls in between
	run, err := h.runs.GetRun(ctx, runID)
	if err != nil {
		h.logger.Warn("run vanished before snapshot", zap.String("run_id", runID), zap.Error(err))
		return
	}
	snapshot := domain.NewEvent(EventTypeSnapshot, run.ID, run.PipelineID, "", map[string]any{"run": run})
	if err := h.write(conn, snapshot); err != nil {
		return
	}
	if run.Status.IsTerminal() {
		h.close(conn)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if err := h.write(conn, event); err != nil {
				return
			}
			if isRunTerminal(event.Type) {
				h.close(conn)
				return
			}
		}
	}
}

// subscribe forwards the run's events from both topics into ch. Events
// that do not fit are dropped with a warning.
func (h *Handler) subscribe(ctx context.Context, runID string, ch chan<- domain.Event) {
	handler := func(ctx context.Context, event domain.Event) error {
		if event.RunID != runID {
			return nil
		}
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			h.logger.Warn("event channel full, dropping event",
				zap.String("run_id", runID),
				zap.String("event_type", string(event.Type)))
		}
		return nil
	}

	for _, topic := range []string{domain.TopicRunEvents, domain.TopicTaskEvents} {
		if err := h.eventBus.Subscribe(ctx, topic, handler); err != nil {
			h.logger.Error("failed to subscribe to events",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, event domain.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(event); err != nil {
		h.logger.Debug("failed to write message", zap.Error(err))
		return err
	}
	return nil
}

func (h *Handler) close(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func isRunTerminal(t domain.EventType) bool {
	switch t {
	case domain.EventTypeRunSucceeded, domain.EventTypeRunFailed, domain.EventTypeRunCancelled:
		return true
	}
	return false
}
