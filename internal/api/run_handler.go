package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/ahrdadan/formfuzz/internal/queue"
	"github.com/ahrdadan/formfuzz/internal/security"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RunQueue is the part of *queue.Manager the handlers use.
type RunQueue interface {
	Enqueue(ctx context.Context, req queue.RunRequest) (*queue.Run, bool, error)
	Get(runID string) (*queue.Run, error)
	Cancel(runID string) (*queue.Run, error)
	Subscribe(runID string) <-chan queue.Event
	Unsubscribe(runID string, ch <-chan queue.Event)
}

// RunHandler handles run-related API requests
type RunHandler struct {
	queue            RunQueue
	idempotencyStore *security.IdempotencyStore
	baseURL          string
	maxTimeout       time.Duration
	resultTTL        time.Duration
	logger           *zap.Logger
}

// NewRunHandler creates a new run handler
func NewRunHandler(q RunQueue, idempotencyStore *security.IdempotencyStore, config RouteConfig, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		queue:            q,
		idempotencyStore: idempotencyStore,
		baseURL:          config.BaseURL,
		maxTimeout:       config.MaxRunTimeout,
		resultTTL:        config.ResultTTL,
		logger:           logger.Named("api"),
	}
}

// CreateRunRequest is the body of POST /formfuzz/runs
type CreateRunRequest struct {
	TargetURL      string              `json:"target_url"`
	Count          *int                `json:"count"`
	Timeout        int                 `json:"timeout,omitempty"` // seconds
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	ResultTTL      int                 `json:"result_ttl,omitempty"` // seconds
	Notify         *queue.NotifyConfig `json:"notify,omitempty"`
}

func (r *CreateRunRequest) validate() error {
	if r.TargetURL == "" {
		return fiber.NewError(fiber.StatusBadRequest, "target_url is required")
	}
	u, err := url.Parse(r.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fiber.NewError(fiber.StatusBadRequest, "target_url must be an absolute http(s) URL")
	}
	if r.Count == nil {
		return fiber.NewError(fiber.StatusBadRequest, "count is required")
	}
	if *r.Count < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "count must be non-negative")
	}
	if r.Timeout < 0 || r.ResultTTL < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "timeout and result_ttl must be non-negative")
	}
	if r.Notify != nil && r.Notify.WebhookURL != "" {
		if u, err := url.Parse(r.Notify.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fiber.NewError(fiber.StatusBadRequest, "notify.webhook_url must be an http(s) URL")
		}
	}
	return nil
}

// CreateRun queues a new run
// POST /formfuzz/runs
func (h *RunHandler) CreateRun(c *fiber.Ctx) error {
	var req CreateRunRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := req.validate(); err != nil {
		return err
	}

	// The header wins over the body field
	idempotencyKey := c.Get("X-Idempotency-Key")
	if idempotencyKey == "" {
		idempotencyKey = req.IdempotencyKey
	}

	timeout := req.Timeout
	if limit := int(h.maxTimeout.Seconds()); limit > 0 && timeout > limit {
		timeout = limit
	}
	resultTTL := req.ResultTTL
	if resultTTL == 0 && h.resultTTL > 0 {
		resultTTL = int(h.resultTTL.Seconds())
	}

	run, duplicate, err := h.queue.Enqueue(c.UserContext(), queue.RunRequest{
		TargetURL:      req.TargetURL,
		Count:          *req.Count,
		Timeout:        timeout,
		Notify:         req.Notify,
		IdempotencyKey: idempotencyKey,
		ResultTTL:      resultTTL,
	})
	if err != nil {
		h.logger.Error("Failed to enqueue run", zap.Error(err))
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("Failed to enqueue run: %v", err))
	}

	body := Response{Success: true, Data: h.createdResponse(run)}

	if duplicate {
		c.Set("X-Idempotency-Replayed", "true")
	} else if idempotencyKey != "" && h.idempotencyStore != nil {
		h.idempotencyStore.Store(idempotencyKey, run.ID, body)
	}

	return c.Status(fiber.StatusAccepted).JSON(body)
}

func (h *RunHandler) createdResponse(run *queue.Run) queue.RunCreatedResponse {
	resp := queue.RunCreatedResponse{
		RunID:     run.ID,
		Status:    run.Status,
		StatusURL: fmt.Sprintf("%s/formfuzz/runs/%s", h.baseURL, run.ID),
		ResultURL: fmt.Sprintf("%s/formfuzz/runs/%s/result", h.baseURL, run.ID),
	}
	resp.Events.SSEURL = fmt.Sprintf("%s/formfuzz/runs/%s/events", h.baseURL, run.ID)
	resp.Events.WSURL = fmt.Sprintf("%s/formfuzz/ws?run_id=%s", wsBase(h.baseURL), run.ID)
	return resp
}

func wsBase(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return base
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

func (h *RunHandler) lookup(c *fiber.Ctx) (*queue.Run, error) {
	runID := c.Params("run_id")
	if runID == "" {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Run ID is required")
	}
	run, err := h.queue.Get(runID)
	if err != nil {
		if errors.Is(err, queue.ErrRunNotFound) {
			return nil, fiber.NewError(fiber.StatusNotFound, "Run not found")
		}
		return nil, err
	}
	return run, nil
}

// GetRunStatus returns the status of a run
// GET /formfuzz/runs/:run_id
func (h *RunHandler) GetRunStatus(c *fiber.Ctx) error {
	run, err := h.lookup(c)
	if err != nil {
		return err
	}

	return c.JSON(Response{
		Success: true,
		Data: queue.RunStatusResponse{
			RunID:     run.ID,
			Status:    run.Status,
			Stage:     run.Stage,
			Progress:  run.Progress,
			Message:   run.Message,
			CreatedAt: run.CreatedAt,
			UpdatedAt: run.UpdatedAt,
		},
	})
}

// GetRunResult returns the report of a finished run
// GET /formfuzz/runs/:run_id/result
func (h *RunHandler) GetRunResult(c *fiber.Ctx) error {
	run, err := h.lookup(c)
	if err != nil {
		return err
	}

	if !run.IsTerminal() {
		return fiber.NewError(fiber.StatusConflict, "Run not completed yet")
	}

	return c.JSON(Response{
		Success: true,
		Data: queue.RunResultResponse{
			RunID:  run.ID,
			Status: run.Status,
			Report: run.Report,
			Error:  run.Error,
		},
	})
}

// CancelRun cancels a queued or running run
// POST /formfuzz/runs/:run_id/cancel
func (h *RunHandler) CancelRun(c *fiber.Ctx) error {
	runID := c.Params("run_id")

	run, err := h.queue.Cancel(runID)
	switch {
	case errors.Is(err, queue.ErrRunNotFound):
		return fiber.NewError(fiber.StatusNotFound, "Run not found")
	case errors.Is(err, queue.ErrNotCancelable):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case err != nil:
		return err
	}

	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"run_id": run.ID,
			"status": run.Status,
		},
	})
}

func snapshotEvent(run *queue.Run) queue.Event {
	return queue.Event{
		RunID:    run.ID,
		Status:   run.Status,
		Stage:    run.Stage,
		Progress: run.Progress,
		Message:  run.Message,
	}
}

// StreamEvents streams run events via SSE
// GET /formfuzz/runs/:run_id/events
func (h *RunHandler) StreamEvents(c *fiber.Ctx) error {
	// Subscribe before reading the snapshot so no transition is lost in between
	runID := c.Params("run_id")
	events := h.queue.Subscribe(runID)
	run, err := h.lookup(c)
	if err != nil {
		h.queue.Unsubscribe(runID, events)
		return err
	}
	if run.IsTerminal() {
		h.queue.Unsubscribe(runID, events)
		events = nil
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		if events != nil {
			defer h.queue.Unsubscribe(run.ID, events)
		}

		if !writeSSE(w, snapshotEvent(run)) || events == nil {
			return
		}

		for event := range events {
			if !writeSSE(w, event) || event.Terminal() {
				return
			}
		}
	})

	return nil
}

func writeSSE(w *bufio.Writer, event queue.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	return w.Flush() == nil
}

// HandleWebSocket streams run events over a WebSocket
// GET /formfuzz/ws?run_id=
func (h *RunHandler) HandleWebSocket(c *websocket.Conn) {
	defer c.Close()

	runID := c.Query("run_id")
	if runID == "" {
		_ = c.WriteJSON(map[string]interface{}{"error": "run_id is required"})
		return
	}

	events := h.queue.Subscribe(runID)
	defer h.queue.Unsubscribe(runID, events)

	run, err := h.queue.Get(runID)
	if err != nil {
		_ = c.WriteJSON(map[string]interface{}{"error": "run not found"})
		return
	}

	if run.IsTerminal() {
		_ = c.WriteJSON(snapshotEvent(run))
		return
	}

	if err := c.WriteJSON(snapshotEvent(run)); err != nil {
		return
	}

	for event := range events {
		if err := c.WriteJSON(event); err != nil {
			return
		}
		if event.Terminal() {
			return
		}
	}
}
