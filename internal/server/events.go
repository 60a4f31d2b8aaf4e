package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/peermesh/internal/queue/streams"
	"github.com/mohammad-safakhou/peermesh/internal/runtime"
	"github.com/mohammad-safakhou/peermesh/internal/store"
)

// EventReplayer is the part of the replay buffer the HTTP surface needs.
// *replay.Buffer satisfies it.
type EventReplayer interface {
	ReplayForUser(ctx context.Context, taskID, userID string) ([]store.EventRecord, error)
	MarkConsumedForUser(ctx context.Context, taskID, userID string, through int64) (int64, error)
}

// EventsHandler serves replay and ack for a task's buffered events.
type EventsHandler struct {
	Events EventReplayer
}

// Register mounts the routes under g.
func (h *EventsHandler) Register(g *echo.Group) {
	g.GET("/:task_id/events", h.list)
	g.POST("/:task_id/events/ack", h.ack)
}

type eventsResponse struct {
	TaskID string              `json:"task_id"`
	Events []streams.TaskEvent `json:"events"`
}

type ackRequest struct {
	ThroughSequence *int64 `json:"through_sequence"`
}

type ackResponse struct {
	TaskID          string `json:"task_id"`
	ThroughSequence int64  `json:"through_sequence"`
	Consumed        int64  `json:"consumed"`
}

func callerID(c echo.Context) (string, error) {
	userID, ok := runtime.SubjectFromContext(c.Request().Context())
	if !ok {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return userID, nil
}

func (h *EventsHandler) list(c echo.Context) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}
	taskID := c.Param("task_id")
	recs, err := h.Events.ReplayForUser(c.Request().Context(), taskID, userID)
	if err != nil {
		return err
	}
	out := eventsResponse{TaskID: taskID, Events: make([]streams.TaskEvent, 0, len(recs))}
	for _, r := range recs {
		payload := r.Payload
		if payload == nil {
			payload = []byte{}
		}
		out.Events = append(out.Events, streams.TaskEvent{
			TaskID:    r.TaskID,
			Sequence:  r.Sequence,
			SessionID: r.SessionID,
			UserID:    r.UserID,
			EventType: r.EventType,
			Payload:   payload,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *EventsHandler) ack(c echo.Context) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}
	var req ackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.ThroughSequence == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "through_sequence is required")
	}
	taskID := c.Param("task_id")
	// Only the caller's own events are acknowledged, the same set list returns.
	n, err := h.Events.MarkConsumedForUser(c.Request().Context(), taskID, userID, *req.ThroughSequence)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ackResponse{TaskID: taskID, ThroughSequence: *req.ThroughSequence, Consumed: n})
}
