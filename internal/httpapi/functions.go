package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pkt.systems/resvd/api"
	"pkt.systems/resvd/internal/broker"
	"pkt.systems/resvd/internal/rebalance"
	"pkt.systems/resvd/internal/reservation"
	"pkt.systems/resvd/internal/resources"
	"pkt.systems/resvd/internal/storage"
	"pkt.systems/resvd/internal/taskstatus"
	"pkt.systems/resvd/internal/tasks"
)

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

// mapError translates domain errors into API errors.
func mapError(err error) (httpError, bool) {
	switch {
	case errors.Is(err, taskstatus.ErrMissingResource):
		return httpError{Status: http.StatusNotFound, Code: "task_not_found", Detail: err.Error()}, true
	case errors.Is(err, tasks.ErrTaskComplete):
		return httpError{Status: http.StatusConflict, Code: "task_complete", Detail: err.Error()}, true
	case errors.Is(err, taskstatus.ErrAlreadyExists):
		return httpError{Status: http.StatusConflict, Code: "task_exists", Detail: err.Error()}, true
	case errors.Is(err, reservation.ErrNoAvailableQueues):
		return httpError{Status: http.StatusServiceUnavailable, Code: "no_available_queues", Detail: err.Error(), RetryAfter: 5}, true
	case errors.Is(err, tasks.ErrUnknownTask):
		return httpError{Status: http.StatusBadRequest, Code: "unknown_task", Detail: err.Error()}, true
	case errors.Is(err, tasks.ErrCoordinationQueue):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_queue", Detail: err.Error()}, true
	case errors.Is(err, reservation.ErrInvalidResource):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_resource", Detail: err.Error()}, true
	case errors.Is(err, broker.ErrUnavailable), storage.IsTransient(err):
		return httpError{Status: http.StatusServiceUnavailable, Code: "unavailable", Detail: err.Error(), RetryAfter: 1}, true
	}
	return httpError{}, false
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.jsonMaxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: "request body required"}
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{Status: http.StatusRequestEntityTooLarge, Code: "body_too_large", Detail: fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit)}
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	return nil
}

func toAPIStatus(s taskstatus.Status) api.TaskStatus {
	return api.TaskStatus{
		TaskID:     s.TaskID,
		Task:       s.Task,
		Queue:      s.Queue,
		Tags:       s.Tags,
		State:      string(s.State),
		StartTime:  s.StartTimeUnixNano,
		FinishTime: s.FinishUnixNano,
		Result:     s.Result,
		Progress:   s.Progress,
		Traceback:  s.Traceback,
		CreatedAt:  s.CreatedAtUnixNano,
		UpdatedAt:  s.UpdatedAtUnixNano,
	}
}

func toAPIReservation(r resources.Reservation) api.Reservation {
	return api.Reservation{
		Resource:  r.Resource,
		Queue:     r.Queue,
		Count:     r.Count,
		CreatedAt: r.CreatedAtUnixNano,
		UpdatedAt: r.UpdatedAtUnixNano,
	}
}

func toAPIReport(r rebalance.Report) api.ReconcileResponse {
	return api.ReconcileResponse{
		Observed:       nonNil(r.Observed),
		Created:        r.Created,
		Restored:       r.Restored,
		MarkedMissing:  r.MarkedMissing,
		Deleted:        r.Deleted,
		ConsumersAdded: r.ConsumersAdded,
	}
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
