package httpapi

import (
	"net/http"
	"strings"

	"pkt.systems/resvd/api"
	"pkt.systems/resvd/internal/taskstatus"
	"pkt.systems/resvd/internal/tasks"
)

func (h *Handler) handleTaskList(w http.ResponseWriter, r *http.Request) error {
	query := r.URL.Query()
	filter := taskstatus.Filter{
		Queue: strings.TrimSpace(query.Get("queue")),
		Tag:   strings.TrimSpace(query.Get("tag")),
	}
	for _, raw := range query["state"] {
		for _, part := range strings.Split(raw, ",") {
			state := taskstatus.State(strings.TrimSpace(part))
			if state == "" {
				continue
			}
			if !state.Valid() {
				return httpError{Status: http.StatusBadRequest, Code: "invalid_state", Detail: "unknown state " + string(state)}
			}
			filter.States = append(filter.States, state)
		}
	}
	statuses, err := h.statuses.List(r.Context(), filter)
	if err != nil {
		return err
	}
	resp := api.TaskListResponse{Tasks: make([]api.TaskStatus, 0, len(statuses))}
	for _, status := range statuses {
		resp.Tasks = append(resp.Tasks, toAPIStatus(status))
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleTaskGet(w http.ResponseWriter, r *http.Request) error {
	status, err := h.statuses.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, toAPIStatus(status), nil)
	return nil
}

func (h *Handler) handleTaskCancel(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	if err := h.tasks.Cancel(r.Context(), id); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.CancelResponse{TaskID: id, Canceled: true}, nil)
	return nil
}

func (h *Handler) handleTaskDispatch(w http.ResponseWriter, r *http.Request) error {
	var req api.DispatchRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return err
	}
	req.Task = strings.TrimSpace(req.Task)
	if req.Task == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_task", Detail: "task is required"}
	}
	reserved := req.ResourceType != "" || req.ResourceID != ""
	if reserved && (req.ResourceType == "" || req.ResourceID == "") {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_resource", Detail: "resource_type and resource_id must be set together"}
	}
	if reserved && req.Queue != "" {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_queue", Detail: "queue cannot be combined with a reservation"}
	}

	var args any
	if len(req.Args) > 0 {
		args = req.Args
	}
	opts := []tasks.DispatchOption{tasks.WithTags(req.Tags...)}
	var (
		res tasks.AsyncResult
		err error
	)
	if reserved {
		res, err = h.tasks.DispatchWithReservation(r.Context(), req.ResourceType, req.ResourceID, req.Task, args, opts...)
	} else {
		if req.Queue != "" {
			opts = append(opts, tasks.OnQueue(req.Queue))
		}
		res, err = h.tasks.Dispatch(r.Context(), req.Task, args, opts...)
	}
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusAccepted, api.DispatchResponse{
		TaskID:   res.TaskID,
		Task:     res.Task,
		Queue:    res.Queue,
		Resource: res.Resource,
	}, nil)
	return nil
}

func (h *Handler) handleQueueList(w http.ResponseWriter, r *http.Request) error {
	loads, err := h.resources.ListQueueLoads(r.Context())
	if err != nil {
		return err
	}
	var depth map[string]int
	if h.queueDepth != nil {
		depth = h.queueDepth()
	}
	resp := api.QueueListResponse{Queues: make([]api.QueueLoad, 0, len(loads))}
	for _, load := range loads {
		resp.Queues = append(resp.Queues, api.QueueLoad{
			Queue:        load.Queue,
			Count:        load.Count,
			Pending:      depth[load.Queue],
			MissingSince: load.MissingSinceUnixNano,
			UpdatedAt:    load.UpdatedAtUnixNano,
		})
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleReservationList(w http.ResponseWriter, r *http.Request) error {
	reservations, err := h.resources.ListReservations(r.Context())
	if err != nil {
		return err
	}
	resp := api.ReservationListResponse{Reservations: make([]api.Reservation, 0, len(reservations))}
	for _, rec := range reservations {
		resp.Reservations = append(resp.Reservations, toAPIReservation(rec))
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) error {
	if h.reconciler == nil {
		return httpError{Status: http.StatusNotImplemented, Code: "reconcile_disabled", Detail: "no rebalancer configured"}
	}
	report, err := h.reconciler.Reconcile(r.Context())
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, toAPIReport(report), nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}
