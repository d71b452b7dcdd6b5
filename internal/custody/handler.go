// internal/custody/handler.go
package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"pharmachain/internal/identity"
)

// recordLister and subscriber are served when the Service behind the handler
// provides them, as *Ledger does.
type recordLister interface {
	ListRecords(ctx context.Context) ([]Record, error)
}

type subscriber interface {
	Subscribe(buffer int) *Subscription
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the custody API. mutating wraps the routes that change ledger
// state and must resolve the caller identity.
func (h *Handler) Routes(mutating ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(mutating...)
		r.Post("/batches", h.HandleRegister)
		r.Post("/batches/{batchID}/transfer", h.HandleTransfer)
		r.Post("/batches/{batchID}/deliver", h.HandleDeliver)
	})

	r.Get("/batches", h.HandleList)
	r.Get("/batches/count", h.HandleCount)
	r.Get("/batches/index/{position}", h.HandleIndex)
	r.Get("/batches/{batchID}", h.HandleGet)
	r.Get("/batches/{batchID}/history", h.HandleHistory)
	r.Get("/batches/{batchID}/exists", h.HandleExists)
	r.Get("/events", h.HandleEvents)
	return r
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchID string `json:"batch_id"`
		MfgDate string `json:"mfg_date"`
		ExpDate string `json:"exp_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidArgument, err))
		return
	}

	batch, err := h.service.RegisterBatch(r.Context(), req.BatchID, req.MfgDate, req.ExpDate, caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (h *Handler) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To       Identity `json:"to"`
		Location string   `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidArgument, err))
		return
	}

	batchID, err := batchIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	batch, err := h.service.TransferBatch(r.Context(), batchID, req.To, req.Location, caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *Handler) HandleDeliver(w http.ResponseWriter, r *http.Request) {
	batchID, err := batchIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	batch, err := h.service.ConfirmDelivery(r.Context(), batchID, caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	batchID, err := batchIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	batch, err := h.service.GetBatch(r.Context(), batchID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	batchID, err := batchIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := h.service.GetBatchHistory(r.Context(), batchID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) HandleExists(w http.ResponseWriter, r *http.Request) {
	batchID, err := batchIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	exists, err := h.service.BatchExists(r.Context(), batchID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

func (h *Handler) HandleCount(w http.ResponseWriter, r *http.Request) {
	total, err := h.service.GetTotalBatches(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total": total})
}

func (h *Handler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	position, err := strconv.Atoi(chi.URLParam(r, "position"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid position", ErrInvalidArgument))
		return
	}
	id, err := h.service.GetBatchIDByIndex(r.Context(), position)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"batch_id": id})
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	lister, ok := h.service.(recordLister)
	if !ok {
		http.Error(w, "listing not supported", http.StatusNotImplemented)
		return
	}
	records, err := lister.ListRecords(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleEvents streams ledger notifications as server-sent events.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.service.(subscriber)
	if !ok {
		http.Error(w, "events not supported", http.StatusNotImplemented)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	s := sub.Subscribe(64)
	defer s.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-s.C():
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", n.ID, n.Kind, data)
			flusher.Flush()
		}
	}
}

// batchIDParam returns the decoded {batchID} segment. chi matches on the
// escaped path when the request has one, so ids containing "/" arrive escaped.
func batchIDParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "batchID")
	if r.URL.RawPath == "" {
		return raw, nil
	}
	id, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: malformed batch id %q", ErrInvalidArgument, raw)
	}
	return id, nil
}

func caller(r *http.Request) Identity {
	id, _ := identity.FromContext(r.Context())
	return Identity(id)
}

// StatusCode maps a ledger error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody is the JSON error response. Kind lets clients recover the sentinel.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// KindError returns the sentinel named by kind, or nil if kind is unknown.
func KindError(kind string) error {
	switch kind {
	case "invalid_argument":
		return ErrInvalidArgument
	case "already_exists":
		return ErrAlreadyExists
	case "not_found":
		return ErrNotFound
	case "unauthorized":
		return ErrUnauthorized
	case "invalid_state":
		return ErrInvalidState
	case "out_of_range":
		return ErrOutOfRange
	default:
		return nil
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, ErrorBody{Error: msg, Kind: errorKind(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
