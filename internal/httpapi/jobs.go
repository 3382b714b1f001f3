package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SirClappington/flowgate/internal/domain"
	"github.com/SirClappington/flowgate/internal/queue"
	"github.com/SirClappington/flowgate/internal/storage"
)

const maxPublishBody = 1 << 20

type publishRequest struct {
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	Priority    string          `json:"priority"`
	MaxAttempts int             `json:"maxAttempts"`
}

type publishResponse struct {
	ID string `json:"id"`
}

func (a *api) publishJob(rw http.ResponseWriter, r *http.Request) {
	var req publishRequest
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxPublishBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(rw, http.StatusBadRequest, "invalidBody", err.Error(), a.Logger)
		return
	}
	if req.Topic == "" {
		respondError(rw, http.StatusBadRequest, "invalidBody", "topic is required", a.Logger)
		return
	}
	prio, err := domain.ParsePriority(req.Priority)
	if err != nil {
		respondError(rw, http.StatusBadRequest, "invalidBody", err.Error(), a.Logger)
		return
	}
	if req.MaxAttempts < 0 {
		respondError(rw, http.StatusBadRequest, "invalidBody", "maxAttempts must not be negative", a.Logger)
		return
	}

	opts := []queue.PublishOption{queue.WithPriority(prio)}
	if req.MaxAttempts > 0 {
		opts = append(opts, queue.WithMaxAttempts(req.MaxAttempts))
	}
	id, err := a.Publisher.Publish(r.Context(), req.Topic, req.Payload, opts...)
	if err != nil {
		a.Logger.Error("publish job", zap.String("topic", req.Topic), zap.Error(err))
		respondError(rw, http.StatusServiceUnavailable, "storeUnavailable", "job could not be stored", a.Logger)
		return
	}
	respondJSON(rw, http.StatusAccepted, publishResponse{ID: id}, a.Logger)
}

func (a *api) getJob(rw http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.Store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(rw, http.StatusNotFound, "notFound", "job not found", a.Logger)
			return
		}
		a.Logger.Error("get job", zap.String("job_id", id), zap.Error(err))
		respondError(rw, http.StatusServiceUnavailable, "storeUnavailable", "", a.Logger)
		return
	}
	respondJSON(rw, http.StatusOK, job, a.Logger)
}

func (a *api) queueStats(rw http.ResponseWriter, r *http.Request) {
	counts, err := a.Store.CountByStatus(r.Context())
	if err != nil {
		a.Logger.Error("count jobs", zap.Error(err))
		respondError(rw, http.StatusServiceUnavailable, "storeUnavailable", "", a.Logger)
		return
	}
	out := map[domain.Status]int64{
		domain.Pending:    0,
		domain.Processing: 0,
		domain.Completed:  0,
		domain.Failed:     0,
	}
	for s, n := range counts {
		out[s] = n
	}
	respondJSON(rw, http.StatusOK, out, a.Logger)
}
