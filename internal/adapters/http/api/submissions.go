package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	service "github.com/okian/slotrank/internal/app"
	"github.com/okian/slotrank/internal/domain/scoring"
	"github.com/okian/slotrank/pkg/logger"
)

const maxBodyBytes = 64 << 10

type submitResponse struct {
	Success       bool    `json:"success"`
	Score         float64 `json:"score"`
	SubmissionID  int64   `json:"submission_id"`
	Slot          string  `json:"slot"`
	SlotAttempted bool    `json:"slot_attempted"`
}

type submissionResponse struct {
	SubmissionID  int64           `json:"submission_id"`
	Metrics       scoring.Metrics `json:"metrics"`
	Score         float64         `json:"score"`
	CreatedAt     time.Time       `json:"created_at"`
	SlotAllocated bool            `json:"slot_allocated"`
	State         string          `json:"state"`
	ExpiresAt     time.Time       `json:"expires_at"`
	Rank          int             `json:"rank,omitempty"`
}

// SubmissionsHandler handles submission requests.
type SubmissionsHandler struct {
	deps Dependencies
	log  logger.Logger
}

// NewSubmissionsHandler creates a new submissions handler.
func NewSubmissionsHandler(deps Dependencies) *SubmissionsHandler {
	return &SubmissionsHandler{deps: deps, log: logger.Get().Named("api")}
}

// HandlePostSubmission handles POST /submissions and POST /submit_qualification.
func (h *SubmissionsHandler) HandlePostSubmission(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_submission"

	m, err := decodeStrict(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}

	res, err := h.deps.Submit(r.Context(), m)
	switch {
	case errors.Is(err, scoring.ErrInvalidMetric), errors.Is(err, scoring.ErrOutOfRange):
		writeError(w, http.StatusBadRequest, "validation_error", WrapKind(op, ErrBadRequest, err))
		return
	case err != nil:
		h.log.Error(r.Context(), "submission failed",
			logger.String("request_id", RequestID(r.Context())),
			logger.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", NewKind(op, ErrInternal))
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		Success:       true,
		Score:         res.Submission.Score,
		SubmissionID:  res.Submission.ID,
		Slot:          res.Decision.String(),
		SlotAttempted: res.Attempted,
	})
}

// decodeStrict decodes the closed metrics schema. Unknown fields, trailing
// data and oversized bodies are errors.
func decodeStrict(w http.ResponseWriter, r *http.Request) (scoring.Metrics, error) {
	var m scoring.Metrics
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return scoring.Metrics{}, fmt.Errorf("invalid JSON body: %w", err)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return scoring.Metrics{}, errors.New("request body must contain a single JSON object")
	}
	return m, nil
}

// HandleGetSubmission handles GET /submissions/{id}.
func (h *SubmissionsHandler) HandleGetSubmission(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_submission"

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "bad_request", NewKind(op, ErrBadRequest))
		return
	}
	view, err := h.deps.Get(r.Context(), id)
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", WrapKind(op, ErrNotFound, err))
		return
	case err != nil:
		h.log.Error(r.Context(), "get submission failed",
			logger.String("request_id", RequestID(r.Context())),
			logger.Int64("submission_id", id),
			logger.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", NewKind(op, ErrInternal))
		return
	}

	sub := view.Submission
	writeJSON(w, http.StatusOK, submissionResponse{
		SubmissionID:  sub.ID,
		Metrics:       sub.Metrics,
		Score:         sub.Score,
		CreatedAt:     sub.CreatedAt,
		SlotAllocated: sub.SlotAllocated,
		State:         view.State.String(),
		ExpiresAt:     view.ExpiresAt,
		Rank:          view.Rank,
	})
}
