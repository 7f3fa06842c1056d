package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	service "github.com/okian/slotrank/internal/app"
	"github.com/okian/slotrank/pkg/logger"
)

type leaderboardEntry struct {
	Rank         int       `json:"rank"`
	SubmissionID int64     `json:"submission_id"`
	Score        float64   `json:"score"`
	CreatedAt    time.Time `json:"created_at"`
}

type currentSlot struct {
	SubmissionID int64     `json:"submission_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type leaderboardResponse struct {
	Leaderboard []leaderboardEntry `json:"leaderboard"`
	CurrentSlot *currentSlot       `json:"current_slot"`
	Degraded    bool               `json:"degraded,omitempty"`
}

// LeaderboardHandler handles leaderboard requests.
type LeaderboardHandler struct {
	deps Dependencies
	log  logger.Logger
}

// NewLeaderboardHandler creates a new leaderboard handler.
func NewLeaderboardHandler(deps Dependencies) *LeaderboardHandler {
	return &LeaderboardHandler{deps: deps, log: logger.Get().Named("api")}
}

// HandleGetLeaderboard handles GET /leaderboard?limit=N. Without limit the
// service default applies.
func (h *LeaderboardHandler) HandleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_leaderboard"

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", NewKind(op, ErrBadRequest))
			return
		}
		limit = n
	}

	ranking, err := h.deps.Ranking(r.Context(), limit)
	switch {
	case errors.Is(err, service.ErrInvalidLimit):
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	case err != nil:
		h.log.Error(r.Context(), "ranking failed",
			logger.String("request_id", RequestID(r.Context())),
			logger.Int("limit", limit),
			logger.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", NewKind(op, ErrInternal))
		return
	}

	resp := leaderboardResponse{
		Leaderboard: make([]leaderboardEntry, len(ranking.Entries)),
		Degraded:    ranking.Degraded,
	}
	for i, e := range ranking.Entries {
		resp.Leaderboard[i] = leaderboardEntry{
			Rank:         i + 1,
			SubmissionID: e.SubmissionID,
			Score:        e.Score,
			CreatedAt:    e.CreatedAt,
		}
	}
	if ranking.Current != nil {
		resp.CurrentSlot = &currentSlot{
			SubmissionID: ranking.Current.SubmissionID,
			ExpiresAt:    ranking.Current.ExpiresAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
