package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jensholdgaard/cricket-auction/internal/auction"
	"github.com/jensholdgaard/cricket-auction/internal/auth"
	"github.com/jensholdgaard/cricket-auction/internal/gateway"
	"github.com/jensholdgaard/cricket-auction/internal/money"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

const maxBodyBytes = 64 << 10

type handlers struct {
	gw     *gateway.Gateway
	logger *slog.Logger
}

type okResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type sellRequest struct {
	PlayerID string      `json:"playerId"`
	TeamID   string      `json:"teamId"`
	Price    money.Price `json:"price"`
}

type bidRequest struct {
	Increment json.RawMessage `json:"increment"`
	NewBid    json.RawMessage `json:"newBid"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *handlers) snapshot(w http.ResponseWriter, r *http.Request) {
	msg, err := h.gw.Snapshot(r.Context(), chi.URLParam(r, "tid"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg.Data)
}

func (h *handlers) startPool(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	msg, err := h.gw.StartPool(r.Context(), p, chi.URLParam(r, "tid"), chi.URLParam(r, "pid"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true, Message: msg})
}

func (h *handlers) sell(w http.ResponseWriter, r *http.Request) {
	var req sellRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p := auth.FromContext(r.Context())
	if err := h.gw.Sell(r.Context(), p, chi.URLParam(r, "tid"), req.PlayerID, req.TeamID, req.Price); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *handlers) markUnsold(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if err := h.gw.MarkUnsold(r.Context(), p, chi.URLParam(r, "tid"), chi.URLParam(r, "playerId")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// bid is the request/response fallback for clients without a live
// connection. Exactly one of increment and newBid must be set.
func (h *handlers) bid(w http.ResponseWriter, r *http.Request) {
	var req bidRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if (len(req.Increment) == 0) == (len(req.NewBid) == 0) {
		h.fail(w, r, fmt.Errorf("%w: exactly one of increment and newBid is required", gateway.ErrValidation))
		return
	}

	p := auth.FromContext(r.Context())
	tid := chi.URLParam(r, "tid")
	var err error
	if len(req.Increment) > 0 {
		var inc money.Amount
		if inc, err = money.ParseSignedJSON(req.Increment); err == nil {
			err = h.gw.AdjustBid(r.Context(), p, tid, inc)
		}
	} else {
		var amount money.Amount
		if amount, err = money.ParseJSON(req.NewBid); err == nil {
			err = h.gw.SetBid(r.Context(), p, tid, amount)
		}
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrValidation, err)
	}
	return nil
}

// Classify maps an error to its HTTP status and wire code. It is shared
// with the websocket error replies.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrValidation), errors.Is(err, auction.ErrInvalid), money.IsValidationError(err):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, gateway.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, auction.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, auction.ErrPlayerNotActive), errors.Is(err, auction.ErrNoActivePlayer):
		return http.StatusConflict, "conflict"
	case errors.Is(err, gateway.ErrNotLeader):
		return http.StatusServiceUnavailable, "not_leader"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if code, _ := Classify(err); code == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeError(w, err)
}

func writeError(w http.ResponseWriter, err error) {
	code, name := Classify(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, code, errorResponse{Error: name, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
