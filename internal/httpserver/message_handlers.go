package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"chatcore/internal/domain"
	"chatcore/internal/protocol"
	"chatcore/internal/service"
)

// MessageAPI is what the REST handlers need from the message service.
type MessageAPI interface {
	Send(ctx context.Context, in service.SendInput) (*service.SendResult, error)
	History(ctx context.Context, userID, conversationID string, afterSeq int64, limit int) (*service.HistoryPage, error)
	Receipts(ctx context.Context, callerID, messageID string) ([]*domain.Receipt, error)
}

type messageCreateRequest struct {
	Text      string `json:"text"`
	ClientRef string `json:"clientRef"`
}

type messageCreateResponse struct {
	Ack     protocol.Frame       `json:"ack"`
	Message protocol.MessageView `json:"message"`
}

func handleCreateMessage(msgSvc MessageAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}

		res, err := msgSvc.Send(r.Context(), service.SendInput{
			ConversationID: chi.URLParam(r, "conversationID"),
			SenderID:       CurrentUser(r),
			Text:           req.Text,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, messageCreateResponse{
			Ack:     protocol.AckFrame(req.ClientRef, res.Message),
			Message: res.Message,
		})
	}
}

func handleListMessages(msgSvc MessageAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var afterSeq int64
		if v := q.Get("after_seq"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid after_seq"})
				return
			}
			afterSeq = n
		}
		var limit int
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
				return
			}
			limit = n
		}

		page, err := msgSvc.History(r.Context(), CurrentUser(r), chi.URLParam(r, "conversationID"), afterSeq, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func handleListReceipts(msgSvc MessageAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		receipts, err := msgSvc.Receipts(r.Context(), CurrentUser(r), chi.URLParam(r, "messageID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, receipts)
	}
}

// writeError maps service errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, domain.ErrValidation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrForbidden):
		status, msg = http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrPersistence):
		status, msg = http.StatusServiceUnavailable, "message store unavailable"
	}
	writeJSON(w, status, map[string]string{"error": msg, "kind": domain.ErrorKind(err)})
}
