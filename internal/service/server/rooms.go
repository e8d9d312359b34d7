package server

import (
	"net/http"
	"strconv"

	"contact_chat/internal/model"
	"contact_chat/internal/protocol/roomid"
	"contact_chat/internal/utils/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type HistoryResponse struct {
	Status   string           `json:"status"`
	RoomID   model.RoomID     `json:"roomID,omitempty"`
	Messages []*model.Message `json:"messages"`
}

// GetRoomMessages serves the ciphertext history of the caller's room with a
// contact. Already-exchanged history stays readable after a block.
func (s *HttpServer) GetRoomMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := callerOf(r)
		contact := model.UserRef(mux.Vars(r)["contactID"])
		room, err := roomid.DeriveChecked(caller, contact)
		if err != nil {
			writeStatus(w, http.StatusBadRequest, StatusInvalidParameters)
			return
		}

		limit := int64(defaultHistoryLimit)
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				writeStatus(w, http.StatusBadRequest, StatusInvalidParameters)
				return
			}
			limit = n
		}

		msgs, err := s.messages.History(r.Context(), room, limit)
		if err != nil {
			log.Error("load history failed", zap.String("room", room.String()), zap.Error(err))
			writeStatus(w, http.StatusInternalServerError, StatusError)
			return
		}
		if msgs == nil {
			msgs = []*model.Message{}
		}
		writeJSON(w, http.StatusOK, HistoryResponse{Status: StatusSuccess, RoomID: room, Messages: msgs})
	}
}
