package server

import (
	"encoding/json"
	"net/http"

	"contact_chat/internal/model"
	"contact_chat/internal/repository/key"
	"contact_chat/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type PublishKeyRequest struct {
	PublicKey []byte `json:"publicKey"`
}

func (s *HttpServer) GetPublicKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := model.UserRef(mux.Vars(r)["userID"])
		log.Debug("GetPublicKey", zap.String("userID", userID.String()))

		rec, err := s.keys.PublicKeyOf(r.Context(), userID)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, rec)
		case errors.Is(err, key.ErrNoKey):
			writeStatus(w, http.StatusNotFound, key.StatusNoKey)
		case errors.Is(err, key.ErrUserNotFound):
			writeStatus(w, http.StatusNotFound, key.StatusUserNotFound)
		case errors.Is(err, key.ErrInvalidUserID):
			writeStatus(w, http.StatusBadRequest, StatusInvalidParameters)
		default:
			log.Error("get public key failed", zap.Error(err))
			writeStatus(w, http.StatusInternalServerError, StatusError)
		}
	}
}

func (s *HttpServer) PublishKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PublishKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeStatus(w, http.StatusBadRequest, StatusInvalidParameters)
			return
		}

		rec, err := s.keys.Publish(r.Context(), callerOf(r), req.PublicKey)
		switch {
		case err == nil:
			log.Info("published key", zap.String("userID", rec.UserID.String()), zap.Uint32("version", rec.Version))
			writeJSON(w, http.StatusOK, rec)
		case errors.Is(err, key.ErrInvalidKey), errors.Is(err, key.ErrInvalidUserID):
			writeStatus(w, http.StatusBadRequest, StatusInvalidParameters)
		case errors.Is(err, key.ErrUserNotFound):
			writeStatus(w, http.StatusNotFound, key.StatusUserNotFound)
		default:
			log.Error("publish key failed", zap.Error(err))
			writeStatus(w, http.StatusInternalServerError, StatusError)
		}
	}
}
