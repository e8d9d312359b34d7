package server

import (
	"context"
	"encoding/json"
	"net/http"

	"contact_chat/internal/model"
	"contact_chat/internal/protocol/roomid"
	"contact_chat/internal/repository/relationship"
	userRepo "contact_chat/internal/repository/user"
	"contact_chat/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Response statuses of the contacts API.
const (
	StatusSuccess           = "success"
	StatusUnauthenticated   = "unauthenticated"
	StatusInvalidParameters = "invalid-parameters"
	StatusUserNotFound      = "user-not-found"
	StatusUserExists        = "user-exists"
	StatusUsernameTaken     = "username-taken"
	StatusNoSuchRequest     = "no-such-request"
	StatusNotAccepted       = "not-accepted"
	StatusNotBlocked        = "not-blocked"
	StatusBlocked           = "blocked"
	StatusError             = "error"

	StatusCannotAddSelf     = "cannot-add-self"
	StatusCannotRemoveSelf  = "cannot-remove-self"
	StatusCannotBlockSelf   = "cannot-block-self"
	StatusCannotUnblockSelf = "cannot-unblock-self"
)

type (
	ContactRequest struct {
		Username string `json:"username"`
	}

	PendingRequest struct {
		Username string         `json:"username"`
		Action   model.Decision `json:"action"`
	}

	UserResponse struct {
		Status   string        `json:"status"`
		UserID   model.UserRef `json:"userID,omitempty"`
		Username string        `json:"username,omitempty"`
	}

	contactAction func(ctx context.Context, owner, target model.UserRef) error
)

// lookupTarget resolves username to an account other than the caller. It
// writes the failure response itself and returns nil in that case.
func (s *HttpServer) lookupTarget(w http.ResponseWriter, r *http.Request, username, selfStatus string) *model.User {
	if model.NormalizeUsername(username) == "" {
		writeStatus(w, http.StatusBadRequest, StatusInvalidParameters)
		return nil
	}

	target, err := s.userRepo.GetByName(r.Context(), username)
	if err != nil {
		log.Error("lookup user failed", zap.String("username", username), zap.Error(err))
		writeStatus(w, http.StatusInternalServerError, StatusError)
		return nil
	}
	if target == nil {
		writeStatus(w, http.StatusNotFound, StatusUserNotFound)
		return nil
	}
	if target.UserID == callerOf(r) {
		writeStatus(w, http.StatusBadRequest, selfStatus)
		return nil
	}
	return target
}

// writeRelationshipError maps store errors to response statuses.
func writeRelationshipError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, relationship.ErrSelfReference),
		errors.Is(err, relationship.ErrInvalidUser),
		errors.Is(err, relationship.ErrInvalidDecision):
		writeStatus(w, http.StatusBadRequest, StatusInvalidParameters)
	case errors.Is(err, relationship.ErrAlreadyRelated):
		writeStatus(w, http.StatusConflict, StatusUserExists)
	case errors.Is(err, relationship.ErrNoSuchRequest):
		writeStatus(w, http.StatusConflict, StatusNoSuchRequest)
	case errors.Is(err, relationship.ErrBlocked):
		writeStatus(w, http.StatusConflict, StatusBlocked)
	case errors.Is(err, relationship.ErrNotAccepted):
		writeStatus(w, http.StatusConflict, StatusNotAccepted)
	case errors.Is(err, relationship.ErrNotBlocked):
		writeStatus(w, http.StatusConflict, StatusNotBlocked)
	default:
		log.Error(op+" failed", zap.Error(err))
		writeStatus(w, http.StatusInternalServerError, StatusError)
	}
}

func (s *HttpServer) contactHandler(op, selfStatus string, action contactAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ContactRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeStatus(w, http.StatusBadRequest, StatusInvalidParameters)
			return
		}
		target := s.lookupTarget(w, r, req.Username, selfStatus)
		if target == nil {
			return
		}

		if err := action(r.Context(), callerOf(r), target.UserID); err != nil {
			writeRelationshipError(w, op, err)
			return
		}
		log.Info(op, zap.String("owner", callerOf(r).String()), zap.String("target", target.UserID.String()))
		writeStatus(w, http.StatusOK, StatusSuccess)
	}
}

func (s *HttpServer) AddContact() http.HandlerFunc {
	return s.contactHandler("add contact", StatusCannotAddSelf, s.relationships.Request)
}

func (s *HttpServer) RemoveContact() http.HandlerFunc {
	return s.contactHandler("remove contact", StatusCannotRemoveSelf, s.relationships.Remove)
}

func (s *HttpServer) BlockContact() http.HandlerFunc {
	return s.contactHandler("block contact", StatusCannotBlockSelf, func(ctx context.Context, owner, target model.UserRef) error {
		if err := s.relationships.Block(ctx, owner, target); err != nil {
			return err
		}
		// Live members stop receiving the room at once.
		s.hub.Evict(roomid.Derive(owner, target), owner, target)
		return nil
	})
}

func (s *HttpServer) UnblockContact() http.HandlerFunc {
	return s.contactHandler("unblock contact", StatusCannotUnblockSelf, s.relationships.Unblock)
}

func (s *HttpServer) ResolvePending() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PendingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Action.Valid() {
			writeStatus(w, http.StatusBadRequest, StatusInvalidParameters)
			return
		}
		target := s.lookupTarget(w, r, req.Username, StatusCannotAddSelf)
		if target == nil {
			return
		}

		if err := s.relationships.Resolve(r.Context(), callerOf(r), target.UserID, req.Action); err != nil {
			writeRelationshipError(w, "resolve request", err)
			return
		}
		writeStatus(w, http.StatusOK, StatusSuccess)
	}
}

func (s *HttpServer) GetContacts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contacts, err := s.relationships.Query(r.Context(), callerOf(r))
		if err != nil {
			log.Error("query contacts failed", zap.Error(err))
			writeStatus(w, http.StatusInternalServerError, StatusError)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Status: StatusSuccess, Contacts: contacts})
	}
}

// CheckContact reports whether the caller may message contactID. Both
// sides of the pair count, so a block by the contact shows up here too.
func (s *HttpServer) CheckContact() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := callerOf(r)
		contact := model.UserRef(mux.Vars(r)["contactID"])
		if _, err := roomid.DeriveChecked(caller, contact); err != nil {
			writeStatus(w, http.StatusBadRequest, StatusInvalidParameters)
			return
		}
		if err := s.relationships.CheckMessaging(r.Context(), caller, contact); err != nil {
			writeRelationshipError(w, "check contact", err)
			return
		}
		writeStatus(w, http.StatusOK, StatusSuccess)
	}
}

func (s *HttpServer) GetUser() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["username"]
		user, err := s.userRepo.GetByName(r.Context(), name)
		if err != nil {
			log.Error("lookup user failed", zap.String("username", name), zap.Error(err))
			writeStatus(w, http.StatusInternalServerError, StatusError)
			return
		}
		if user == nil {
			writeStatus(w, http.StatusNotFound, StatusUserNotFound)
			return
		}
		writeJSON(w, http.StatusOK, UserResponse{Status: StatusSuccess, UserID: user.UserID, Username: user.Username})
	}
}

func (s *HttpServer) RegisterUser() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ContactRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeStatus(w, http.StatusBadRequest, StatusInvalidParameters)
			return
		}

		user, err := s.userRepo.Register(r.Context(), req.Username)
		switch {
		case err == nil:
			log.Info("registered user", zap.String("userID", user.UserID.String()), zap.String("username", user.Username))
			writeJSON(w, http.StatusOK, UserResponse{Status: StatusSuccess, UserID: user.UserID, Username: user.Username})
		case errors.Is(err, userRepo.ErrInvalidUsername):
			writeStatus(w, http.StatusBadRequest, StatusInvalidParameters)
		case errors.Is(err, userRepo.ErrUsernameTaken):
			writeStatus(w, http.StatusConflict, StatusUsernameTaken)
		default:
			log.Error("register user failed", zap.Error(err))
			writeStatus(w, http.StatusInternalServerError, StatusError)
		}
	}
}
