package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"contact_chat/internal/model"
	"contact_chat/internal/repository/key"
	"contact_chat/internal/repository/message"
	"contact_chat/internal/repository/relationship"
	userRepo "contact_chat/internal/repository/user"
	"contact_chat/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// UserHeader carries the caller identity resolved by the upstream
	// authentication layer.
	UserHeader = key.UserHeader

	defaultHistoryLimit = 200
)

type (
	Keys interface {
		key.Directory
		key.Publisher
	}

	// Relay receives every envelope the gateway accepts, for participants
	// outside the websocket gateway.
	Relay interface {
		Publish(ctx context.Context, env *model.Envelope) error
	}

	Deps struct {
		Users         userRepo.Accounts
		Relationships *relationship.Store
		Keys          Keys
		Messages      message.Log
		Mailbox       Mailbox
		Relay         Relay
	}

	HttpServer struct {
		hub           *Hub
		deliveries    *deliveryLocks
		userRepo      userRepo.Accounts
		relationships *relationship.Store
		keys          Keys
		messages      message.Log
		mailbox       Mailbox
		relay         Relay
	}

	statusResponse struct {
		Status   string          `json:"status"`
		Contacts *model.Contacts `json:"contacts,omitempty"`
	}
)

func NewHttpServer(deps Deps) *HttpServer {
	return &HttpServer{
		hub:           NewHub(),
		deliveries:    newDeliveryLocks(),
		userRepo:      deps.Users,
		relationships: deps.Relationships,
		keys:          deps.Keys,
		messages:      deps.Messages,
		mailbox:       deps.Mailbox,
		relay:         deps.Relay,
	}
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	contacts := r.PathPrefix("/api/contacts").Subrouter()
	contacts.Use(requireUser)
	contacts.HandleFunc("/add", s.AddContact()).Methods(http.MethodPost)
	contacts.HandleFunc("/pending", s.ResolvePending()).Methods(http.MethodPost)
	contacts.HandleFunc("/remove", s.RemoveContact()).Methods(http.MethodPost)
	contacts.HandleFunc("/block", s.BlockContact()).Methods(http.MethodPost)
	contacts.HandleFunc("/unblock", s.UnblockContact()).Methods(http.MethodPost)
	contacts.HandleFunc("/get", s.GetContacts()).Methods(http.MethodGet)
	contacts.HandleFunc("/check/{contactID}", s.CheckContact()).Methods(http.MethodGet)

	rooms := r.PathPrefix("/api/rooms").Subrouter()
	rooms.Use(requireUser)
	rooms.HandleFunc("/{contactID}/messages", s.GetRoomMessages()).Methods(http.MethodGet)

	r.HandleFunc("/api/users", s.RegisterUser()).Methods(http.MethodPost)
	r.HandleFunc("/api/users/{username}", s.GetUser()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{userID}", s.GetPublicKey()).Methods(http.MethodGet)
	r.Handle("/keys", requireUser(s.PublishKey())).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.HandleWS()).Methods(http.MethodGet)
	return r
}

// Run serves on addr until ctx is cancelled.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type ctxKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := model.UserRef(r.Header.Get(UserHeader))
		if !id.Valid() {
			writeJSON(w, http.StatusUnauthorized, statusResponse{Status: StatusUnauthenticated})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func callerOf(r *http.Request) model.UserRef {
	id, _ := r.Context().Value(ctxKey{}).(model.UserRef)
	return id
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("encode response failed", zap.Error(err))
		http.Error(w, "encode response failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	writeJSON(w, code, statusResponse{Status: status})
}
