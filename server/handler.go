package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/padsync/auth"
	"github.com/burntcarrot/padsync/commons"
	"github.com/burntcarrot/padsync/hub"
	"github.com/burntcarrot/padsync/session"
)

type server struct {
	registry   *hub.Registry
	authorizer auth.Authorizer
	log        logrus.FieldLogger
	adminToken string

	upgrader websocket.Upgrader
}

func newServer(registry *hub.Registry, authorizer auth.Authorizer, log logrus.FieldLogger, adminToken string) *server {
	return &server{
		registry:   registry,
		authorizer: authorizer,
		log:        log,
		adminToken: adminToken,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/realtime/{document}", s.handleRealtime).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/documents/{document}/deleted", s.handleDocumentDeleted).Methods(http.MethodPost)
	admin.HandleFunc("/server-version", s.handleServerVersion).Methods(http.MethodPost)
	return r
}

// handleRealtime upgrades the connection and runs a session in the
// document's room until either side closes it. Refused participants are
// upgraded too, so they learn the reason from the close code.
func (s *server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["document"]
	log := s.log.WithField("document", documentID)

	grant, authErr := s.authorizer.Authorize(r, documentID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("error upgrading connection to websocket")
		return
	}
	transport := session.NewWebsocketTransport(conn)

	if authErr != nil {
		log.WithError(authErr).Info("connection refused")
		_ = transport.Close(commons.ReasonFor(authErr))
		return
	}

	sess, err := s.registry.Connect(documentID, transport, grant.User, grant.Capabilities)
	if err != nil {
		log.WithError(err).Warn("admission failed")
		_ = transport.Close(commons.ReasonFor(err))
		return
	}

	if err := sess.Run(r.Context()); err != nil {
		log.WithError(err).WithField("session", sess.ID()).Debug("session ended")
	}
}

type health struct {
	Version  string   `json:"version"`
	Rooms    []string `json:"rooms"`
	Sessions int      `json:"sessions"`
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health{
		Version:  version,
		Rooms:    s.registry.Rooms(),
		Sessions: s.registry.SessionCount(),
	})
}

func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			http.NotFound(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleDocumentDeleted(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["document"]
	err := s.registry.BroadcastDocumentDeleted(documentID)
	switch {
	case errors.Is(err, hub.ErrRoomNotFound):
		http.Error(w, "no sessions for document", http.StatusNotFound)
		return
	case err != nil:
		s.log.WithError(err).WithField("document", documentID).Error("broadcasting deletion")
		http.Error(w, "broadcast failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleServerVersion(w http.ResponseWriter, _ *http.Request) {
	s.registry.BroadcastServerVersionUpdated()
	w.WriteHeader(http.StatusNoContent)
}
