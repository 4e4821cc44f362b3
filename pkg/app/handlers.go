package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"chatSync/pkg/api"
	myMiddleware "chatSync/pkg/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8092,
	WriteBufferSize: 8092,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) GetConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r.Context())

		conversations, err := s.Directory.ListForUser(r.Context(), uid)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, conversations)
	}
}

func (s *Server) CreateDirectConversation() http.HandlerFunc {
	type request struct {
		PeerId string `json:"peerId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r.Context())

		var req request
		if err := decodeBody(r, &req); err != nil {
			s.respondError(w, err)
			return
		}

		conversation, err := s.Directory.FindOrCreateDirect(r.Context(), uid, req.PeerId)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusCreated, conversation)
	}
}

func (s *Server) CreateGroupConversation() http.HandlerFunc {
	type request struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r.Context())

		var req request
		if err := decodeBody(r, &req); err != nil {
			s.respondError(w, err)
			return
		}

		conversation, err := s.Directory.CreateGroup(r.Context(), uid, req.Name, req.Members)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusCreated, conversation)
	}
}

func (s *Server) JoinByCode() http.HandlerFunc {
	type request struct {
		JoinCode string `json:"joinCode"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r.Context())

		var req request
		if err := decodeBody(r, &req); err != nil {
			s.respondError(w, err)
			return
		}

		conversation, err := s.Directory.JoinByCode(r.Context(), uid, req.JoinCode)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, conversation)
	}
}

func (s *Server) UpdateMembership() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r.Context())
		conversationId := chi.URLParam(r, "conversationId")

		var update api.MembershipUpdate
		if err := decodeBody(r, &update); err != nil {
			s.respondError(w, err)
			return
		}

		conversation, err := s.Directory.UpdateMembership(r.Context(), conversationId, uid, update)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, conversation)
	}
}

func (s *Server) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r.Context())
		conversationId := chi.URLParam(r, "conversationId")
		cursor := r.URL.Query().Get("cursor")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		page, err := s.Messages.ListForConversation(r.Context(), conversationId, uid, cursor, limit)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, page)
	}
}

func (s *Server) AppendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r.Context())
		conversationId := chi.URLParam(r, "conversationId")

		var input api.AppendInput
		if err := decodeBody(r, &input); err != nil {
			s.respondError(w, err)
			return
		}

		message, err := s.Messages.Append(r.Context(), conversationId, uid, input)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusCreated, message)
	}
}

func (s *Server) ToggleReaction() http.HandlerFunc {
	type request struct {
		Emoji string `json:"emoji"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r.Context())
		messageId := chi.URLParam(r, "messageId")

		var req request
		if err := decodeBody(r, &req); err != nil {
			s.respondError(w, err)
			return
		}

		message, err := s.Messages.ToggleReaction(r.Context(), messageId, uid, req.Emoji)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, message)
	}
}

func (s *Server) MarkSeen() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r.Context())
		messageId := chi.URLParam(r, "messageId")

		result, err := s.Messages.MarkSeen(r.Context(), messageId, uid)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, result)
	}
}

func (s *Server) UpdateUserConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r.Context())
		conversationId := chi.URLParam(r, "conversationId")

		patch, err := io.ReadAll(r.Body)
		if err != nil {
			s.respondError(w, err)
			return
		}

		state, err := s.Cache.ApplyPrefsPatch(r.Context(), uid, conversationId, patch)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, state)
	}
}

func (s *Server) MarkConversationAsRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := myMiddleware.UID(r.Context())
		conversationId := chi.URLParam(r, "conversationId")

		if err := s.Cache.ResetUnread(r.Context(), uid, conversationId); err != nil {
			s.respondError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) GetContacts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := chi.URLParam(r, "query")

		users, err := s.Directory.SearchUsers(r.Context(), query)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respond(w, http.StatusOK, users)
	}
}

// ServeWs upgrades the connection and registers it with the hub. The uid is
// taken from the query param; the socket stays unauthenticated (and joins no
// rooms) until the peer sends a valid token in-band.
func (s *Server) ServeWs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := r.URL.Query().Get("uid")
		if uid == "" {
			http.Error(w, "uid query param required", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.Logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		client := api.NewClient(s.Hub, conn, uid, s.Store, s.Verifier, s.Logger)
		s.Hub.Register <- client

		// Allow collection of memory referenced by the caller by doing all
		// work in new goroutines.
		go client.WritePump()
		go client.ReadPump()
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return api.ErrInvalidOperation
	}
	return nil
}

func (s *Server) respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("unable to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, api.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, api.ErrNotAMember), errors.Is(err, api.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, api.ErrInvalidOperation):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, api.ErrVersionConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.Logger.Error("request failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
