package app

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	myMiddleware "chatSync/pkg/middleware"
)

func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.FirebaseMw)

	r.Route("/chat", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(myMiddleware.Authenticator)

			r.Get("/conversations", s.GetConversations())
			r.Post("/conversations/direct", s.CreateDirectConversation())
			r.Post("/conversations/group", s.CreateGroupConversation())
			r.Post("/conversations/join", s.JoinByCode())
			r.Put("/conversations/{conversationId}/membership", s.UpdateMembership())

			r.Get("/conversations/{conversationId}/messages", s.GetMessages())
			r.Post("/conversations/{conversationId}/messages", s.AppendMessage())
			r.Post("/messages/{messageId}/reactions", s.ToggleReaction())
			r.Delete("/messages/{messageId}/reactions", s.ToggleReaction())
			r.Post("/messages/{messageId}/seen", s.MarkSeen())

			r.Patch("/user/conversations/{conversationId}", s.UpdateUserConversation())
			r.Put("/user/conversations/{conversationId}/read", s.MarkConversationAsRead())

			r.Get("/contacts/{query}", s.GetContacts())
		})

		// The socket authenticates in-band instead of via the bearer header.
		r.Get("/ws", s.ServeWs())
	})

	return r
}
