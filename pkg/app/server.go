package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"firebase.google.com/go/v4/auth"

	"chatSync/pkg/api"
)

type Server struct {
	Directory api.DirectoryService
	Messages  api.MessageService
	Store     api.Store
	Cache     api.UserConversationCache
	Hub       *api.Hub
	Verifier  api.TokenVerifier
	Logger    *slog.Logger

	// FirebaseMw injects the Firebase auth client into request contexts.
	FirebaseMw func(next http.Handler) http.Handler

	Addr          string
	ShutdownGrace time.Duration
}

// FirebaseVerifier adapts the Firebase auth client to api.TokenVerifier for
// in-band socket authentication.
type FirebaseVerifier struct {
	Auth *auth.Client
}

func (v FirebaseVerifier) Verify(ctx context.Context, token string) (string, error) {
	decoded, err := v.Auth.VerifyIDToken(ctx, token)
	if err != nil {
		return "", err
	}
	return decoded.UID, nil
}

func (s *Server) Run() error {
	go s.Hub.Run()

	server := &http.Server{Addr: s.Addr, Handler: s.Routes()}

	// Server run context.
	serverCtx, serverStopCtx := context.WithCancel(context.Background())

	// Listen for syscall signals for process to interrupt/quit.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		// Shutdown signal with a grace period.
		shutdownCtx, cancelFunc := context.WithTimeout(serverCtx, s.ShutdownGrace)
		defer cancelFunc()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				s.Logger.Error("graceful shutdown timed out, forcing exit")
				os.Exit(1)
			}
		}()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.Logger.Error("shutdown failed", "error", err)
			os.Exit(1)
		}
		serverStopCtx()
	}()

	s.Logger.Info("server listening", "addr", s.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	<-serverCtx.Done()
	return nil
}
