package middleware

import (
	"context"
	"net/http"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
)

type contextKey string

const (
	authKey contextKey = "auth"
	uidKey  contextKey = "UID"
)

// FirebaseConfig makes the Firebase auth client available to downstream
// middleware and handlers.
func FirebaseConfig(firebaseApp *firebase.App) (func(next http.Handler) http.Handler, error) {
	authClient, err := firebaseApp.Auth(context.Background())
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), authKey, authClient)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}, nil
}

// Authenticator verifies the Firebase ID token carried in the Authorization
// header or the "token" query param and stores the caller's uid in the
// request context.
func Authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		firebaseAuth, ok := r.Context().Value(authKey).(*auth.Client)
		if !ok {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		idToken := findToken(r, tokenFromHeader, tokenFromQuery)
		token, err := firebaseAuth.VerifyIDToken(r.Context(), idToken)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), uidKey, token.UID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UID returns the authenticated caller's uid, empty when unauthenticated.
func UID(ctx context.Context) string {
	uid, _ := ctx.Value(uidKey).(string)
	return uid
}

func tokenFromHeader(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 7 && strings.ToUpper(bearer[0:6]) == "BEARER" {
		return bearer[7:]
	}
	return ""
}

func tokenFromQuery(r *http.Request) string {
	return r.URL.Query().Get("token")
}

func findToken(r *http.Request, findTokenFns ...func(r *http.Request) string) string {
	for _, fn := range findTokenFns {
		if token := fn(r); token != "" {
			return token
		}
	}
	return ""
}
