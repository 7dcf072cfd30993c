/**
 * @description
 * This file contains custom middleware for the HTTP router. The bearer-token
 * middleware validates HMAC-signed JWTs and stores the subject in the request
 * context; the login limiter caps request volume per client address.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and signature validation.
 * - internal/app: RateLimiter used by the login limiter.
 */

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transfa/ledger-service/internal/app"
)

// SubjectContextKey is a custom type for the context key to avoid collisions.
type SubjectContextKey string

const tokenSubjectKey SubjectContextKey = "tokenSubject"

// JWTAuthMiddleware creates a middleware that validates HS256/384/512 bearer
// tokens signed with secret.
func JWTAuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, "Authorization header required")
				return
			}

			// Extract the token from "Bearer <token>"
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || strings.TrimSpace(tokenString) == "" {
				writeAuthError(w, "Invalid Authorization header format")
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return key, nil
			})
			if err != nil || !token.Valid {
				log.Printf("level=warn component=api msg=\"token rejected\" err=%v", err)
				writeAuthError(w, "Invalid token")
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || subject == "" {
				writeAuthError(w, "Subject not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), tokenSubjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTokenSubject retrieves the authenticated token subject from the request context.
func GetTokenSubject(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(tokenSubjectKey).(string)
	return subject, ok
}

// LoginRateLimitMiddleware counts each login request per client address and
// per client address plus email before the handler runs. A nil limiter
// disables it. Limiter failures let the request through.
func LoginRateLimitMiddleware(limiter app.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientAddress(r)
			email := peekLoginEmail(r)
			rate, err := limiter.ConsumeLogin(r.Context(), client, email)
			if err != nil {
				log.Printf("level=warn component=api msg=\"login rate limiter unavailable; allowing request\" err=%v", err)
				next.ServeHTTP(w, r)
				return
			}
			if !rate.Allowed {
				log.Printf("level=warn component=api endpoint=login outcome=reject reason=rate_limited client=%s client_count=%d identity_count=%d", client, rate.ClientCount, rate.IdentityCount)
				w.Header().Set("Retry-After", strconv.Itoa(int(rate.RetryAfter/time.Second)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"Too many login requests. Please slow down."}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// peekLoginEmail reads the email from a login body and leaves the body
// readable for the handler.
func peekLoginEmail(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(raw), r.Body), r.Body}
	if err != nil {
		return ""
	}
	var req struct {
		Email string `json:"email"`
	}
	if json.Unmarshal(raw, &req) != nil {
		return ""
	}
	return req.Email
}

// clientAddress is the connection's peer host. RemoteAddr only carries a
// forwarded address when the router was built with TrustProxyHeaders.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
