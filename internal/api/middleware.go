/**
 * @description
 * Authentication and authorization middleware for the engine API. Tokens are HS256 JWTs
 * carrying the caller id in `sub` and the caller role in `role`.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and validation.
 */

package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role is the caller's role as carried in the token.
type Role string

const (
	RoleClient  Role = "Cliente"
	RoleManager Role = "Gestor"
	RoleAdmin   Role = "Administrador"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID uuid.UUID
	Role   Role
}

// Privileged reports whether the caller may act on other clients' transactions.
func (p Principal) Privileged() bool {
	return p.Role == RoleManager || p.Role == RoleAdmin
}

type contextKey string

const principalKey contextKey = "principal"

// AuthMiddleware validates bearer tokens signed with secret and stores the Principal in the
// request context. A non-empty issuer must match the `iss` claim.
func AuthMiddleware(secret, issuer string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
			if issuer != "" {
				opts = append(opts, jwt.WithIssuer(issuer))
			}
			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return key, nil
			}, opts...)
			if err != nil || !token.Valid {
				log.Printf("level=warn component=api middleware=auth outcome=reject reason=invalid_token err=%v", err)
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Invalid token claims")
				return
			}

			sub, _ := claims["sub"].(string)
			userID, err := uuid.Parse(sub)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "User ID not found in token")
				return
			}

			role := Role(strings.TrimSpace(fmt.Sprint(claims["role"])))
			switch role {
			case RoleClient, RoleManager, RoleAdmin:
			default:
				writeError(w, http.StatusForbidden, "Unknown role")
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, Principal{UserID: userID, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects callers whose role is not one of roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := GetPrincipal(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "Insufficient role")
		})
	}
}

// GetPrincipal retrieves the authenticated caller from the request context.
func GetPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
