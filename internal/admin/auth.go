package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"bastion/internal/enforcement/models"
	"bastion/internal/enforcement/service/abusetrack"
	"bastion/internal/platform/middleware"
	"bastion/internal/transport/httputil"
	dErrors "bastion/pkg/domain-errors"
)

// TokenClaims are the claims required on admin bearer tokens.
type TokenClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

type operatorKey struct{}

// GetOperator returns the authenticated operator name, empty outside an
// authenticated admin request.
func GetOperator(ctx context.Context) string {
	if op, ok := ctx.Value(operatorKey{}).(string); ok {
		return op
	}
	return ""
}

// Auth validates the bearer token on admin requests. Failed attempts feed
// the abuse tracker; credential guessing against the admin surface is
// abuse like any other.
func Auth(signingKey string, abuse *abusetrack.Service, logger *slog.Logger) func(http.Handler) http.Handler {
	key := []byte(signingKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := parseToken(r, key)
			if err != nil {
				abuse.RecordAttempt(r.Context(), middleware.GetClientIP(r.Context()), models.ActionAdminRead, models.ReasonInvalidAPIKey)
				logger.WarnContext(r.Context(), "admin authentication failed",
					"error", err,
				)
				httputil.WriteError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), operatorKey{}, claims.Operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseToken(r *http.Request, key []byte) (*TokenClaims, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "missing bearer token")
	}

	claims := new(TokenClaims)
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "unexpected signing method")
		}
		return key, nil
	})
	if err != nil || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid bearer token")
	}
	if claims.Operator == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token missing operator claim")
	}
	return claims, nil
}
