package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"clinicdesk/attendance-service/internal/scope"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Claims identify the caller: sub is the user, role and clinic_id feed the
// scope resolver.
type Claims struct {
	jwt.RegisteredClaims
	Role     string `json:"role"`
	ClinicID int64  `json:"clinic_id"`
}

func AuthMiddleware(signingKey []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		caller, err := ParseToken(signingKey, token)
		if err != nil {
			zerolog.Ctx(r.Context()).Debug().Err(err).Msg("rejected token")
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("user_id", caller.UserID).Int64("clinic_id", caller.ClinicID)
		})
		next.ServeHTTP(w, r.WithContext(scope.WithCaller(r.Context(), caller)))
	})
}

// ParseToken verifies an HS256 token and returns the caller it names.
func ParseToken(signingKey []byte, token string) (scope.Caller, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return scope.Caller{}, err
	}
	if !parsed.Valid {
		return scope.Caller{}, errors.New("token is not valid")
	}
	if claims.Subject == "" {
		return scope.Caller{}, errors.New("token has no subject")
	}
	return scope.Caller{UserID: claims.Subject, Role: claims.Role, ClinicID: claims.ClinicID}, nil
}

// SignToken issues a token for caller, valid for ttl from now.
func SignToken(signingKey []byte, caller scope.Caller, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:     caller.Role,
		ClinicID: caller.ClinicID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
