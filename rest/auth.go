package rest

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/Gthulhu/mmcontainers/config"
	"github.com/Gthulhu/mmcontainers/pkg/logger"
	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v5"
)

const bearerSchema = "Bearer "

// Claims represents JWT token claims
type Claims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// GetJwtAuthMiddleware returns a middleware that rejects requests without a valid RS256 bearer
// token. It returns nil when auth is disabled.
func GetJwtAuthMiddleware(authConfig config.AuthConfig) (func(next http.Handler) http.Handler, error) {
	if !authConfig.Enabled {
		return nil, nil
	}
	publicKey, err := loadRSAPublicKey(authConfig)
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, r, "Authorization header is required")
				return
			}
			if !strings.HasPrefix(authHeader, bearerSchema) {
				unauthorized(w, r, "Authorization header must start with 'Bearer '")
				return
			}

			claims, err := validateJWT(publicKey, authHeader[len(bearerSchema):])
			if err != nil {
				unauthorized(w, r, "Invalid or expired token: "+err.Error())
				return
			}

			logger.Logger(ctx).Debug().Str("client_id", claims.ClientID).Msg("JWT token validated successfully")
			next.ServeHTTP(w, r)
		})
	}, nil
}

func unauthorized(w http.ResponseWriter, r *http.Request, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	if err := sonic.ConfigDefault.NewEncoder(w).Encode(ErrorResponse{Success: false, Error: errMsg}); err != nil {
		logger.Logger(r.Context()).Error().Err(err).Msg("Failed to write unauthorized response")
	}
}

func loadRSAPublicKey(authConfig config.AuthConfig) (*rsa.PublicKey, error) {
	pem := []byte(authConfig.RsaPublicKeyPem)
	if len(pem) == 0 {
		if authConfig.RsaPublicKeyFile == "" {
			return nil, errors.New("auth is enabled but no RSA public key is configured")
		}
		data, err := os.ReadFile(authConfig.RsaPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading RSA public key: %w", err)
		}
		pem = data
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing RSA public key: %w", err)
	}
	return publicKey, nil
}

// validateJWT validates a JWT token and returns the claims
func validateJWT(publicKey *rsa.PublicKey, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return publicKey, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
