package auth

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Common authentication errors.
var (
	ErrMissingAuthorization = errors.New("missing authorization")
	ErrInvalidAuthFormat    = errors.New("invalid authorization header format")
	ErrMissingSubject       = errors.New("missing subject in token")
)

// AuthService defines the interface for authentication operations.
type AuthService interface {
	// ValidateRequest extracts the bearer token from the Authorization
	// header and validates it. Returns the claims and the raw token.
	ValidateRequest(r *http.Request) (*Claims, string, error)

	// RequireSubject validates that the claims identify an owner.
	RequireSubject(claims *Claims) error
}

type authService struct {
	jwksClient JWKSClientInterface
	logger     *zap.Logger
}

// NewAuthService creates a new AuthService with the given JWKS client and logger.
func NewAuthService(jwksClient JWKSClientInterface, logger *zap.Logger) AuthService {
	return &authService{
		jwksClient: jwksClient,
		logger:     logger,
	}
}

func (s *authService) ValidateRequest(r *http.Request) (*Claims, string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		s.logger.Debug("No JWT found in request",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method))
		return nil, "", ErrMissingAuthorization
	}

	scheme, tokenString, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
		s.logger.Debug("Invalid Authorization header format",
			zap.String("path", r.URL.Path))
		return nil, "", ErrInvalidAuthFormat
	}

	claims, err := s.jwksClient.ValidateToken(tokenString)
	if err != nil {
		s.logger.Debug("JWT validation failed",
			zap.Error(err),
			zap.String("path", r.URL.Path))
		return nil, "", err
	}

	return claims, tokenString, nil
}

func (s *authService) RequireSubject(claims *Claims) error {
	if claims == nil || strings.TrimSpace(claims.Subject) == "" {
		return ErrMissingSubject
	}
	return nil
}

var _ AuthService = (*authService)(nil)
