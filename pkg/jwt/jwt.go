package jwt

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims represents the authenticated-identity claims carried by relay
// connections and REST calls.
type Claims struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	jwt.RegisteredClaims
}

// MediaClaims represents a media-channel join token: proof that the bearer
// may join the named channel as the given transport uid.
type MediaClaims struct {
	ChannelName string `json:"channel_name"`
	UID         uint32 `json:"uid"`
	jwt.RegisteredClaims
}

// Manager handles JWT token operations
type Manager struct {
	secretKey        string
	accessDuration   time.Duration
	mediaTokenExpiry time.Duration
}

// NewManager creates a new JWT manager
func NewManager(secretKey string, accessDuration, mediaTokenExpiry time.Duration) *Manager {
	return &Manager{
		secretKey:        secretKey,
		accessDuration:   accessDuration,
		mediaTokenExpiry: mediaTokenExpiry,
	}
}

// GenerateAccessToken creates a new access token for a relay identity.
func (m *Manager) GenerateAccessToken(userID uuid.UUID, username string) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.accessDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "owly-callkit",
			Subject:   userID.String(),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(m.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// GenerateMediaToken creates a join token for a media channel. The uid is
// the transport-assigned identity the client must join with.
func (m *Manager) GenerateMediaToken(channelName string, uid uint32) (string, error) {
	claims := &MediaClaims{
		ChannelName: channelName,
		UID:         uid,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.mediaTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "owly-callkit",
			Subject:   channelName,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(m.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign media token: %w", err)
	}

	return tokenString, nil
}

// ValidateToken validates and parses an access token.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.secretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// ValidateMediaToken validates and parses a media-channel join token.
func (m *Manager) ValidateMediaToken(tokenString string) (*MediaClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &MediaClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.secretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse media token: %w", err)
	}

	claims, ok := token.Claims.(*MediaClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid media token claims")
	}

	return claims, nil
}
