// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// privateKey and publicKey are used for signing and verifying JWT tokens.
var (
	keyMu      sync.RWMutex
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey

	// tokenLifetime is how long issued tokens stay valid (0 => never expire).
	tokenLifetime time.Duration
)

var (
	ErrNotInitialized = errors.New("auth keys not initialized")
	ErrInvalidSubject = errors.New("invalid user id in token")
)

// ParseLifetime reads a TOKEN_EXPIRE_TIME value: "never", "0" or "" mean no
// expiry, anything else is a Go duration.
func ParseLifetime(s string) (time.Duration, error) {
	if s == "never" || s == "0" || s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token expire time: %w", err)
	}
	return d, nil
}

// Init generates a fresh ed25519 key pair at runtime and sets the token lifetime.
func Init(lifetime time.Duration) error {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	setKeys(priv, pub, lifetime)
	return nil
}

// InitFromPath reads raw ed25519 keys from file and sets the token lifetime.
// An empty privatePath loads only the public key, so tokens can be verified
// but not issued.
func InitFromPath(privatePath, publicPath string, lifetime time.Duration) error {
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return fmt.Errorf("failed to read public key file: %w", err)
	}
	if len(publicKeyData) != ed25519.PublicKeySize {
		return fmt.Errorf("public key file has wrong size: %d", len(publicKeyData))
	}

	var priv ed25519.PrivateKey
	if privatePath != "" {
		privateKeyData, err := os.ReadFile(privatePath)
		if err != nil {
			return fmt.Errorf("failed to read private key file: %w", err)
		}
		if len(privateKeyData) != ed25519.PrivateKeySize {
			return fmt.Errorf("private key file has wrong size: %d", len(privateKeyData))
		}
		priv = ed25519.PrivateKey(privateKeyData)
	}
	setKeys(priv, ed25519.PublicKey(publicKeyData), lifetime)
	return nil
}

func setKeys(priv ed25519.PrivateKey, pub ed25519.PublicKey, lifetime time.Duration) {
	keyMu.Lock()
	defer keyMu.Unlock()
	privateKey, publicKey, tokenLifetime = priv, pub, lifetime
}

// CreateJWT creates a signed JWT token with "sub" = userID and, unless the
// lifetime is zero, an "exp" claim.
func CreateJWT(userID string) (string, error) {
	keyMu.RLock()
	defer keyMu.RUnlock()
	if privateKey == nil {
		return "", ErrNotInitialized
	}

	claims := jwt.MapClaims{
		"sub": userID,
	}
	if tokenLifetime > 0 {
		claims["exp"] = time.Now().Add(tokenLifetime).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(privateKey)
}

// AuthenticateJWT verifies a JWT string, returns the "sub" field if valid, else an error.
func AuthenticateJWT(tokenString string) (string, error) {
	keyMu.RLock()
	pub := publicKey
	keyMu.RUnlock()
	if pub == nil {
		return "", ErrNotInitialized
	}

	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return "", fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid jwt claims")
	}

	userID, ok := claims["sub"].(string)
	if !ok {
		return "", fmt.Errorf("missing sub in jwt")
	}

	return userID, nil
}

// AuthenticateUser verifies tokenString and parses its subject as a user id.
func AuthenticateUser(tokenString string) (uuid.UUID, error) {
	sub, err := AuthenticateJWT(tokenString)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidSubject, err)
	}
	return id, nil
}
