package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenInvalid = errors.New("recovery token is invalid")
	ErrTokenExpired = errors.New("recovery token has expired")
)

// RecoveryClaims are carried by an emergency recovery token. The jti
// is tracked server-side so a token can be consumed at most once.
type RecoveryClaims struct {
	FamilyID      string `json:"family_id"`
	BackupAdminID string `json:"backup_admin_id"`
	jwt.RegisteredClaims
}

// RecoveryTokenSigner issues and verifies time-limited recovery tokens
type RecoveryTokenSigner struct {
	key []byte
	ttl time.Duration
}

// NewRecoveryTokenSigner creates a signer with the given HMAC key and
// token lifetime.
func NewRecoveryTokenSigner(key string, ttl time.Duration) *RecoveryTokenSigner {
	return &RecoveryTokenSigner{key: []byte(key), ttl: ttl}
}

// TTL returns the configured token lifetime
func (s *RecoveryTokenSigner) TTL() time.Duration {
	return s.ttl
}

// Issue signs a recovery token for the family's backup admin and
// returns the token string plus its jti and expiry for bookkeeping.
func (s *RecoveryTokenSigner) Issue(familyID, backupAdminID string, now time.Time) (token, jti string, expiresAt time.Time, err error) {
	jti = uuid.New().String()
	expiresAt = now.Add(s.ttl)

	claims := RecoveryClaims{
		FamilyID:      familyID,
		BackupAdminID: backupAdminID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to sign recovery token: %w", err)
	}
	return token, jti, expiresAt, nil
}

// Verify parses and validates a recovery token, returning its claims
func (s *RecoveryTokenSigner) Verify(token string) (*RecoveryClaims, error) {
	claims := &RecoveryClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid || claims.ID == "" || claims.FamilyID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
