package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"campus-realtime/internal/models"
)

// Claims carries the campus profile alongside the registered JWT claims.
type Claims struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role"`
	Faculty     string `json:"faculty,omitempty"`
	Department  string `json:"department,omitempty"`
	YearOfStudy int    `json:"year_of_study,omitempty"`
	jwt.RegisteredClaims
}

// Identity projects the claims onto a profile. Memberships and presence
// are owned by the directory, not the token.
func (c Claims) Identity() models.Identity {
	return models.Identity{
		ID:          c.Subject,
		Handle:      c.Handle,
		DisplayName: c.DisplayName,
		Email:       c.Email,
		Role:        models.Role(c.Role),
		Faculty:     c.Faculty,
		Department:  c.Department,
		YearOfStudy: c.YearOfStudy,
	}
}

// TokenService wraps JWT creation and validation.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
}

func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	return &TokenService{
		secret:    []byte(secret),
		expiresIn: expiresIn,
	}
}

// CreateForIdentity signs a token for identity using the default TTL.
func (t *TokenService) CreateForIdentity(identity models.Identity) (string, error) {
	return t.CreateWithTTL(identity, t.expiresIn)
}

// CreateWithTTL signs a token for identity with an explicit TTL.
func (t *TokenService) CreateWithTTL(identity models.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Handle:      identity.Handle,
		DisplayName: identity.DisplayName,
		Email:       identity.Email,
		Role:        string(identity.Role),
		Faculty:     identity.Faculty,
		Department:  identity.Department,
		YearOfStudy: identity.YearOfStudy,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Parse validates a token and returns its claims.
func (t *TokenService) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.Subject == "" || claims.Handle == "" {
		return nil, errors.New("token missing subject or handle")
	}
	return claims, nil
}
