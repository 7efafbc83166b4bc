package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
	ErrInvalidToken       = errors.New("invalid token")
)

// Claims are issued by the bug tracker that fronts this service.
type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Account is a push identity configured on the server itself, for
// automation that holds no tracker token.
type Account struct {
	Username     string
	PasswordHash string // bcrypt
}

type Service struct {
	secret   []byte
	duration time.Duration
	accounts map[string]string
}

func NewService(secret string, duration time.Duration, accounts ...Account) *Service {
	s := &Service{
		secret:   []byte(secret),
		duration: duration,
		accounts: make(map[string]string, len(accounts)),
	}
	for _, a := range accounts {
		s.accounts[a.Username] = a.PasswordHash
	}
	return s
}

// TokensEnabled reports whether bearer tokens are checked at all.
func (s *Service) TokensEnabled() bool { return s != nil && len(s.secret) > 0 }

// Enabled reports whether any credential source is configured.
func (s *Service) Enabled() bool {
	return s.TokensEnabled() || (s != nil && len(s.accounts) > 0)
}

func (s *Service) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (s *Service) CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func (s *Service) GenerateToken(userID int64, username string) (string, error) {
	if !s.TokensEnabled() {
		return "", ErrInvalidToken
	}
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.duration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) ValidateToken(tokenStr string) (*Claims, error) {
	if !s.TokensEnabled() {
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AuthenticateBasic checks HTTP Basic credentials as git sends them. A
// configured account is checked with bcrypt; any other username is
// accepted when the password is a valid token. It returns the identity
// to record for the session.
func (s *Service) AuthenticateBasic(username, password string) (string, error) {
	if hash, ok := s.accounts[username]; ok {
		if err := s.CheckPassword(hash, password); err != nil {
			return "", err
		}
		return username, nil
	}
	claims, err := s.ValidateToken(password)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if claims.Username != "" {
		return claims.Username, nil
	}
	return username, nil
}
