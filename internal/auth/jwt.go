package auth

import (
	"errors"
	"time"

	"voice-scheduler/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidStreamToken = errors.New("invalid stream token")

type Manager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	streamTTL  time.Duration
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	streamTTL := cfg.StreamTokenTTL
	if streamTTL <= 0 {
		streamTTL = 10 * time.Minute
	}

	return &Manager{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		audience:   cfg.JWTAudience,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		streamTTL:  streamTTL,
	}, nil
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

/* ===================== ISSUE TOKENS ===================== */

func (m *Manager) IssuePair(now time.Time, userID, role string) (TokenPair, error) {
	access, err := m.issue(now, Claims{TokenType: TokenTypeAccess, UserID: userID, Role: role}, m.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}

	// There is no user store to look the role up in on refresh, so the
	// refresh token carries it.
	refresh, err := m.issue(now, Claims{TokenType: TokenTypeRefresh, UserID: userID, Role: role}, m.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
	}, nil
}

// Refresh exchanges a valid refresh token for a new pair with the same
// identity.
func (m *Manager) Refresh(refreshToken string, now time.Time) (TokenPair, error) {
	claims, err := m.Verify(refreshToken, TokenTypeRefresh, now)
	if err != nil {
		return TokenPair{}, err
	}
	if claims.Role == "" {
		return TokenPair{}, errors.New("role missing in refresh token")
	}
	return m.IssuePair(now, claims.UserID, claims.Role)
}

// IssueStreamToken mints the token embedded in a call's media-stream
// parameters. The jti doubles as the rendezvous key for the attach.
func (m *Manager) IssueStreamToken(now time.Time, callID int64) (token, jti string, err error) {
	if callID <= 0 {
		return "", "", errors.New("call_id required")
	}
	jti = uuid.NewString()
	c := Claims{TokenType: TokenTypeStream, CallID: callID}
	c.ID = jti
	token, err = m.issue(now, c, m.streamTTL)
	if err != nil {
		return "", "", err
	}
	return token, jti, nil
}

/* ===================== VERIFY TOKEN ===================== */

func (m *Manager) Verify(tokenString string, expected TokenType, now time.Time) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30 * time.Second), // clock skew tolerance
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	var claims Claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}

	if claims.TokenType != expected {
		return Claims{}, errors.New("token_type mismatch")
	}

	switch expected {
	case TokenTypeStream:
		if claims.CallID <= 0 {
			return Claims{}, errors.New("call_id missing in stream token")
		}
		if claims.ID == "" {
			return Claims{}, errors.New("jti missing in stream token")
		}
	default:
		if claims.UserID == "" {
			return Claims{}, errors.New("user_id missing")
		}
		// Role is required ONLY for access tokens
		if expected == TokenTypeAccess && claims.Role == "" {
			return Claims{}, errors.New("role missing in access token")
		}
	}

	return claims, nil
}

// VerifyStreamToken returns the call id and jti a stream token was minted for.
func (m *Manager) VerifyStreamToken(token string, now time.Time) (callID int64, jti string, err error) {
	claims, err := m.Verify(token, TokenTypeStream, now)
	if err != nil {
		return 0, "", errors.Join(ErrInvalidStreamToken, err)
	}
	return claims.CallID, claims.ID, nil
}

/* ===================== INTERNAL ISSUE ===================== */

func (m *Manager) issue(now time.Time, claims Claims, ttl time.Duration) (string, error) {
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
	claims.Issuer = m.issuer
	claims.Audience = audienceOrNil(m.audience)
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(m.secret)
}

func audienceOrNil(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}
