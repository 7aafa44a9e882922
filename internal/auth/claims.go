package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
	// TokenTypeStream authorizes exactly one media-stream attach for one call.
	TokenTypeStream TokenType = "stream"
)

// Claims are the only supported JWT claims shape for this service.
// Access and refresh tokens identify an operator; stream tokens identify a
// call and carry no user.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	CallID    int64     `json:"call_id,omitempty"`
	TokenType TokenType `json:"token_type"`
}
