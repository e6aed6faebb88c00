// auth/auth.go
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/wfunc/knighttour/logger"
	"github.com/wfunc/knighttour/models"
	"github.com/wfunc/knighttour/services"
)

const contextUserKey = "auth.user"

var ErrMissingToken = errors.New("missing bearer token")

// Claims 令牌载荷：sub 为用户 ID，email 为展示身份
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier 校验由身份提供方签发的 HS256 令牌
type Verifier struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

func NewVerifier(secret string, ttl time.Duration) *Verifier {
	if secret == "" {
		panic("JWT secret cannot be empty")
	}
	return &Verifier{secret: []byte(secret), ttl: ttl, issuer: "knighttour"}
}

// Issue signs a token for user. Used by the dev client and tests; production
// tokens come from the identity provider sharing the secret.
func (v *Verifier) Issue(user models.User) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify returns the user named by a valid token. Every failure wraps
// services.ErrAuthRequired.
func (v *Verifier) Verify(tokenString string) (models.User, error) {
	if tokenString == "" {
		return models.User{}, fmt.Errorf("%w: %w", services.ErrAuthRequired, ErrMissingToken)
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %w", services.ErrAuthRequired, err)
	}
	if !token.Valid || claims.Subject == "" {
		return models.User{}, fmt.Errorf("%w: token has no subject", services.ErrAuthRequired)
	}
	return models.User{ID: claims.Subject, Email: claims.Email}, nil
}

// TokenFromRequest reads "Authorization: Bearer <token>", falling back to the
// token query parameter for WebSocket upgrades.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid token and stores the user.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := v.Verify(TokenFromRequest(c.Request))
		if err != nil {
			logger.Log.Infow("rejected request", "path", c.FullPath(), "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
				"kind":  services.KindAuthRequired.String(),
			})
			return
		}
		c.Set(contextUserKey, user)
		c.Next()
	}
}

// CurrentUser returns the authenticated caller or ErrAuthRequired.
func CurrentUser(c *gin.Context) (models.User, error) {
	value, ok := c.Get(contextUserKey)
	if !ok {
		return models.User{}, services.ErrAuthRequired
	}
	user, ok := value.(models.User)
	if !ok || !user.Authenticated() {
		return models.User{}, services.ErrAuthRequired
	}
	return user, nil
}
