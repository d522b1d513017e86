package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"table-reservations/internal/config"
	"table-reservations/internal/logger"
	"table-reservations/internal/models"
	"table-reservations/internal/utils"
)

const actorKey = "actor"

// Claims identify the caller. The subject is the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

var errInvalidToken = errors.New("invalid token")

// Authenticator turns bearer tokens into actors.
type Authenticator struct {
	secret []byte
	issuer string
	log    *logger.Logger
}

func NewAuthenticator(cfg config.AuthConfig, log *logger.Logger) *Authenticator {
	return &Authenticator{secret: []byte(cfg.Secret), issuer: cfg.Issuer, log: log}
}

// IssueToken signs an HS256 token for actor. Used by tooling and tests.
func (a *Authenticator) IssueToken(actor models.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Parse(tokenStr string) (models.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	t, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return models.Actor{}, err
	}
	if !t.Valid || claims.Subject == "" {
		return models.Actor{}, errInvalidToken
	}

	switch role := models.Role(claims.Role); role {
	case models.RoleCustomer, models.RoleOwner, models.RoleAdmin:
		return models.Actor{ID: claims.Subject, Role: role}, nil
	case "":
		return models.Actor{ID: claims.Subject, Role: models.RoleCustomer}, nil
	default:
		// system is reserved for in-process jobs
		return models.Actor{}, fmt.Errorf("%w: role %q", errInvalidToken, claims.Role)
	}
}

// Middleware requires a valid bearer token and stores the actor on the context.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(tokenStr) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, utils.ErrorResponse("Missing bearer token", CodeUnauthenticated))
			return
		}

		actor, err := a.Parse(strings.TrimSpace(tokenStr))
		if err != nil {
			a.log.LogSecurity("AUTH", fmt.Sprintf("Rejected token from %s: %v", c.ClientIP(), err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, utils.ErrorResponse("Invalid or expired token", CodeUnauthenticated))
			return
		}

		SetActor(c, actor)
		c.Next()
	}
}

func SetActor(c *gin.Context, actor models.Actor) {
	c.Set(actorKey, actor)
}

// ActorFrom returns the authenticated actor, if any.
func ActorFrom(c *gin.Context) (models.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return models.Actor{}, false
	}
	actor, ok := v.(models.Actor)
	return actor, ok
}
