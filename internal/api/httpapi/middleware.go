package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/quoteforge/quoteforge/internal/cpq/audit"
	"github.com/quoteforge/quoteforge/internal/platform/requestctx"
)

const (
	actorIDKey   = "actor_id"
	actorTypeKey = "actor_type"
	actorRoleKey = "actor_role"
)

// tracing opens one span per request when a tracer provider is configured.
func (s *Server) tracing() gin.HandlerFunc {
	tracer := otel.Tracer("quoteforge/httpapi")
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.FullPath(),
			oteltrace.WithSpanKind(oteltrace.SpanKindServer))
		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()),
		)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		span.End()
	}
}

// authenticate extracts the actor from a bearer token when one is present.
// Requests without an Authorization header proceed anonymously; handlers
// that mutate state gate on requireActor.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			failRequest(c, http.StatusUnauthorized, "UNAUTHENTICATED", "authorization header must use the Bearer scheme")
			return
		}
		if len(s.jwtSecret) == 0 {
			failRequest(c, http.StatusUnauthorized, "UNAUTHENTICATED", "token verification is not configured")
			return
		}

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err != nil {
			failRequest(c, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid bearer token")
			return
		}

		subject, _ := claims["sub"].(string)
		if subject == "" {
			failRequest(c, http.StatusUnauthorized, "UNAUTHENTICATED", "token subject is required")
			return
		}
		actorType, _ := claims[actorTypeKey].(string)
		switch audit.ActorType(actorType) {
		case audit.ActorTypeSystem, audit.ActorTypeRep, audit.ActorTypeApprover:
		case "":
			actorType = string(audit.ActorTypeRep)
		default:
			failRequest(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unknown actor type")
			return
		}
		role, _ := claims["role"].(string)

		c.Set(actorIDKey, subject)
		c.Set(actorTypeKey, actorType)
		c.Set(actorRoleKey, role)
		c.Request = c.Request.WithContext(requestctx.WithActor(c.Request.Context(), requestctx.Actor{
			ID:   subject,
			Type: actorType,
			Role: role,
		}))
		c.Next()
	}
}

// requireActor rejects requests that did not authenticate.
func (s *Server) requireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(actorIDKey) == "" {
			failRequest(c, http.StatusUnauthorized, "UNAUTHENTICATED", "this operation requires authentication")
			return
		}
		c.Next()
	}
}

func actorFrom(c *gin.Context) (audit.ActorType, string) {
	actorType := audit.ActorType(c.GetString(actorTypeKey))
	if actorType == "" {
		actorType = audit.ActorTypeSystem
	}
	return actorType, c.GetString(actorIDKey)
}

func failRequest(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": message})
}
