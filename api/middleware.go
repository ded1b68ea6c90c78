package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pos_sales/internal/auth"
	"pos_sales/internal/idempotency"
	"pos_sales/internal/sales"
)

const (
	actorKey     = "actor"
	requestIDKey = "request_id"

	headerRequestID      = "X-Request-ID"
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotency-Replayed"

	// idempotencyPutTimeout bounds saving a response after the client is gone.
	idempotencyPutTimeout = 5 * time.Second
)

// requestLogger assigns a request id and logs every request once it completes.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(headerRequestID, id)

		c.Next()

		fields := []zap.Field{
			zap.String("request_id", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("request failed", fields...)
			return
		}
		logger.Debug("request completed", fields...)
	}
}

// RequireAuth resolves the bearer token into the acting identity.
func RequireAuth(issuer *auth.Issuer, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			abortWith(c, http.StatusUnauthorized, "missing bearer token", "UNAUTHORIZED")
			return
		}

		claims, err := issuer.Parse(token)
		if err != nil {
			logger.Debug("rejected token", zap.Error(err))
			abortWith(c, http.StatusUnauthorized, "invalid token", "UNAUTHORIZED")
			return
		}
		c.Set(actorKey, claims.Actor())
		c.Next()
	}
}

// RequireRole lets through only actors holding one of roles.
func RequireRole(roles ...sales.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := actorFrom(c)
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		abortWith(c, http.StatusForbidden, "role not allowed", sales.Code(sales.ErrForbidden))
	}
}

func actorFrom(c *gin.Context) sales.Actor {
	actor, _ := c.Get(actorKey)
	a, _ := actor.(sales.Actor)
	return a
}

// Idempotent replays the stored response of a completed request carrying the
// same Idempotency-Key for the same actor. Only 2xx responses are stored. A key
// reused with a different body is rejected with 422.
func Idempotent(store idempotency.Store, ttl time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(headerIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		scoped := fmt.Sprintf("%d:%s", actorFrom(c).ID, key)
		ctx := c.Request.Context()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			abortWith(c, http.StatusBadRequest, "failed to read request body", "INVALID_PAYLOAD")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		sum := sha256.Sum256(body)
		hash := hex.EncodeToString(sum[:])

		if replay(c, store, scoped, hash, logger) {
			return
		}

		release, err := store.Begin(ctx, scoped)
		if errors.Is(err, idempotency.ErrInProgress) {
			abortWith(c, http.StatusConflict, err.Error(), "IDEMPOTENCY_IN_PROGRESS")
			return
		}
		if err != nil {
			logger.Error("idempotency store unavailable", zap.String("key", key), zap.Error(err))
			c.Header("Retry-After", retryAfterSeconds)
			abortWith(c, http.StatusServiceUnavailable, "idempotency store unavailable", sales.Code(sales.ErrStorage))
			return
		}
		defer release()

		// El primer intento pudo terminar entre Get y Begin.
		if replay(c, store, scoped, hash, logger) {
			return
		}

		w := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status < http.StatusOK || status >= http.StatusMultipleChoices {
			return
		}
		rec := idempotency.Record{
			Status:      status,
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.body.Bytes(),
			RequestHash: hash,
		}
		// The sale is committed: save it even if the client already hung up.
		putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), idempotencyPutTimeout)
		defer cancel()
		if err := store.Put(putCtx, scoped, rec, ttl); err != nil {
			logger.Error("failed to store idempotent response", zap.String("key", key), zap.Error(err))
		}
	}
}

func replay(c *gin.Context, store idempotency.Store, key, hash string, logger *zap.Logger) bool {
	rec, err := store.Get(c.Request.Context(), key)
	if err != nil {
		logger.Warn("failed to read idempotency record", zap.String("key", key), zap.Error(err))
		return false
	}
	if rec == nil {
		return false
	}
	if rec.RequestHash != hash {
		abortWith(c, http.StatusUnprocessableEntity, "idempotency key already used with a different request", "IDEMPOTENCY_KEY_REUSED")
		return true
	}
	c.Header(headerReplayed, "true")
	c.Data(rec.Status, rec.ContentType, rec.Body)
	c.Abort()
	return true
}

type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
