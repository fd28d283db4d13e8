package http

import (
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/layer-3/tollgate/service"
)

// RequireSession rejects requests while the session is not Authenticated
func RequireSession(session *service.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := session.State()
		if !st.IsAuthenticated() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization required",
				"phase": st.Phase.String(),
			})
			return
		}

		if st.Profile != nil {
			c.Set("userID", st.Profile.ID)
		}
		c.Next()
	}
}

// RequestLogger logs every request with the watermill logger. Request IDs are
// generated when the client did not send one and are echoed back.
func RequestLogger(logger watermill.LoggerAdapter) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
			c.Request.Header.Set("X-Request-ID", id)
		}
		c.Header("X-Request-ID", id)

		c.Next()

		fields := watermill.LogFields{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"took":       time.Since(start).String(),
			"request_id": id,
		}
		if len(c.Errors) > 0 {
			logger.Info("Request failed", fields.Add(watermill.LogFields{"error": c.Errors.Last().Error()}))
			return
		}
		logger.Debug("Request served", fields)
	}
}
