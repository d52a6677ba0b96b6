package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stitts-dev/hoops-projections/pkg/metrics"
)

const RequestIDHeader = "X-Request-ID"

// RequestLogger logs each request and records it in the HTTP metrics.
func RequestLogger(logger *logrus.Entry, m *metrics.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(RequestIDHeader, requestID)

		c.Next()

		latency := time.Since(startTime)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(status), latency)

		entry := logger.WithFields(logrus.Fields{
			"http_method": c.Request.Method,
			"http_path":   c.Request.URL.Path,
			"request_id":  requestID,
			"status":      status,
			"latency":     latency,
			"client_ip":   c.ClientIP(),
		})
		if c.Request.URL.RawQuery != "" {
			entry = entry.WithField("query", c.Request.URL.RawQuery)
		}
		for _, err := range c.Errors {
			entry = entry.WithError(err.Err)
		}

		switch {
		case status >= 500:
			entry.Error("Internal Server Error")
		case status >= 400:
			entry.Warn("Client Error")
		default:
			entry.Info("Request completed")
		}
	}
}
