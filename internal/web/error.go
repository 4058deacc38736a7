package web

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ao/workbench/pkg/api"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respondError maps a typed control-plane error onto its HTTP status. In
// production mode the client sees a generic, status-appropriate phrase while
// the original error is logged with the request path and method.
func (s *Server) respondError(c *gin.Context, err error) {
	apiErr := api.AsError(err)

	s.logger.WithFields(logrus.Fields{
		"code":   apiErr.Code,
		"method": c.Request.Method,
		"path":   c.Request.URL.Path,
	}).WithError(err).Error("Request failed")

	message := apiErr.Message
	if s.production {
		message = apiErr.GenericMessage()
	}

	c.AbortWithStatusJSON(apiErr.HTTPStatus(), ErrorResponse{
		Error:   http.StatusText(apiErr.HTTPStatus()),
		Code:    string(apiErr.Code),
		Message: message,
	})
}

// RecoveryHandler recovers from handler panics and replies with the
// INTERNAL_ERROR shape instead of dropping the connection.
func RecoveryHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{
					"method": c.Request.Method,
					"path":   c.Request.URL.Path,
				}).Errorf("Panic recovered: %v\n%s", r, debug.Stack())

				c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
					Error:   http.StatusText(http.StatusInternalServerError),
					Code:    string(api.CodeInternalError),
					Message: "internal server error",
				})
			}
		}()

		c.Next()
	}
}

// LoggingMiddleware logs one structured line per completed request.
func LoggingMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"ip":         c.ClientIP(),
			"status":     c.Writer.Status(),
			"size":       c.Writer.Size(),
		})

		if len(c.Errors) > 0 {
			entry.Error("Request completed with errors")
		} else {
			entry.Info("Request completed")
		}
	}
}
