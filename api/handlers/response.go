// Package handlers provides HTTP API request handlers.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/UniSketch/UniSketch7-sub001/internal/model"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// Identity returns a middleware that reads the caller's identity from the
// X-User-ID and X-User-Name headers. Requests without X-User-ID stay
// unauthenticated.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := c.GetHeader("X-User-ID"); userID != "" {
			c.Set("userID", userID)
			name := c.GetHeader("X-User-Name")
			if name == "" {
				name = userID
			}
			c.Set("userName", name)
		}
		c.Next()
	}
}

// getIdentity extracts the identity set by the Identity middleware.
func getIdentity(c *gin.Context) model.Identity {
	return model.Identity{
		UserID: c.GetString("userID"),
		Name:   c.GetString("userName"),
	}
}

// sketchID parses the :id route parameter.
func sketchID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid sketch ID")
		return 0, false
	}
	return id, true
}
