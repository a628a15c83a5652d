// Package responses renders the engine API envelope and RFC 7807 problems.
package responses

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/Aidin1998/fxarena/pkg/errors"
)

// StandardResponse represents a standard API response format
type StandardResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}, message ...string) {
	respond(c, http.StatusOK, data, "Operation successful", message)
}

// Created sends a 201 Created response
func Created(c *gin.Context, data interface{}, message ...string) {
	respond(c, http.StatusCreated, data, "Resource created successfully", message)
}

func respond(c *gin.Context, status int, data interface{}, fallback string, message []string) {
	msg := fallback
	if len(message) > 0 && message[0] != "" {
		msg = message[0]
	}
	c.JSON(status, StandardResponse{
		Success:   true,
		Data:      data,
		Message:   msg,
		Timestamp: time.Now().UTC(),
		TraceID:   getTraceID(c),
	})
}

// Error maps err to an RFC 7807 problem and sends it
func Error(c *gin.Context, err error) {
	problem := errors.ToProblemDetails(err, c.Request.URL.Path)
	problem.WithExtra("timestamp", time.Now().UTC().Format(time.RFC3339))
	if traceID := getTraceID(c); traceID != "" {
		problem.WithExtra("trace_id", traceID)
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(problem.Status, problem)
}

// BadRequest sends a 400 problem for malformed input
func BadRequest(c *gin.Context, detail string, fields ...errors.FieldError) {
	err := errors.Validation.Explain("%s", detail)
	for _, f := range fields {
		err = err.WithField(f.Kind, f.Field, f.Message)
	}
	Error(c, err)
}

// getTraceID prefers the active span, then the X-Trace-ID header
func getTraceID(c *gin.Context) string {
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return c.GetHeader("X-Trace-ID")
}
