package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body is the standard API response envelope. Players decode it too, so the
// shape is part of the public contract.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// NoContent sends 204. Heartbeats are acknowledged this way.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Fail aborts the handler chain with an error envelope.
func Fail(c *gin.Context, status int, err string) {
	c.AbortWithStatusJSON(status, Body{Success: false, Error: err})
}

// FailWith aborts with an error envelope that still carries data, e.g. a health report.
func FailWith(c *gin.Context, status int, err string, data interface{}) {
	c.AbortWithStatusJSON(status, Body{Success: false, Error: err, Data: data})
}

func BadRequest(c *gin.Context, err string) { Fail(c, http.StatusBadRequest, err) }

// NotFound sends 404. For stream lookups players treat it as "asset gone".
func NotFound(c *gin.Context, err string) { Fail(c, http.StatusNotFound, err) }

func ServiceUnavailable(c *gin.Context, err string) { Fail(c, http.StatusServiceUnavailable, err) }

func Internal(c *gin.Context, err string) { Fail(c, http.StatusInternalServerError, err) }
