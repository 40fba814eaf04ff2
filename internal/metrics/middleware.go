package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// GinMiddleware instruments API requests. Paths are labelled by route template so run IDs do
// not leak into label values.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		RecordAPIRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), float64(time.Since(start).Milliseconds()))
	}
}
