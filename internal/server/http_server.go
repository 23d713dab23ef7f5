package server

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

// Run serves the router on PORT (default 8080) and blocks until the listener
// closes.
func Run(router *gin.Engine) {
	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	if err := router.Run(addr); err != nil && err != http.ErrServerClosed {
		panic(err)
	}
}
