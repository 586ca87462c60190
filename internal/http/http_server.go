package http

import (
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/gin-gonic/gin"
	"github.com/passnetwork/pass-enclave/internal/config"
	"github.com/passnetwork/pass-enclave/internal/enclave"
)

// HTTPServer exposes the command dispatch over loopback HTTP for hosts that
// prefer REST-style access to the framed socket. The payload schema is
// identical to the socket transport.
type HTTPServer struct {
	dispatcher *enclave.Dispatcher
}

func NewHTTPServer(dispatcher *enclave.Dispatcher) *HTTPServer {
	return &HTTPServer{dispatcher: dispatcher}
}

func (hs *HTTPServer) Start() {
	r := gin.Default()

	r.GET("/api/v1/health", handleHealth)
	r.POST("/api/v1/command", hs.handleCommand)

	// Use configuration port
	addr := ":" + config.AppConfig.HTTPPort
	log.Infof("HTTP server is running on port %s", config.AppConfig.HTTPPort)
	if err := r.Run(addr); err != nil {
		log.Fatalf("Failed to start HTTP server: %v", err)
	}
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (hs *HTTPServer) handleCommand(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "failed to read request body"})
		return
	}
	c.JSON(http.StatusOK, hs.dispatcher.Dispatch(body))
}
