package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/scanroom/internal/api"
)

// registerRoutes sets up all collaborator routes on the Gin router.
func registerRoutes(router *gin.Engine, s *server) {
	router.POST(api.PathUpload, s.handleUpload)
	router.POST(api.PathChat, s.handleChat)
	router.POST(api.PathChatHistory, s.handleChatHistory)
	router.POST(api.PathAutosave, s.handleAutosave)
	router.POST(api.PathPatientHistory, s.handlePatientHistory)
	router.GET(api.PathHealth, handleHealth)
	router.GET(api.PathEvents, s.handleEvents)

	router.Static("/uploads", s.uploadDir)
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// fail writes an error body in the collaborator's {"detail": ...} shape.
func fail(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}
