package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/voicekb/internal/middleware"
)

type RouterDeps struct {
	KB *KBHandler
	// MutationWindow throttles expensive calls (url fetch, rebuild) per client.
	MutationWindow time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	limited := middleware.RateLimit(deps.MutationWindow)

	kb := api.Group("/kb")
	kb.GET("/stats", deps.KB.Stats)
	kb.GET("/search", deps.KB.Search)

	kb.GET("/files", deps.KB.ListFiles)
	kb.POST("/files", deps.KB.Upload)
	kb.DELETE("/files/*name", deps.KB.DeleteFile)

	kb.GET("/urls", deps.KB.ListURLs)
	kb.POST("/urls", limited, deps.KB.IndexURL)
	kb.DELETE("/urls/:key", deps.KB.DeleteURL)

	kb.POST("/rebuild", limited, deps.KB.Rebuild)
}
