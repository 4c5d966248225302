package ingestion

import (
	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/aevon-lab/exactavg/internal/core/storage"
	"github.com/gin-gonic/gin"
)

type Service struct {
	rules            coreagg.RuleRepository
	store            storage.EventStore
	maxBodySizeBytes int
}

func NewService(rules coreagg.RuleRepository, repo storage.EventStore, maxBodySizeMB int) *Service {
	if rules == nil {
		panic("ingestion: rule repository must not be nil")
	}
	if repo == nil {
		panic("ingestion: store must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1 // default to 1MB
	}
	return &Service{
		rules:            rules,
		store:            repo,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the ingestion service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/events", s.IngestHandler)
	r.GET("/v1/events/:principal_id", s.ListEventsHandler)

	// Backward-compatible alias.
	r.POST("/v1/ingest", s.IngestHandler)
}
