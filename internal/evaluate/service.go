// Package evaluate exposes the aggregate protocol over HTTP without touching
// storage: planning a column, averaging a posted column and combining
// partial states shipped by remote workers.
package evaluate

import (
	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/aevon-lab/exactavg/internal/core/numeric"
	"github.com/gin-gonic/gin"
)

const (
	maxAverageBodyBytes = 8 << 20
	maxMergeBodyBytes   = 16 << 20

	contentTypeProtobuf = "application/x-protobuf"
	encodingZstd        = "zstd"
)

type Service struct {
	planner  coreagg.Planner
	rounding numeric.Rounding
}

// NewService creates an evaluate service using planner for every shape and
// rounding when a request does not name one.
func NewService(planner coreagg.Planner, rounding numeric.Rounding) *Service {
	return &Service{planner: planner, rounding: rounding}
}

// RegisterRoutes registers the evaluate routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/plan", s.HandlePlan)
	r.POST("/v1/average", s.HandleAverage)
	r.POST("/v1/partials/merge", s.HandleMergePartials)
}
