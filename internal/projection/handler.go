package projection

import (
	"errors"
	"net/http"
	"time"

	httperr "github.com/aevon-lab/exactavg/internal/core/errors"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all projection API routes on the given router.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/averages/:principal_id", s.HandleQueryAverages)

	// Older clients query partial state under /v1/state.
	r.GET("/v1/state/:principal_id", s.HandleQueryAverages)
}

// HandleQueryAverages handles GET /v1/averages/:principal_id
// Query parameters: rule, start, end, granularity
func (s *Service) HandleQueryAverages(c *gin.Context) {
	var uri struct {
		PrincipalID string `uri:"principal_id" binding:"required"`
	}
	var query struct {
		Rule        string    `form:"rule" binding:"required"`
		Start       time.Time `form:"start" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
		End         time.Time `form:"end" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
		Granularity string    `form:"granularity"`
	}

	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidRequestError,
			Message:   "Invalid path parameters",
			Details:   err.Error(),
		})
		return
	}

	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidRequestError,
			Message:   "Invalid query parameters",
			Details:   err.Error(),
		})
		return
	}

	resp, err := s.QueryAverages(c.Request.Context(), AverageQueryRequest{
		PrincipalID: uri.PrincipalID,
		Rule:        query.Rule,
		Start:       query.Start,
		End:         query.End,
		Granularity: query.Granularity,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidQuery) {
			c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
				ErrorType: httperr.HttpInvalidRequestError,
				Message:   "Invalid average query",
				Details:   err.Error(),
			})
			return
		}

		status, body := httperr.FromAggregation(err)
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, resp)
}
