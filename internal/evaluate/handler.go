package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"

	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
	httperr "github.com/aevon-lab/exactavg/internal/core/errors"
	"github.com/aevon-lab/exactavg/internal/core/numeric"
	"github.com/aevon-lab/exactavg/internal/core/wire"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// AverageResponse is the body of POST /v1/average.
type AverageResponse struct {
	RequestID  string              `json:"request_id"`
	Plan       coreagg.Plan        `json:"plan"`
	Rounding   string              `json:"rounding"`
	Partitions int                 `json:"partitions"`
	Average    numeric.NullDecimal `json:"average"`
	Sum        string              `json:"sum"`
	RowCount   uint64              `json:"row_count"`
}

// MergedGroup is one finalized group of POST /v1/partials/merge?finalize=true.
type MergedGroup struct {
	Key      string              `json:"key"`
	Average  numeric.NullDecimal `json:"average"`
	RowCount uint64              `json:"row_count"`
	Output   *numeric.Shape      `json:"output,omitempty"`
}

// MergeResponse is the JSON body of a finalized merge.
type MergeResponse struct {
	RequestID string        `json:"request_id"`
	Rounding  string        `json:"rounding"`
	Groups    []MergedGroup `json:"groups"`
}

// HandlePlan handles GET /v1/plan?precision=&scale=
func (s *Service) HandlePlan(c *gin.Context) {
	var query struct {
		Precision int32 `form:"precision" binding:"required"`
		Scale     int32 `form:"scale"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, "Invalid query parameters", err)
		return
	}

	plan, err := s.planner.Plan(numeric.Shape{Precision: query.Precision, Scale: query.Scale})
	if err != nil {
		status, body := httperr.FromAggregation(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// HandleAverage handles POST /v1/average.
// Values are JSON numbers, decimal strings or null.
func (s *Service) HandleAverage(c *gin.Context) {
	var req struct {
		Precision  int32             `json:"precision" binding:"required"`
		Scale      int32             `json:"scale"`
		Values     []json.RawMessage `json:"values"`
		Partitions int               `json:"partitions"`
		Rounding   string            `json:"rounding"`
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxAverageBodyBytes)
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	rounding, err := s.roundingOrDefault(req.Rounding)
	if err != nil {
		badRequest(c, "Invalid rounding mode", err)
		return
	}
	if req.Partitions == 0 {
		req.Partitions = 1
	}
	if req.Partitions < 0 || req.Partitions > MaxPartitions {
		badRequest(c, "Invalid partition count", fmt.Errorf("partitions must be between 1 and %d", MaxPartitions))
		return
	}
	if len(req.Values) > MaxValues {
		badRequest(c, "Too many values", fmt.Errorf("at most %d values per request", MaxValues))
		return
	}

	input := numeric.Shape{Precision: req.Precision, Scale: req.Scale}
	values := make([]numeric.NullDecimal, len(req.Values))
	for i, raw := range req.Values {
		v, err := parseRawValue(raw, input)
		if err != nil {
			status, body := httperr.FromAggregation(fmt.Errorf("value %d: %w", i, err))
			c.JSON(status, body)
			return
		}
		values[i] = v
	}

	requestID := uuid.NewString()
	res, err := Run(c.Request.Context(), s.planner, Job{
		Input:      input,
		Values:     values,
		Partitions: req.Partitions,
		Rounding:   rounding,
	})
	if err != nil {
		slog.Warn("[Evaluate] Average failed", "request_id", requestID, "error", err)
		status, body := httperr.FromAggregation(err)
		c.JSON(status, body)
		return
	}

	slog.Debug("[Evaluate] Average computed",
		"request_id", requestID,
		"rows", res.State.Count,
		"partitions", req.Partitions)

	c.JSON(http.StatusOK, AverageResponse{
		RequestID:  requestID,
		Plan:       res.Plan,
		Rounding:   rounding.String(),
		Partitions: req.Partitions,
		Average:    res.Average,
		Sum:        res.State.Sum.String(),
		RowCount:   res.State.Count,
	})
}

// HandleMergePartials handles POST /v1/partials/merge.
// The body is a protobuf PartialStateBatch, optionally zstd-compressed.
// Entries sharing a key are merged. With finalize=true each group is
// finalized and returned as JSON; otherwise the merged batch is returned in
// the request's encoding.
func (s *Service) HandleMergePartials(c *gin.Context) {
	rounding, err := s.roundingOrDefault(c.Query("rounding"))
	if err != nil {
		badRequest(c, "Invalid rounding mode", err)
		return
	}
	finalize := c.Query("finalize") == "true"
	compressed := strings.EqualFold(strings.TrimSpace(c.GetHeader("Content-Encoding")), encodingZstd)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMergeBodyBytes+1))
	if err != nil {
		slog.Error("[Evaluate] Failed to read merge body", "error", err)
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Failed to read request body",
		})
		return
	}
	if len(body) > maxMergeBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidRequestError,
			Message:   "Request body exceeds maximum allowed size",
		})
		return
	}
	if compressed {
		if body, err = wire.Decompress(body); err != nil {
			badRequest(c, "Invalid zstd body", err)
			return
		}
	}

	entries, err := wire.DecodeBatch(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpCorruptStateError,
			Message:   "Partial state batch could not be decoded",
			Details:   err.Error(),
		})
		return
	}

	requestID := uuid.NewString()
	groups, err := s.mergeGroups(c.Request.Context(), entries, rounding, finalize)
	if err != nil {
		slog.Warn("[Evaluate] Merge failed", "request_id", requestID, "error", err)
		status, resp := httperr.FromAggregation(err)
		c.JSON(status, resp)
		return
	}

	slog.Debug("[Evaluate] Partials merged",
		"request_id", requestID,
		"entries", len(entries),
		"groups", len(groups))

	if finalize {
		out := MergeResponse{RequestID: requestID, Rounding: rounding.String(), Groups: make([]MergedGroup, 0, len(groups))}
		for _, g := range groups {
			out.Groups = append(out.Groups, g.result)
		}
		c.JSON(http.StatusOK, out)
		return
	}

	merged := make([]wire.Entry, 0, len(groups))
	for _, g := range groups {
		merged = append(merged, wire.Entry{Key: g.result.Key, State: g.state})
	}
	payload, err := wire.EncodeBatch(merged)
	if err == nil && compressed {
		payload, err = wire.Compress(payload)
	}
	if err != nil {
		status, resp := httperr.FromAggregation(err)
		c.JSON(status, resp)
		return
	}
	if compressed {
		c.Header("Content-Encoding", encodingZstd)
	}
	c.Data(http.StatusOK, contentTypeProtobuf, payload)
}

type mergedGroup struct {
	states []coreagg.State
	state  coreagg.State
	result MergedGroup
}

// mergeGroups merges entries per key, keeping first-seen key order.
// Groups are independent and merge concurrently.
func (s *Service) mergeGroups(ctx context.Context, entries []wire.Entry, rounding numeric.Rounding, finalize bool) ([]*mergedGroup, error) {
	var groups []*mergedGroup
	index := make(map[string]*mergedGroup)
	for _, e := range entries {
		g, ok := index[e.Key]
		if !ok {
			g = &mergedGroup{result: MergedGroup{Key: e.Key}}
			index[e.Key] = g
			groups = append(groups, g)
		}
		g.states = append(g.states, e.State)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for _, g := range groups {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.mergeGroup(g, rounding, finalize); err != nil {
				return fmt.Errorf("group %q: %w", g.result.Key, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return groups, nil
}

func (s *Service) mergeGroup(g *mergedGroup, rounding numeric.Rounding, finalize bool) error {
	input, known := widestInput(g.states)
	if !known {
		// Only empty partials: nothing was accumulated, so there is no plan.
		state, err := coreagg.ReduceStates(g.states)
		if err != nil {
			return err
		}
		g.state = state
		return nil
	}

	plan, err := s.planner.Plan(input)
	if err != nil {
		return err
	}
	agg := coreagg.NewExactAverage(plan, coreagg.WithRounding(rounding))
	for _, st := range g.states {
		if err := agg.Merge(st); err != nil {
			return err
		}
	}
	g.state = agg.State()
	g.result.RowCount = g.state.Count
	g.result.Output = &plan.Output

	if finalize {
		avg, err := agg.Finalize()
		if err != nil {
			return err
		}
		g.result.Average = avg
	}
	return nil
}

func widestInput(states []coreagg.State) (numeric.Shape, bool) {
	var (
		shape numeric.Shape
		known bool
	)
	for _, st := range states {
		if !st.InputKnown {
			continue
		}
		if !known {
			shape, known = st.Input, true
			continue
		}
		shape.Precision = max(shape.Precision, st.Input.Precision)
		shape.Scale = max(shape.Scale, st.Input.Scale)
	}
	return shape, known
}

func (s *Service) roundingOrDefault(name string) (numeric.Rounding, error) {
	if strings.TrimSpace(name) == "" {
		return s.rounding, nil
	}
	return numeric.ParseRounding(name)
}

// parseRawValue accepts a JSON number, a decimal string or null.
func parseRawValue(raw json.RawMessage, shape numeric.Shape) (numeric.NullDecimal, error) {
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return numeric.NullDecimal{}, fmt.Errorf("%w: %v", coreagg.ErrInvalidInputShape, err)
		}
		text = s
	}
	return ParseValue(text, shape)
}

func badRequest(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
		ErrorType: httperr.HttpInvalidRequestError,
		Message:   message,
		Details:   err.Error(),
	})
}
