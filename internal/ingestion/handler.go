package ingestion

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	v1 "github.com/aevon-lab/exactavg/internal/api/v1"
	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
	httperr "github.com/aevon-lab/exactavg/internal/core/errors"
	"github.com/aevon-lab/exactavg/internal/core/storage"
	"github.com/gin-gonic/gin"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgPersistFailed  = "Failed to persist event"
	msgDuplicateEvent = "Event already exists"
	msgInvalidValue   = "Event value does not fit the rule's numeric shape"

	defaultListLimit = 100
	maxListLimit     = 1000
)

// ingestionError carries the structured HTTP error shape from a helper back to the orchestrator.
// Helpers return this instead of writing to gin.Context directly, keeping them decoupled from HTTP.
type ingestionError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *ingestionError) Error() string {
	return e.message
}

// IngestHandler handles HTTP POST requests for event ingestion.
func (s *Service) IngestHandler(c *gin.Context) {
	evt, payloadSize, err := s.parseEvent(c)
	if err != nil {
		writeError(c, err)
		return
	}

	if err := s.validateEvent(c.Request.Context(), evt); err != nil {
		writeError(c, err)
		return
	}

	slog.Debug("[Ingestion] Received event",
		"event_id", evt.ID,
		"principal_id", evt.PrincipalID,
		"event_type", evt.Type,
		"payload_size", payloadSize)

	if err := s.persistEvent(c.Request.Context(), evt); err != nil {
		writeError(c, err)
		return
	}

	// Persisted; the batch job folds it into partials on its next cycle.
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "ingest_seq": evt.IngestSeq})
}

// parseEvent reads the raw request body and decodes it into an Event.
// Payload numbers stay json.Number so no digit is lost before validation.
func (s *Service) parseEvent(c *gin.Context) (*v1.Event, int, *ingestionError) {
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("[Ingestion] Failed to read request body", "error", err)
		return nil, 0, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("[Ingestion] Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}

	evt, err := v1.DecodeEvent(bytes.NewReader(bodyBytes))
	if err != nil {
		slog.Warn("[Ingestion] Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		}
	}

	evt.IngestedAt = time.Now().UTC()
	return evt, len(bodyBytes), nil
}

// validateEvent checks the envelope, then checks that every rule reading this
// event type can take its field at the rule's declared NUMERIC shape.
// Rejecting here keeps unaggregatable rows out of the event log.
func (s *Service) validateEvent(ctx context.Context, evt *v1.Event) *ingestionError {
	if err := evt.Validate(); err != nil {
		slog.Warn("[Ingestion] Envelope validation failed", "error", err, "event_id", evt.ID)
		return &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidRequestError,
			message:    err.Error(),
		}
	}

	rules, err := s.rules.List(ctx, evt.Type)
	if err != nil {
		slog.Error("[Ingestion] Failed to list rules", "error", err, "event_type", evt.Type)
		return &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    "Failed to load aggregation rules",
		}
	}

	for _, rule := range rules {
		if _, err := coreagg.ExtractDecimal(evt.Data, rule.Field, rule.Input); err != nil {
			slog.Warn("[Ingestion] Event value rejected",
				"event_id", evt.ID,
				"rule", rule.Name,
				"field", rule.Field,
				"error", err)
			return &ingestionError{
				statusCode: http.StatusBadRequest,
				errorType:  httperr.HttpInvalidInputShapeError,
				message:    msgInvalidValue,
				details: map[string]interface{}{
					"rule":    rule.Name,
					"field":   rule.Field,
					"numeric": rule.Input.String(),
					"error":   err.Error(),
				},
			}
		}
	}

	return nil
}

// persistEvent saves the event to the backing store.
func (s *Service) persistEvent(ctx context.Context, evt *v1.Event) *ingestionError {
	if err := s.store.SaveEvent(ctx, evt); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			slog.Info("[Ingestion] Duplicate event rejected", "event_id", evt.ID, "principal_id", evt.PrincipalID)
			return &ingestionError{
				statusCode: http.StatusConflict,
				errorType:  httperr.HttpDuplicateEventError,
				message:    msgDuplicateEvent,
			}
		}

		slog.Error("[Ingestion] Failed to persist event", "error", err, "event_id", evt.ID)
		return &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgPersistFailed,
		}
	}

	return nil
}

// ListEventsHandler handles GET /v1/events/:principal_id?limit=N and returns
// the principal's most recent events, newest first.
func (s *Service) ListEventsHandler(c *gin.Context) {
	principalID := c.Param("principal_id")

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			writeError(c, &ingestionError{
				statusCode: http.StatusBadRequest,
				errorType:  httperr.HttpInvalidRequestError,
				message:    "limit must be an integer between 1 and 1000",
			})
			return
		}
		limit = n
	}

	events, err := s.store.ListPrincipalEvents(c.Request.Context(), principalID, limit)
	if err != nil {
		slog.Error("[Ingestion] Failed to list events", "error", err, "principal_id", principalID)
		writeError(c, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    "Failed to list events",
		})
		return
	}
	if events == nil {
		events = []*v1.Event{}
	}

	c.JSON(http.StatusOK, events)
}

// writeError serializes an ingestionError as the JSON HTTP response.
func writeError(c *gin.Context, err *ingestionError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
