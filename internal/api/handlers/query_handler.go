package handlers

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/civic-agent/backend/internal/orchestrator"
	"github.com/civic-agent/backend/internal/storage/models"
	"github.com/civic-agent/backend/pkg/logger"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// QueryEngine answers queries.
type QueryEngine interface {
	Execute(ctx context.Context, req orchestrator.Request) orchestrator.Response
}

// HistoryStore serves past queries and collects feedback on them.
type HistoryStore interface {
	GetQueryHistory(ctx context.Context, sessionID string, limit int) ([]models.QueryRecord, error)
	GetQuerySources(ctx context.Context, queryID string) ([]models.QuerySource, error)
	StoreFeedback(ctx context.Context, feedback *models.Feedback) error
}

type QueryRequest struct {
	Query     string              `json:"query" validate:"required,max=2000"`
	SessionID string              `json:"session_id" validate:"max=128"`
	Category  string              `json:"category" validate:"max=64"`
	TopK      int                 `json:"top_k" validate:"min=0,max=50"`
	History   []orchestrator.Turn `json:"history" validate:"max=20,dive"`
}

type FeedbackRequest struct {
	Helpful       bool   `json:"helpful"`
	IssueCategory string `json:"issue_category" validate:"omitempty,oneof=inaccurate outdated incomplete irrelevant other"`
	Comment       string `json:"comment" validate:"max=1000"`
}

type QueryHandler struct {
	engine   QueryEngine
	history  HistoryStore
	validate *validator.Validate
}

func NewQueryHandler(engine QueryEngine, history HistoryStore) *QueryHandler {
	return &QueryHandler{
		engine:   engine,
		history:  history,
		validate: validator.New(),
	}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req QueryRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if q, ok := c.Locals("sanitized_query").(string); ok && q != "" {
		req.Query = q
	}
	if req.SessionID == "" {
		req.SessionID = c.Get("X-Session-ID")
	}

	if err := h.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Invalid query request",
			"details": validationDetails(err),
		})
	}

	resp := h.engine.Execute(c.UserContext(), orchestrator.Request{
		Query:     req.Query,
		History:   req.History,
		SessionID: req.SessionID,
		Category:  req.Category,
		TopK:      req.TopK,
	})

	return c.JSON(resp)
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	if h.history == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Query history is not available",
		})
	}

	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	sessionID := c.Query("session_id", c.Get("X-Session-ID"))

	records, err := h.history.GetQueryHistory(c.UserContext(), sessionID, limit)
	if err != nil {
		logger.Error("Failed to get query history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get query history",
		})
	}
	if records == nil {
		records = []models.QueryRecord{}
	}

	return c.JSON(fiber.Map{
		"history": records,
	})
}

func (h *QueryHandler) GetQuerySources(c *fiber.Ctx) error {
	if h.history == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Query history is not available",
		})
	}

	sources, err := h.history.GetQuerySources(c.UserContext(), c.Params("id"))
	if err != nil {
		logger.Error("Failed to get query sources", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get query sources",
		})
	}
	if sources == nil {
		sources = []models.QuerySource{}
	}

	return c.JSON(fiber.Map{
		"query_id": c.Params("id"),
		"sources":  sources,
	})
}

func (h *QueryHandler) SubmitFeedback(c *fiber.Ctx) error {
	if h.history == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Feedback is not available",
		})
	}

	var req FeedbackRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Invalid feedback",
			"details": validationDetails(err),
		})
	}

	err := h.history.StoreFeedback(c.UserContext(), &models.Feedback{
		QueryID:       c.Params("id"),
		Helpful:       req.Helpful,
		IssueCategory: req.IssueCategory,
		Comment:       req.Comment,
	})
	if err != nil {
		logger.Warn("Failed to store feedback", zap.String("query_id", c.Params("id")), zap.Error(err))
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown query",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"status": "recorded",
	})
}

func validationDetails(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fe.Field()+" failed "+fe.Tag())
	}
	return details
}
