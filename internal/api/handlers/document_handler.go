package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/civic-agent/backend/internal/ingestion"
	"github.com/civic-agent/backend/internal/provider"
	"github.com/civic-agent/backend/pkg/logger"
)

// DocumentProcessor ingests documents into the vector corpus.
type DocumentProcessor interface {
	ProcessDocument(ctx context.Context, doc ingestion.Document) (*ingestion.Result, error)
}

type DocumentRequest struct {
	URL         string    `json:"url" validate:"required,url"`
	HTMLContent string    `json:"html_content" validate:"required"`
	Namespace   string    `json:"namespace" validate:"required,oneof=legal news"`
	Category    string    `json:"category" validate:"max=64"`
	Published   time.Time `json:"published"`
}

type DocumentHandler struct {
	processor DocumentProcessor
	validate  *validator.Validate
}

func NewDocumentHandler(processor DocumentProcessor) *DocumentHandler {
	return &DocumentHandler{
		processor: processor,
		validate:  validator.New(),
	}
}

func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req DocumentRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := h.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Invalid document",
			"details": validationDetails(err),
		})
	}

	res, err := h.processor.ProcessDocument(c.UserContext(), ingestion.Document{
		URL:       req.URL,
		HTML:      req.HTMLContent,
		Namespace: provider.Namespace(req.Namespace),
		Category:  req.Category,
		Published: req.Published,
	})
	if errors.Is(err, ingestion.ErrEmptyDocument) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if err != nil {
		logger.Error("Failed to process document", zap.String("url", req.URL), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process document",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(res)
}
