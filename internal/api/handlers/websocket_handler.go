package handlers

import (
	"context"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/civic-agent/backend/internal/orchestrator"
	"github.com/civic-agent/backend/pkg/logger"
)

// IdentityKey is the connection local holding the caller identity resolved
// at upgrade time.
const IdentityKey = "identity"

// SessionLimiter admits queries per caller identity.
type SessionLimiter interface {
	AcquireWithHint(id string) (bool, time.Duration)
}

// jsonConn is the part of a websocket connection the handler uses.
type jsonConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
}

type WebSocketHandler struct {
	engine   QueryEngine
	limiter  SessionLimiter
	validate *validator.Validate
}

func NewWebSocketHandler(engine QueryEngine, limiter SessionLimiter) *WebSocketHandler {
	return &WebSocketHandler{
		engine:   engine,
		limiter:  limiter,
		validate: validator.New(),
	}
}

type wsMessage struct {
	Type      string              `json:"type"`
	Content   string              `json:"content"`
	SessionID string              `json:"session_id"`
	Category  string              `json:"category"`
	History   []orchestrator.Turn `json:"history"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	identity, _ := c.Locals(IdentityKey).(string)
	if identity == "" {
		identity = c.IP()
	}
	h.serve(context.Background(), c, identity)
}

// serve handles query messages until the client goes away. Messages are read
// on their own goroutine so that a disconnect cancels the query in flight.
func (h *WebSocketHandler) serve(parent context.Context, c jsonConn, identity string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	msgs := make(chan wsMessage)
	go func() {
		defer close(msgs)
		defer cancel()
		for {
			var msg wsMessage
			if err := c.ReadJSON(&msg); err != nil {
				logger.Debug("WebSocket read ended", zap.Error(err))
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for msg := range msgs {
		if msg.Type != "query" {
			continue
		}

		req := QueryRequest{
			Query:     msg.Content,
			SessionID: msg.SessionID,
			Category:  msg.Category,
			History:   msg.History,
		}
		if err := h.validate.Struct(req); err != nil {
			if err := h.sendError(c, "Invalid query request", validationDetails(err)...); err != nil {
				return
			}
			continue
		}

		if h.limiter != nil {
			if ok, retryAfter := h.limiter.AcquireWithHint(identity); !ok {
				logger.Warn("WebSocket query rate limited", zap.String("identity", identity))
				err := c.WriteJSON(map[string]any{
					"type":        "error",
					"error":       "Rate limit exceeded",
					"retry_after": int(math.Ceil(retryAfter.Seconds())),
				})
				if err != nil {
					return
				}
				continue
			}
		}

		if err := h.streamResponse(ctx, c, req); err != nil {
			logger.Warn("Failed to stream response", zap.Error(err))
			return
		}
	}
}

// streamResponse reports each pipeline stage as it completes, then streams
// the answer word by word and closes with the full metadata.
func (h *WebSocketHandler) streamResponse(ctx context.Context, c jsonConn, req QueryRequest) error {
	var writeErr error
	resp := h.engine.Execute(ctx, orchestrator.Request{
		Query:     req.Query,
		History:   req.History,
		SessionID: req.SessionID,
		Category:  req.Category,
		Observer: func(e orchestrator.StageEvent) {
			if writeErr == nil {
				writeErr = c.WriteJSON(map[string]any{"type": "status", "stage": e.Stage, "outcome": e.Outcome})
			}
		},
	})
	if writeErr != nil {
		return writeErr
	}

	words := splitIntoWords(resp.Answer)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 && word != "\n" {
			chunk += " "
		}
		if err := h.sendChunk(c, chunk); err != nil {
			return err
		}
	}

	return c.WriteJSON(map[string]any{
		"type":     "complete",
		"response": resp,
	})
}

func (h *WebSocketHandler) sendChunk(c jsonConn, content string) error {
	return c.WriteJSON(map[string]any{
		"type":    "chunk",
		"content": content,
	})
}

func (h *WebSocketHandler) sendError(c jsonConn, errorMsg string, details ...string) error {
	msg := map[string]any{
		"type":  "error",
		"error": errorMsg,
	}
	if len(details) > 0 {
		msg["details"] = details
	}
	return c.WriteJSON(msg)
}

func splitIntoWords(text string) []string {
	words := []string{}
	currentWord := ""

	for _, char := range text {
		if char == ' ' || char == '\n' {
			if currentWord != "" {
				words = append(words, currentWord)
				currentWord = ""
			}
			if char == '\n' {
				words = append(words, "\n")
			}
		} else {
			currentWord += string(char)
		}
	}

	if currentWord != "" {
		words = append(words, currentWord)
	}

	return words
}
