package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/lodestar-research/lodestar/pkg/agent"
	"github.com/lodestar-research/lodestar/pkg/models"
	"github.com/lodestar-research/lodestar/pkg/ratelimit"
	"github.com/lodestar-research/lodestar/pkg/services"
	"github.com/lodestar-research/lodestar/pkg/stream"
)

// titleTimeout bounds the async title generation that runs alongside the
// research loop.
const titleTimeout = 30 * time.Second

// ChatRequest is the HTTP request body for POST /api/v1/chat. Messages is
// the client's view of the conversation; its last entry must be the user
// question. Turns the server already stores are kept, submitted ones are
// appended after them.
type ChatRequest struct {
	ID       string               `json:"id,omitempty"`
	Messages []models.Message     `json:"messages"`
	Location *models.UserLocation `json:"location,omitempty"`
}

// DeleteChatRequest is the HTTP request body for DELETE /api/v1/chat.
type DeleteChatRequest struct {
	ChatID string `json:"chatId"`
}

// chatHandler handles POST /api/v1/chat: it persists the submitted
// conversation, streams the research run as NDJSON events, and persists
// the assistant reply when the run ends.
func (s *Server) chatHandler(c *echo.Context) error {
	user := extractUser(c)
	if user == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	if allowed, res := s.applyRateLimit(c, user); !allowed {
		return c.JSON(http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": res.ResetTime.UTC().Format(time.RFC3339),
		})
	}

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Messages) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one message is required")
	}
	last := &req.Messages[len(req.Messages)-1]
	if last.Text() == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message text is required")
	}
	last.Role = models.RoleUser

	// Client-supplied ids must be UUIDs; the store's id columns reject
	// anything else.
	for i := range req.Messages {
		if req.Messages[i].ID == "" {
			req.Messages[i].ID = uuid.New().String()
		} else if _, err := uuid.Parse(req.Messages[i].ID); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "message ids must be UUIDs")
		}
	}

	chatID := req.ID
	if chatID == "" {
		chatID = uuid.New().String()
	} else if _, err := uuid.Parse(chatID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "chat id must be a UUID")
	}

	// Load any prior conversation. ErrNotFound means this is a new chat id;
	// anything else (including a foreign owner) surfaces as an HTTP error
	// before the stream starts.
	var prior []models.Message
	existing, err := s.chatService.GetChat(c.Request().Context(), chatID, user)
	switch {
	case err == nil:
		prior = existing.Messages
	case errors.Is(err, services.ErrNotFound):
		// New chat.
	default:
		return mapServiceError(err)
	}

	// Stored turns come first; submitted messages append after them, with
	// resubmitted ids kept once.
	stored := make(map[string]bool, len(prior))
	for _, m := range prior {
		stored[m.ID] = true
	}
	conversation := append([]models.Message{}, prior...)
	for _, m := range req.Messages {
		if !stored[m.ID] {
			conversation = append(conversation, m)
		}
	}

	// Persist the user message up front so a failed run does not lose it.
	created, err := s.chatService.UpsertChat(c.Request().Context(), models.UpsertChatRequest{
		UserID:   user,
		ChatID:   chatID,
		Messages: conversation,
	})
	if err != nil {
		return mapServiceError(err)
	}

	titleDone := s.generateTitleAsync(created, chatID, user, last.Text())

	h := c.Response().Header()
	h.Set("Content-Type", "application/x-ndjson")
	h.Set("Cache-Control", "no-cache")
	c.Response().WriteHeader(http.StatusOK)

	flusher, _ := any(c.Response()).(http.Flusher)
	writer := stream.NewNDJSONWriter(c.Response(), flusher)

	if created {
		if err := writer.WritePart(models.NewChatCreatedPart{ChatID: chatID}); err != nil {
			slog.Warn("Failed to emit chat created event", "chat_id", chatID, "error", err)
		}
	}

	// The body wins over the proxy's best-effort X-Geo-* headers.
	location := locationFromHeaders(c)
	if req.Location != nil {
		location = *req.Location
	}
	sc := agent.NewSystemContext(conversation, s.cfg.Agent.MaxSteps, location)

	assistant, runErr := s.controller.Run(c.Request().Context(), sc, writer)
	if runErr != nil {
		slog.Error("Research run failed", "chat_id", chatID, "error", runErr)
	}

	// Wait for the title generator so the final upsert cannot race it.
	<-titleDone

	if assistant != nil {
		if _, err := s.chatService.UpsertChat(context.WithoutCancel(c.Request().Context()), models.UpsertChatRequest{
			UserID:   user,
			ChatID:   chatID,
			Messages: append(conversation, *assistant),
		}); err != nil {
			slog.Error("Failed to persist assistant message", "chat_id", chatID, "error", err)
		}
	}

	if err := writer.Finish(); err != nil {
		slog.Warn("Failed to emit finish event", "chat_id", chatID, "error", err)
	}
	return nil
}

// applyRateLimit checks and consumes one rate limit slot for the user,
// setting X-RateLimit-* response headers either way. Store failures fail
// open: a broken Redis must not take the chat API down with it.
func (s *Server) applyRateLimit(c *echo.Context, user string) (bool, ratelimit.Result) {
	cfg := ratelimit.Config{
		MaxRequests: s.cfg.RateLimit.MaxRequests,
		Window:      s.cfg.RateLimit.Window,
		MaxRetries:  s.cfg.RateLimit.MaxRetries,
		KeyPrefix:   fmt.Sprintf("%s:%s", s.cfg.RateLimit.KeyPrefix, user),
	}

	res, err := s.limiter.Retry(c.Request().Context(), cfg)
	if err != nil {
		slog.Warn("Rate limit check failed, allowing request", "user", user, "error", err)
		return true, ratelimit.Result{Allowed: true}
	}

	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))

	if !res.Allowed {
		return false, res
	}
	if err := s.limiter.Record(c.Request().Context(), cfg); err != nil {
		slog.Warn("Rate limit record failed", "user", user, "error", err)
	}
	return true, res
}

// generateTitleAsync starts title generation for new chats and returns a
// channel closed when done. Existing chats keep their title; generation
// failures leave the provisional title in place.
func (s *Server) generateTitleAsync(created bool, chatID, user, userText string) <-chan struct{} {
	done := make(chan struct{})
	if !created {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
		defer cancel()

		title, err := s.controller.GenerateTitle(ctx, userText)
		if err != nil {
			slog.Warn("Title generation failed, keeping provisional title", "chat_id", chatID, "error", err)
			return
		}
		if err := s.chatService.UpdateTitle(ctx, chatID, user, title); err != nil {
			slog.Warn("Failed to store generated title", "chat_id", chatID, "error", err)
		}
	}()
	return done
}

// getChatHandler handles GET /api/v1/chat?id=.
func (s *Server) getChatHandler(c *echo.Context) error {
	user := extractUser(c)
	if user == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	chatID := c.QueryParam("id")
	if chatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat id is required")
	}
	if _, err := uuid.Parse(chatID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "chat id must be a UUID")
	}

	chat, err := s.chatService.GetChat(c.Request().Context(), chatID, user)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, chat)
}

// deleteChatHandler handles DELETE /api/v1/chat with a {chatId} body.
func (s *Server) deleteChatHandler(c *echo.Context) error {
	user := extractUser(c)
	if user == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	var req DeleteChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ChatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat id is required")
	}
	if _, err := uuid.Parse(req.ChatID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "chat id must be a UUID")
	}

	if err := s.chatService.DeleteChat(c.Request().Context(), req.ChatID, user); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// listChatsHandler handles GET /api/v1/chats.
func (s *Server) listChatsHandler(c *echo.Context) error {
	user := extractUser(c)
	if user == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	chats, err := s.chatService.ListChats(c.Request().Context(), user)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, chats)
}
