// Package api exposes the HTTP surface: the streaming chat endpoint, chat
// CRUD, and health. Handlers follow the echo convention of returning
// *echo.HTTPError for client-visible failures.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/lodestar-research/lodestar/pkg/agent"
	"github.com/lodestar-research/lodestar/pkg/config"
	"github.com/lodestar-research/lodestar/pkg/database"
	"github.com/lodestar-research/lodestar/pkg/kv"
	"github.com/lodestar-research/lodestar/pkg/models"
	"github.com/lodestar-research/lodestar/pkg/ratelimit"
	"github.com/lodestar-research/lodestar/pkg/services"
	"github.com/lodestar-research/lodestar/pkg/stream"
)

// ChatStore is the persistence contract the chat handlers depend on.
// *services.ChatService implements it; tests substitute fakes.
type ChatStore interface {
	UpsertChat(ctx context.Context, req models.UpsertChatRequest) (bool, error)
	GetChat(ctx context.Context, chatID, userID string) (*models.Chat, error)
	ListChats(ctx context.Context, userID string) ([]models.ChatSummary, error)
	DeleteChat(ctx context.Context, chatID, userID string) error
	UpdateTitle(ctx context.Context, chatID, userID, title string) error
}

var _ ChatStore = (*services.ChatService)(nil)

// Researcher runs the agent loop and its auxiliary calls.
// *agent.Controller implements it.
type Researcher interface {
	Run(ctx context.Context, sc *agent.SystemContext, w stream.Writer) (*models.Message, error)
	GenerateTitle(ctx context.Context, userText string) (string, error)
}

var _ Researcher = (*agent.Controller)(nil)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg         *config.Config
	chatService ChatStore
	controller  Researcher
	limiter     *ratelimit.Limiter
	dbClient    *database.Client
	redisStore  *kv.RedisStore
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg *config.Config, chatService ChatStore, controller Researcher, limiter *ratelimit.Limiter, dbClient *database.Client, redisStore *kv.RedisStore) *Server {
	e := echo.New()

	s := &Server{
		echo:        e,
		cfg:         cfg,
		chatService: chatService,
		controller:  controller,
		limiter:     limiter,
		dbClient:    dbClient,
		redisStore:  redisStore,
	}

	e.Use(securityHeaders())

	e.GET("/healthz", s.healthHandler)

	api := e.Group("/api/v1")
	api.POST("/chat", s.chatHandler)
	api.GET("/chat", s.getChatHandler)
	api.DELETE("/chat", s.deleteChatHandler)
	api.GET("/chats", s.listChatsHandler)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: e,
	}
	return s
}

// Start blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
