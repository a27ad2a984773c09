package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-research/lodestar/pkg/agent"
	"github.com/lodestar-research/lodestar/pkg/config"
	"github.com/lodestar-research/lodestar/pkg/kv"
	"github.com/lodestar-research/lodestar/pkg/models"
	"github.com/lodestar-research/lodestar/pkg/ratelimit"
	"github.com/lodestar-research/lodestar/pkg/services"
	"github.com/lodestar-research/lodestar/pkg/stream"
)

type fakeChatStore struct {
	mu      sync.Mutex
	chats   map[string]*models.Chat
	upserts []models.UpsertChatRequest
	titles  map[string]string
}

func newFakeChatStore() *fakeChatStore {
	return &fakeChatStore{
		chats:  make(map[string]*models.Chat),
		titles: make(map[string]string),
	}
}

func (f *fakeChatStore) UpsertChat(_ context.Context, req models.UpsertChatRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, req)

	existing, ok := f.chats[req.ChatID]
	if ok {
		if existing.UserID != req.UserID {
			return false, services.ErrAccessDenied
		}
		existing.Messages = req.Messages
		if req.Title != "" {
			existing.Title = req.Title
		}
		return false, nil
	}
	title := req.Title
	if title == "" {
		title = models.ProvisionalTitle
	}
	f.chats[req.ChatID] = &models.Chat{
		ID:       req.ChatID,
		UserID:   req.UserID,
		Title:    title,
		Messages: req.Messages,
	}
	return true, nil
}

func (f *fakeChatStore) GetChat(_ context.Context, chatID, userID string) (*models.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[chatID]
	if !ok || chat.UserID != userID {
		return nil, services.ErrNotFound
	}
	cp := *chat
	return &cp, nil
}

func (f *fakeChatStore) ListChats(_ context.Context, userID string) ([]models.ChatSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChatSummary
	for _, chat := range f.chats {
		if chat.UserID == userID {
			out = append(out, models.ChatSummary{ID: chat.ID, Title: chat.Title})
		}
	}
	return out, nil
}

func (f *fakeChatStore) DeleteChat(_ context.Context, chatID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[chatID]
	if !ok || chat.UserID != userID {
		return services.ErrNotFound
	}
	delete(f.chats, chatID)
	return nil
}

func (f *fakeChatStore) UpdateTitle(_ context.Context, chatID, userID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[chatID]
	if !ok || chat.UserID != userID {
		return services.ErrNotFound
	}
	chat.Title = title
	f.titles[chatID] = title
	return nil
}

func (f *fakeChatStore) titleFor(chatID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	title, ok := f.titles[chatID]
	return title, ok
}

func (f *fakeChatStore) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

type fakeResearcher struct {
	mu           sync.Mutex
	runErr       error
	seenLocation string
	seenHistory  string
}

func (f *fakeResearcher) Run(_ context.Context, sc *agent.SystemContext, w stream.Writer) (*models.Message, error) {
	f.mu.Lock()
	f.seenLocation = sc.UserLocationContext()
	f.seenHistory = sc.ConversationHistory()
	f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	_ = w.WriteDelta("Hello ")
	_ = w.WriteDelta("world")
	_ = w.WritePart(models.UsagePart{TotalTokens: 7})
	return &models.Message{
		ID:   uuid.New().String(),
		Role: models.RoleAssistant,
		Parts: []models.Part{
			models.TextPart{Text: "Hello world"},
			models.UsagePart{TotalTokens: 7},
		},
	}, nil
}

func (f *fakeResearcher) GenerateTitle(_ context.Context, _ string) (string, error) {
	return "Population of Canberra", nil
}

func newTestServer(store ChatStore, researcher Researcher) *Server {
	cfg := &config.Config{
		Server: config.ServerConfig{Host: "localhost", Port: 8080},
		Agent:  config.AgentConfig{MaxSteps: 3, SearchResultsCount: 3, MaxPagesToScrape: 6},
		RateLimit: config.RateLimitConfig{
			MaxRequests: 10,
			Window:      time.Minute,
			MaxRetries:  0,
			KeyPrefix:   "chat_api",
		},
	}
	limiter := ratelimit.New(kv.NewMemoryStore())
	return NewServer(cfg, store, researcher, limiter, nil, nil)
}

func userTurn(text string) map[string]any {
	return map[string]any{
		"id":    uuid.New().String(),
		"role":  "user",
		"parts": []map[string]any{{"type": "text", "text": text}},
	}
}

func assistantTurn(text string) map[string]any {
	return map[string]any{
		"id":    uuid.New().String(),
		"role":  "assistant",
		"parts": []map[string]any{{"type": "text", "text": text}},
	}
}

func chatBody(t *testing.T, chatID string, messages ...map[string]any) *bytes.Buffer {
	t.Helper()
	payload := map[string]any{"messages": messages}
	if chatID != "" {
		payload["id"] = chatID
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func deleteBody(t *testing.T, chatID string) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(map[string]string{"chatId": chatID})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func doRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func decodeNDJSON(t *testing.T, body string) []map[string]any {
	t.Helper()
	var events []map[string]any
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var obj map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &obj), "line: %s", line)
		events = append(events, obj)
	}
	return events
}

func seedChat(t *testing.T, store *fakeChatStore, user string, messages ...models.Message) string {
	t.Helper()
	chatID := uuid.New().String()
	_, err := store.UpsertChat(context.Background(), models.UpsertChatRequest{
		UserID:   user,
		ChatID:   chatID,
		Title:    "Existing",
		Messages: messages,
	})
	require.NoError(t, err)
	return chatID
}

func TestChatHandlerRequiresAuthentication(t *testing.T) {
	s := newTestServer(newFakeChatStore(), &fakeResearcher{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", chatBody(t, "", userTurn("hi")))
	req.Header.Set("Content-Type", "application/json")

	rec := doRequest(s, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatHandlerRejectsBadBodies(t *testing.T) {
	s := newTestServer(newFakeChatStore(), &fakeResearcher{})

	tests := []struct {
		name string
		body *bytes.Buffer
	}{
		{"no messages", chatBody(t, "")},
		{"empty last message", chatBody(t, "", userTurn(""))},
		{"non-uuid chat id", chatBody(t, "not-a-uuid", userTurn("hi"))},
		{
			"non-uuid message id",
			chatBody(t, "", map[string]any{
				"id":    "msg-1",
				"role":  "user",
				"parts": []map[string]any{{"type": "text", "text": "hi"}},
			}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", tt.body)
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Forwarded-User", "alice")
			assert.Equal(t, http.StatusBadRequest, doRequest(s, req).Code)
		})
	}
}

func TestChatHandlerStreamsNewChat(t *testing.T) {
	store := newFakeChatStore()
	s := newTestServer(store, &fakeResearcher{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", chatBody(t, "", userTurn("what is the population of canberra")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-User", "alice")

	rec := doRequest(s, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	events := decodeNDJSON(t, rec.Body.String())
	require.NotEmpty(t, events)

	assert.Equal(t, models.PartTypeNewChatCreated, events[0]["type"])
	chatID, _ := events[0]["chatId"].(string)
	require.NotEmpty(t, chatID)

	assert.Equal(t, stream.EventTypeFinish, events[len(events)-1]["type"])

	var deltas []string
	for _, ev := range events {
		if ev["type"] == stream.EventTypeTextDelta {
			deltas = append(deltas, ev["delta"].(string))
		}
	}
	assert.Equal(t, "Hello world", strings.Join(deltas, ""))

	// User message persisted first, then the assistant reply.
	require.Equal(t, 2, store.upsertCount())
	chat, err := store.GetChat(context.Background(), chatID, "alice")
	require.NoError(t, err)
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, models.RoleUser, chat.Messages[0].Role)
	assert.Equal(t, models.RoleAssistant, chat.Messages[1].Role)
	assert.Equal(t, "Hello world", chat.Messages[1].Text())

	title, ok := store.titleFor(chatID)
	require.True(t, ok)
	assert.Equal(t, "Population of Canberra", title)
}

func TestChatHandlerAcceptsMultiTurnConversation(t *testing.T) {
	store := newFakeChatStore()
	researcher := &fakeResearcher{}
	s := newTestServer(store, researcher)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", chatBody(t, "",
		userTurn("what is the capital of australia"),
		assistantTurn("Canberra."),
		userTurn("how many people live there"),
	))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-User", "alice")

	rec := doRequest(s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	events := decodeNDJSON(t, rec.Body.String())
	chatID, _ := events[0]["chatId"].(string)
	require.NotEmpty(t, chatID)

	// All three submitted turns plus the assistant reply persist in order.
	chat, err := store.GetChat(context.Background(), chatID, "alice")
	require.NoError(t, err)
	require.Len(t, chat.Messages, 4)
	assert.Equal(t, "what is the capital of australia", chat.Messages[0].Text())
	assert.Equal(t, "Canberra.", chat.Messages[1].Text())
	assert.Equal(t, "how many people live there", chat.Messages[2].Text())
	assert.Equal(t, models.RoleAssistant, chat.Messages[3].Role)

	// The loop saw the full submitted history.
	assert.Contains(t, researcher.seenHistory, "Human: what is the capital of australia")
	assert.Contains(t, researcher.seenHistory, "Assistant: Canberra.")
}

func TestChatHandlerExistingChatSkipsCreatedEvent(t *testing.T) {
	store := newFakeChatStore()
	chatID := seedChat(t, store, "alice",
		models.NewUserMessage(uuid.New().String(), "earlier question"),
		models.NewAssistantMessage(uuid.New().String(), "earlier answer"),
	)

	s := newTestServer(store, &fakeResearcher{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", chatBody(t, chatID, userTurn("follow up")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-User", "alice")

	rec := doRequest(s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, ev := range decodeNDJSON(t, rec.Body.String()) {
		assert.NotEqual(t, models.PartTypeNewChatCreated, ev["type"])
	}

	// The existing title stays untouched.
	_, ok := store.titleFor(chatID)
	assert.False(t, ok)

	chat, err := store.GetChat(context.Background(), chatID, "alice")
	require.NoError(t, err)
	require.Len(t, chat.Messages, 4)
	assert.Equal(t, "follow up", chat.Messages[2].Text())
}

func TestChatHandlerDeduplicatesResubmittedTurns(t *testing.T) {
	store := newFakeChatStore()
	stored := models.NewUserMessage(uuid.New().String(), "earlier question")
	chatID := seedChat(t, store, "alice", stored)

	s := newTestServer(store, &fakeResearcher{})

	// The client resubmits the stored turn alongside the new question.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", chatBody(t, chatID,
		map[string]any{
			"id":    stored.ID,
			"role":  "user",
			"parts": []map[string]any{{"type": "text", "text": "earlier question"}},
		},
		userTurn("follow up"),
	))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-User", "alice")

	rec := doRequest(s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	chat, err := store.GetChat(context.Background(), chatID, "alice")
	require.NoError(t, err)
	require.Len(t, chat.Messages, 3)
	assert.Equal(t, "earlier question", chat.Messages[0].Text())
	assert.Equal(t, "follow up", chat.Messages[1].Text())
	assert.Equal(t, models.RoleAssistant, chat.Messages[2].Role)
}

func TestChatHandlerReadsGeoHeaders(t *testing.T) {
	researcher := &fakeResearcher{}
	s := newTestServer(newFakeChatStore(), researcher)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", chatBody(t, "", userTurn("weather tomorrow")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-User", "alice")
	req.Header.Set("X-Geo-City", "Berlin")
	req.Header.Set("X-Geo-Country", "Germany")

	rec := doRequest(s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Contains(t, researcher.seenLocation, "city: Berlin")
	assert.Contains(t, researcher.seenLocation, "country: Germany")
}

func TestChatHandlerForeignChatIsNotFound(t *testing.T) {
	store := newFakeChatStore()
	chatID := seedChat(t, store, "bob", models.NewUserMessage(uuid.New().String(), "bob's question"))

	s := newTestServer(store, &fakeResearcher{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", chatBody(t, chatID, userTurn("let me in")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-User", "alice")

	rec := doRequest(s, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatHandlerRateLimits(t *testing.T) {
	store := newFakeChatStore()
	s := newTestServer(store, &fakeResearcher{})
	s.cfg.RateLimit.MaxRequests = 1

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", chatBody(t, "", userTurn("hi")))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-User", "alice")
		return doRequest(s, req)
	}

	first := send()
	require.Equal(t, http.StatusOK, first.Code)

	second := send()
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, second.Header().Get("X-RateLimit-Reset"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.NotEmpty(t, body["retry_after"])
}

func TestChatHandlerRateLimitIsPerUser(t *testing.T) {
	store := newFakeChatStore()
	s := newTestServer(store, &fakeResearcher{})
	s.cfg.RateLimit.MaxRequests = 1

	send := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", chatBody(t, "", userTurn("hi")))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-User", user)
		return doRequest(s, req)
	}

	require.Equal(t, http.StatusOK, send("alice").Code)
	require.Equal(t, http.StatusTooManyRequests, send("alice").Code)
	assert.Equal(t, http.StatusOK, send("bob").Code)
}

func TestGetChatHandler(t *testing.T) {
	store := newFakeChatStore()
	chatID := seedChat(t, store, "alice", models.NewUserMessage(uuid.New().String(), "q"))

	s := newTestServer(store, &fakeResearcher{})

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/chat?id="+chatID, nil)
		req.Header.Set("X-Forwarded-User", "alice")
		rec := doRequest(s, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var chat models.Chat
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chat))
		assert.Equal(t, "Existing", chat.Title)
		require.Len(t, chat.Messages, 1)
	})

	t.Run("foreign owner", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/chat?id="+chatID, nil)
		req.Header.Set("X-Forwarded-User", "mallory")
		assert.Equal(t, http.StatusNotFound, doRequest(s, req).Code)
	})

	t.Run("missing id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil)
		req.Header.Set("X-Forwarded-User", "alice")
		assert.Equal(t, http.StatusBadRequest, doRequest(s, req).Code)
	})

	t.Run("non-uuid id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/chat?id=not-a-uuid", nil)
		req.Header.Set("X-Forwarded-User", "alice")
		assert.Equal(t, http.StatusBadRequest, doRequest(s, req).Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/chat?id="+chatID, nil)
		assert.Equal(t, http.StatusUnauthorized, doRequest(s, req).Code)
	})
}

func TestDeleteChatHandler(t *testing.T) {
	store := newFakeChatStore()
	chatID := seedChat(t, store, "alice", models.NewUserMessage(uuid.New().String(), "q"))

	s := newTestServer(store, &fakeResearcher{})

	del := func(id string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/chat", deleteBody(t, id))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-User", "alice")
		return doRequest(s, req)
	}

	assert.Equal(t, http.StatusBadRequest, del("").Code)
	assert.Equal(t, http.StatusBadRequest, del("not-a-uuid").Code)
	assert.Equal(t, http.StatusNoContent, del(chatID).Code)
	assert.Equal(t, http.StatusNotFound, del(chatID).Code)
}

func TestListChatsHandler(t *testing.T) {
	store := newFakeChatStore()
	seedChat(t, store, "alice", models.NewUserMessage(uuid.New().String(), "q"))
	seedChat(t, store, "alice", models.NewUserMessage(uuid.New().String(), "q"))
	seedChat(t, store, "bob", models.NewUserMessage(uuid.New().String(), "q"))

	s := newTestServer(store, &fakeResearcher{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil)
	req.Header.Set("X-Forwarded-User", "alice")
	rec := doRequest(s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var chats []models.ChatSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chats))
	assert.Len(t, chats, 2)
}

func TestHealthHandlerWithoutDependencies(t *testing.T) {
	s := newTestServer(newFakeChatStore(), &fakeResearcher{})

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}
