package server

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

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tenantshowcase/inappdb/internal/auth"
	"github.com/tenantshowcase/inappdb/internal/backend"
	"github.com/tenantshowcase/inappdb/internal/inappdb"
	"github.com/tenantshowcase/inappdb/internal/realtime"
	"github.com/tenantshowcase/inappdb/internal/session"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "inappdb-auth"
	testCookieName    = "app_session"
)

// fakeAPI is a small in-memory stand-in for the remote backend.
type fakeAPI struct {
	mu         sync.Mutex
	follows    map[string]bool
	fetches    int
	failFollow bool
	pushes     int
}

func (f *fakeAPI) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writer.Header().Set("Content-Type", "application/json")
	switch {
	case request.URL.Path == "/api/user-info":
		f.fetches++
		var body struct {
			UserID string `json:"userId"`
		}
		_ = json.NewDecoder(request.Body).Decode(&body)
		prefs := inappdb.UserPreferences{}
		for username := range f.follows {
			prefs.ChannelFollows = append(prefs.ChannelFollows, inappdb.ChannelFollow{UserID: body.UserID, Username: username})
		}
		_ = json.NewEncoder(writer).Encode(map[string]any{
			"success":    true,
			"user":       inappdb.User{ID: body.UserID, Email: "ada@example.com"},
			"rawRecords": prefs,
		})
	case strings.HasPrefix(request.URL.Path, "/api/channels/") && strings.HasSuffix(request.URL.Path, "/follow"):
		if f.failFollow {
			writer.WriteHeader(http.StatusInternalServerError)
			_, _ = writer.Write([]byte(`{"error":"down"}`))
			return
		}
		username := strings.TrimSuffix(strings.TrimPrefix(request.URL.Path, "/api/channels/"), "/follow")
		if request.Method == http.MethodDelete {
			delete(f.follows, username)
		} else {
			f.follows[username] = true
		}
		_, _ = writer.Write([]byte(`{"success":true}`))
	case request.URL.Path == "/rest/v1/push_subscriptions":
		f.pushes++
		writer.WriteHeader(http.StatusCreated)
	default:
		writer.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeAPI) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type routerHarness struct {
	handler    http.Handler
	api        *fakeAPI
	store      *inappdb.Store
	dispatcher *realtime.Dispatcher
	feed       *realtime.FeedState
}

func newRouterHarness(testContext *testing.T) *routerHarness {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	api := &fakeAPI{follows: make(map[string]bool)}
	apiServer := httptest.NewServer(api)
	testContext.Cleanup(apiServer.Close)

	store, err := inappdb.NewStore(inappdb.StoreConfig{StorageKey: "inappdb-test", Debounce: time.Hour})
	if err != nil {
		testContext.Fatalf("new store: %v", err)
	}
	testContext.Cleanup(store.Close)

	client, err := backend.NewClient(backend.Config{BaseURL: apiServer.URL, APIKey: "anon-key", HTTPClient: apiServer.Client()})
	if err != nil {
		testContext.Fatalf("new client: %v", err)
	}
	orchestrator, err := session.NewOrchestrator(session.OrchestratorConfig{
		Store:      store,
		Backend:    client,
		IDProvider: session.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("new orchestrator: %v", err)
	}
	testContext.Cleanup(orchestrator.Close)
	orchestrator.Start()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		testContext.Fatalf("new validator: %v", err)
	}

	dispatcher := realtime.NewDispatcher()
	feed := realtime.NewFeedState(0)
	handler, err := NewHTTPHandler(Dependencies{
		Validator: validator,
		Sessions:  orchestrator,
		Store:     store,
		Realtime:  dispatcher,
		Feed:      feed,
		Heartbeat: time.Hour,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("new handler: %v", err)
	}
	return &routerHarness{handler: handler, api: api, store: store, dispatcher: dispatcher, feed: feed}
}

func (h *routerHarness) do(method, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	request := httptest.NewRequest(method, path, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	for _, fn := range mutate {
		fn(request)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func mintToken(testContext *testing.T, userID string, expiresIn time.Duration) string {
	testContext.Helper()
	claims := auth.SessionClaims{
		UserID:    userID,
		UserEmail: "session@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		testContext.Fatalf("sign token: %v", err)
	}
	return token
}

func decodeBody(testContext *testing.T, recorder *httptest.ResponseRecorder, out any) {
	testContext.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
		testContext.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
}

func waitUntil(testContext *testing.T, condition func() bool) {
	testContext.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			testContext.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// signIn signs userID in and waits for the background reconciliation to land, which
// replaces the session-synthesized email with the backend one.
func (h *routerHarness) signIn(testContext *testing.T, userID string) {
	testContext.Helper()
	recorder := h.do(http.MethodPost, "/session", `{"token":"`+mintToken(testContext, userID, time.Hour)+`"}`)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("sign in: %d %s", recorder.Code, recorder.Body.String())
	}
	waitUntil(testContext, func() bool {
		user, ok := h.store.GetUser(userID)
		return ok && user.Email == "ada@example.com"
	})
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func TestMeRequiresCurrentUser(testContext *testing.T) {
	harness := newRouterHarness(testContext)
	recorder := harness.do(http.MethodGet, "/me", "")
	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected 401, got %d", recorder.Code)
	}
	var body errorBody
	decodeBody(testContext, recorder, &body)
	if body.Code != "server.no_current_user" {
		testContext.Fatalf("unexpected code %q", body.Code)
	}
}

func TestGuestSessionServesLocalPreferences(testContext *testing.T) {
	harness := newRouterHarness(testContext)

	recorder := harness.do(http.MethodPost, "/session/guest", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var info session.UserInfo
	decodeBody(testContext, recorder, &info)
	if !info.User.IsGuest() || info.User.ID == "" {
		testContext.Fatalf("expected guest user, got %+v", info.User)
	}

	recorder = harness.do(http.MethodGet, "/me/language", "")
	var language struct {
		Language string `json:"language"`
		Stored   bool   `json:"stored"`
	}
	decodeBody(testContext, recorder, &language)
	if language.Language != inappdb.DefaultLanguage || language.Stored {
		testContext.Fatalf("expected default language, got %+v", language)
	}

	recorder = harness.do(http.MethodPut, "/me/language", `{"language":[{"user_id":"x","language":"french"}]}`)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("set language: %d %s", recorder.Code, recorder.Body.String())
	}
	decodeBody(testContext, harness.do(http.MethodGet, "/me/language", ""), &language)
	if language.Language != "french" || !language.Stored {
		testContext.Fatalf("expected french, got %+v", language)
	}

	recorder = harness.do(http.MethodPut, "/me/notifications", `{"enabled":false}`)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("set notifications: %d %s", recorder.Code, recorder.Body.String())
	}
	var notifications struct {
		Enabled bool `json:"enabled"`
	}
	decodeBody(testContext, harness.do(http.MethodGet, "/me/notifications", ""), &notifications)
	if notifications.Enabled {
		testContext.Fatal("expected notifications to be disabled")
	}

	recorder = harness.do(http.MethodGet, "/me", "")
	decodeBody(testContext, recorder, &info)
	if info.Source != session.SourceLocal || info.Language != "french" {
		testContext.Fatalf("expected local info with french, got %+v", info)
	}
	if harness.api.fetchCount() != 0 {
		testContext.Fatalf("guest must not reach the backend, got %d fetches", harness.api.fetchCount())
	}
}

func TestGuestCannotFollow(testContext *testing.T) {
	harness := newRouterHarness(testContext)
	harness.do(http.MethodPost, "/session/guest", "")

	recorder := harness.do(http.MethodPost, "/channels/news/follow", "")
	if recorder.Code != http.StatusForbidden {
		testContext.Fatalf("expected 403, got %d", recorder.Code)
	}
	var body errorBody
	decodeBody(testContext, recorder, &body)
	if body.Code != "session.follow_channel.guest_user" {
		testContext.Fatalf("unexpected code %q", body.Code)
	}
}

func TestSignInWithTokenBody(testContext *testing.T) {
	harness := newRouterHarness(testContext)
	token := mintToken(testContext, "user-1", time.Hour)

	recorder := harness.do(http.MethodPost, "/session", `{"token":"`+token+`"}`)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var info session.UserInfo
	decodeBody(testContext, recorder, &info)
	if info.User.ID != "user-1" || info.Source != session.SourceSession {
		testContext.Fatalf("unexpected sign-in info %+v", info)
	}
	waitUntil(testContext, func() bool { return harness.api.fetchCount() >= 1 })
}

func TestSignInWithCookie(testContext *testing.T) {
	harness := newRouterHarness(testContext)
	token := mintToken(testContext, "user-2", time.Hour)

	recorder := harness.do(http.MethodPost, "/session", "", func(request *http.Request) {
		request.AddCookie(&http.Cookie{Name: testCookieName, Value: token})
	})
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestSignInRejectsInvalidTokens(testContext *testing.T) {
	harness := newRouterHarness(testContext)
	testCases := map[string]string{
		"expired": mintToken(testContext, "user-1", -time.Minute),
		"garbage": "not-a-jwt",
	}
	for name, token := range testCases {
		testContext.Run(name, func(testContext *testing.T) {
			recorder := harness.do(http.MethodPost, "/session", `{"token":"`+token+`"}`)
			if recorder.Code != http.StatusUnauthorized {
				testContext.Fatalf("expected 401, got %d", recorder.Code)
			}
		})
	}
	if recorder := harness.do(http.MethodPost, "/session", ""); recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 without credentials, got %d", recorder.Code)
	}
}

func TestFollowAndUnfollowRoundTrip(testContext *testing.T) {
	harness := newRouterHarness(testContext)
	harness.signIn(testContext, "user-1")

	recorder := harness.do(http.MethodPost, "/channels/news/follow", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("follow: %d %s", recorder.Code, recorder.Body.String())
	}
	if !harness.store.IsFollowingChannel("user-1", "news") {
		testContext.Fatal("expected local follow after backend success")
	}
	var follows struct {
		Follows []inappdb.ChannelFollow `json:"follows"`
	}
	decodeBody(testContext, harness.do(http.MethodGet, "/me/follows", ""), &follows)
	if len(follows.Follows) != 1 || follows.Follows[0].Username != "news" {
		testContext.Fatalf("unexpected follows %+v", follows.Follows)
	}

	recorder = harness.do(http.MethodDelete, "/channels/news/follow", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unfollow: %d %s", recorder.Code, recorder.Body.String())
	}
	if harness.store.IsFollowingChannel("user-1", "news") {
		testContext.Fatal("expected follow to be removed")
	}
}

func TestFollowBackendFailureSurfaces(testContext *testing.T) {
	harness := newRouterHarness(testContext)
	harness.signIn(testContext, "user-1")
	harness.api.mu.Lock()
	harness.api.failFollow = true
	harness.api.mu.Unlock()

	recorder := harness.do(http.MethodPost, "/channels/news/follow", "")
	if recorder.Code != http.StatusBadGateway {
		testContext.Fatalf("expected 502, got %d", recorder.Code)
	}
	var body errorBody
	decodeBody(testContext, recorder, &body)
	if body.Code != "session.follow_channel.backend_failed" {
		testContext.Fatalf("unexpected code %q", body.Code)
	}
	if harness.store.IsFollowingChannel("user-1", "news") {
		testContext.Fatal("failed follow must not touch the store")
	}
}

func TestRegisterPushSubscription(testContext *testing.T) {
	harness := newRouterHarness(testContext)
	harness.signIn(testContext, "user-1")

	if recorder := harness.do(http.MethodPost, "/me/push-subscriptions", `{"enabled":true}`); recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected 400 without endpoint, got %d", recorder.Code)
	}
	recorder := harness.do(http.MethodPost, "/me/push-subscriptions", `{"endpoint":"https://push.example/1","enabled":true}`)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("register: %d %s", recorder.Code, recorder.Body.String())
	}
	if subscriptions := harness.store.GetPushSubscriptions("user-1"); len(subscriptions) != 1 {
		testContext.Fatalf("expected cached subscription, got %d", len(subscriptions))
	}
}

func TestSignOutClearsSession(testContext *testing.T) {
	harness := newRouterHarness(testContext)
	harness.do(http.MethodPost, "/session/guest", "")

	if recorder := harness.do(http.MethodDelete, "/session", ""); recorder.Code != http.StatusNoContent {
		testContext.Fatalf("expected 204, got %d", recorder.Code)
	}
	if recorder := harness.do(http.MethodGet, "/me", ""); recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 after sign-out, got %d", recorder.Code)
	}
	if harness.store.Users.Len() != 0 {
		testContext.Fatal("expected store to be cleared")
	}
}

func TestChannelMessagesReadPersistedCache(testContext *testing.T) {
	harness := newRouterHarness(testContext)
	harness.store.ChannelMessages.Put("m1", inappdb.ChannelMessage{ID: "m1", Username: "news", CreatedAt: "2026-01-01T00:00:00Z"})
	harness.store.ChannelActivity.Put("news", inappdb.ChannelActivity{Username: "news", MessageCount: 1})

	var body struct {
		Messages []inappdb.ChannelMessage `json:"messages"`
		Activity *inappdb.ChannelActivity `json:"activity"`
	}
	decodeBody(testContext, harness.do(http.MethodGet, "/channels/news/messages", ""), &body)
	if len(body.Messages) != 1 || body.Activity == nil || body.Activity.MessageCount != 1 {
		testContext.Fatalf("unexpected channel payload %+v", body)
	}
}

func TestFeedSnapshot(testContext *testing.T) {
	harness := newRouterHarness(testContext)
	harness.feed.Apply([]realtime.Event{{
		Type:    realtime.EventInsert,
		Message: &inappdb.ChannelMessage{ID: "m1", Username: "news"},
	}})

	var update realtime.FeedUpdate
	decodeBody(testContext, harness.do(http.MethodGet, "/feed/news", ""), &update)
	if update.Channel != "news" || len(update.Messages) != 1 {
		testContext.Fatalf("unexpected feed %+v", update)
	}
}

func TestEventStreamEmitsSnapshotThenUpdates(testContext *testing.T) {
	harness := newRouterHarness(testContext)
	server := httptest.NewServer(harness.handler)
	testContext.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events/news", http.NoBody)
	if err != nil {
		testContext.Fatalf("build request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("open stream: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected stream status %d", response.StatusCode)
	}

	reader := bufio.NewReader(response.Body)
	readFeedEvent := func() realtime.FeedUpdate {
		type readResult struct {
			line string
			err  error
		}
		eventType := ""
		deadline := time.After(3 * time.Second)
		for {
			results := make(chan readResult, 1)
			go func() {
				line, err := reader.ReadString('\n')
				results <- readResult{line: line, err: err}
			}()
			select {
			case <-deadline:
				testContext.Fatal("timed out waiting for feed event")
			case result := <-results:
				if result.err != nil {
					testContext.Fatalf("read stream: %v", result.err)
				}
				line := strings.TrimSpace(result.line)
				if strings.HasPrefix(line, "event:") {
					eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
					continue
				}
				if !strings.HasPrefix(line, "data:") || eventType != realtimeEventFeed {
					continue
				}
				var update realtime.FeedUpdate
				if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &update); err != nil {
					testContext.Fatalf("decode event: %v", err)
				}
				return update
			}
		}
	}

	if snapshot := readFeedEvent(); snapshot.Channel != "news" || len(snapshot.Messages) != 0 {
		testContext.Fatalf("unexpected initial snapshot %+v", snapshot)
	}
	waitUntil(testContext, func() bool { return harness.dispatcher.SubscriberCount("news") == 1 })
	harness.dispatcher.Publish(realtime.FeedUpdate{
		Channel:  "news",
		Messages: []inappdb.ChannelMessage{{ID: "m1", Username: "news"}},
	})
	if update := readFeedEvent(); len(update.Messages) != 1 || update.Messages[0].ID != "m1" {
		testContext.Fatalf("unexpected update %+v", update)
	}
}

func TestCORSPreflightAllowsCredentials(testContext *testing.T) {
	harness := newRouterHarness(testContext)
	recorder := harness.do(http.MethodOptions, "/me", "", func(request *http.Request) {
		request.Header.Set("Origin", "http://localhost:5173")
		request.Header.Set("Access-Control-Request-Method", http.MethodGet)
		request.Header.Set("Access-Control-Request-Headers", "Authorization")
	})
	if recorder.Code != http.StatusNoContent {
		testContext.Fatalf("expected 204, got %d", recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		testContext.Fatal("expected credentials to be allowed")
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:5173" {
		testContext.Fatalf("unexpected allowed origin %q", origin)
	}
}

func TestHealthAndMetrics(testContext *testing.T) {
	harness := newRouterHarness(testContext)
	if recorder := harness.do(http.MethodGet, "/healthz", ""); recorder.Code != http.StatusOK {
		testContext.Fatalf("healthz: %d", recorder.Code)
	}
	recorder := harness.do(http.MethodGet, "/metrics", "")
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "go_goroutines") {
		testContext.Fatalf("metrics: %d", recorder.Code)
	}
}

func TestNewHTTPHandlerValidatesDependencies(testContext *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingValidator {
		testContext.Fatalf("expected errMissingValidator, got %v", err)
	}
}
