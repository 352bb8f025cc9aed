package inappdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tenantshowcase/inappdb/internal/storage"
	"go.uber.org/zap"
)

const testStorageKey = "inappdb-test"

// countingBackend records every write it receives on top of an in-memory backend.
type countingBackend struct {
	*storage.MemoryBackend

	mu       sync.Mutex
	writes   [][]byte
	failSets bool
}

func newCountingBackend() *countingBackend {
	return &countingBackend{MemoryBackend: storage.NewMemoryBackend()}
}

func (b *countingBackend) Set(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	if b.failSets {
		b.mu.Unlock()
		return errors.New("quota exceeded")
	}
	b.writes = append(b.writes, append([]byte(nil), value...))
	b.mu.Unlock()
	return b.MemoryBackend.Set(ctx, key, value)
}

func (b *countingBackend) writeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.writes)
}

func (b *countingBackend) lastWrite() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.writes) == 0 {
		return nil
	}
	return b.writes[len(b.writes)-1]
}

func mustStore(testContext *testing.T, backend storage.Backend, debounce time.Duration) *Store {
	testContext.Helper()
	store, err := NewStore(StoreConfig{
		Backend:    backend,
		StorageKey: testStorageKey,
		Debounce:   debounce,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	return store
}

// populate writes at least one record into every partition.
func populate(testContext *testing.T, store *Store) {
	testContext.Helper()
	if err := store.SaveUser(User{ID: "user-1", Email: "ada@example.com", Role: "authenticated", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		testContext.Fatalf("save user: %v", err)
	}
	if err := store.SetUserLanguage("user-1", LanguageFromCode("french")); err != nil {
		testContext.Fatalf("set language: %v", err)
	}
	if err := store.SetUserNotifications("user-1", false); err != nil {
		testContext.Fatalf("set notifications: %v", err)
	}
	if err := store.SaveUserLocation(UserLocation{UserID: "user-1", Latitude: 48.85, Longitude: 2.35, City: "Paris", CountryCode: "FR"}); err != nil {
		testContext.Fatalf("save location: %v", err)
	}
	store.SavePushSubscription(PushSubscription{
		Endpoint: "https://push.example.com/a",
		UserID:   "user-1",
		Keys:     PushSubscriptionKeys{P256DH: "key", Auth: "auth"},
		Enabled:  true,
	})
	if err := store.SaveTenantRequests("user-1", []TenantRequest{{
		ID:          "req-1",
		Type:        "onboarding",
		Status:      "pending",
		RequestInfo: []byte(`{"plan":"pro"}`),
		CreatedAt:   "2026-02-01T00:00:00Z",
	}}); err != nil {
		testContext.Fatalf("save tenant requests: %v", err)
	}
	if err := store.SaveUserChannelFollow(ChannelFollow{UserID: "user-1", Username: "news", FollowedAt: "2026-03-01T00:00:00Z"}); err != nil {
		testContext.Fatalf("save follow: %v", err)
	}
	if err := store.SaveChannelLastViewed(ChannelLastViewed{UserID: "user-1", Username: "news", LastViewedAt: "2026-03-02T00:00:00Z"}); err != nil {
		testContext.Fatalf("save last viewed: %v", err)
	}
	message := ChannelMessage{
		ID:           "msg-1",
		Username:     "news",
		MessageText:  "hello",
		Translations: map[string]string{"french": "bonjour"},
		LikesCount:   3,
		CreatedAt:    "2026-03-01T10:00:00Z",
	}
	store.ChannelMessages.Put(message.ID, message)
	store.ChannelActivity.Put("news", ChannelActivity{Username: "news", MessageCount: 1, LastMessage: &message, LastUpdatedAt: message.CreatedAt})
}

func waitFor(testContext *testing.T, condition func() bool) {
	testContext.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			testContext.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
