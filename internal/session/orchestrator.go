// Package session resolves the current user and keeps derived user info fresh.
//
// Cold start prefers the locally persisted user (offline-first) and reconciles with the
// backend in the background. Network fetches are bounded by a per-user TTL cache, a
// minimum interval between fetches and in-flight de-duplication; every fetch runs under
// a timeout so a hung request cannot pin the in-flight slot.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tenantshowcase/inappdb/internal/auth"
	"github.com/tenantshowcase/inappdb/internal/backend"
	"github.com/tenantshowcase/inappdb/internal/inappdb"
	"github.com/tenantshowcase/inappdb/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheTTL     = 5 * time.Minute
	DefaultMinInterval  = 30 * time.Second
	DefaultFetchTimeout = 15 * time.Second
)

// Source tells where a UserInfo value was derived from.
type Source string

const (
	SourceLocal   Source = "local"
	SourceSession Source = "session"
	SourceNetwork Source = "network"
)

// Backend is the subset of the remote API the orchestrator drives.
type Backend interface {
	FetchUserInfo(ctx context.Context, userID string, isGuest bool) (backend.UserInfo, error)
	FollowChannel(ctx context.Context, userID, username string) error
	UnfollowChannel(ctx context.Context, userID, username string) error
	UpsertPushSubscription(ctx context.Context, subscription inappdb.PushSubscription) error
	SetAccessToken(token string)
}

// UserInfo is the derived view of the current user served to the UI.
type UserInfo struct {
	User                 inappdb.User            `json:"user"`
	Language             string                  `json:"language,omitempty"`
	NotificationsEnabled bool                    `json:"notifications_enabled"`
	Follows              []inappdb.ChannelFollow `json:"follows"`
	TenantRequests       []inappdb.TenantRequest `json:"tenant_requests"`
	Source               Source                  `json:"source"`
}

// OrchestratorConfig describes the dependencies of an Orchestrator.
type OrchestratorConfig struct {
	Store        *inappdb.Store
	Backend      Backend
	IDProvider   IDProvider
	Clock        func() time.Time
	Logger       *zap.Logger
	CacheTTL     time.Duration
	MinInterval  time.Duration
	FetchTimeout time.Duration
}

// Orchestrator owns the current-user state machine.
type Orchestrator struct {
	store        *inappdb.Store
	backend      Backend
	idProvider   IDProvider
	clock        func() time.Time
	logger       *zap.Logger
	minInterval  time.Duration
	fetchTimeout time.Duration

	cache *infoCache
	group singleflight.Group

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// reconcileMu orders applying a fetched payload against SignOut's clear.
	reconcileMu     sync.Mutex
	beforeReconcile func()

	mu         sync.RWMutex
	current    *UserInfo
	loading    bool
	lastFetch  map[string]time.Time
	generation uint64
}

// NewOrchestrator validates cfg and returns an idle Orchestrator. Call Start to run the cold start.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opNew, "missing_store", errMissingStore)
	}
	if cfg.Backend == nil {
		return nil, newServiceError(opNew, "missing_backend", errMissingBackend)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:        cfg.Store,
		backend:      cfg.Backend,
		idProvider:   cfg.IDProvider,
		clock:        clock,
		logger:       logger,
		minInterval:  minInterval,
		fetchTimeout: fetchTimeout,
		cache:        newInfoCache(ttl, clock),
		baseCtx:      baseCtx,
		cancel:       cancel,
		loading:      true,
		lastFetch:    make(map[string]time.Time),
	}, nil
}

// Start runs the cold start: a locally persisted user becomes current immediately and,
// unless it is a guest, is reconciled with the backend in the background. Without a
// local user the orchestrator waits for SignIn or StartGuest.
func (o *Orchestrator) Start() {
	user, ok := o.store.FirstUser()
	if !ok {
		o.mu.Lock()
		o.loading = false
		o.mu.Unlock()
		o.logger.Info("cold start without local user")
		return
	}

	info := o.derive(user.ID, SourceLocal)
	o.mu.Lock()
	o.current = &info
	o.loading = false
	o.mu.Unlock()
	o.logger.Info("cold start from local user",
		zap.String("user_id", user.ID),
		zap.Bool("guest", user.IsGuest()))

	if !user.IsGuest() {
		o.reconcileInBackground(user.ID)
	}
}

// SignIn adopts a validated backend session. A minimal user record is synthesized from
// the session claims at once; the full payload is fetched in the background.
func (o *Orchestrator) SignIn(session auth.Session) (UserInfo, error) {
	userID := canonicalUserID(session.Claims)
	if userID == "" {
		o.logError(opSignIn, "missing_identity", errMissingIdentity)
		return UserInfo{}, newServiceError(opSignIn, "missing_identity", errMissingIdentity)
	}

	user, existing := o.store.GetUser(userID)
	user.ID = userID
	if email := strings.TrimSpace(session.Claims.UserEmail); email != "" {
		user.Email = email
	}
	if role := strings.TrimSpace(session.Claims.UserRole); role != "" {
		user.Role = role
	}
	if user.Role == inappdb.RoleGuest {
		user.Role = ""
	}
	now := o.clock().UTC().Format(time.RFC3339)
	if !existing {
		user.CreatedAt = now
	}
	user.LastSignInAt = now
	if err := o.store.SaveUser(user); err != nil {
		o.logError(opSignIn, "save_user_failed", err, zap.String("user_id", userID))
		return UserInfo{}, newServiceError(opSignIn, "save_user_failed", err)
	}

	o.backend.SetAccessToken(session.Token)
	info := o.derive(userID, SourceSession)
	o.mu.Lock()
	o.current = &info
	o.loading = false
	o.mu.Unlock()

	o.reconcileInBackground(userID)
	return info, nil
}

// StartGuest creates a local-only guest identity and makes it current.
func (o *Orchestrator) StartGuest() (UserInfo, error) {
	id, err := o.idProvider.NewID()
	if err != nil {
		o.logError(opStartGuest, "id_generation_failed", err)
		return UserInfo{}, newServiceError(opStartGuest, "id_generation_failed", err)
	}
	now := o.clock().UTC().Format(time.RFC3339)
	user := inappdb.User{ID: id, Role: inappdb.RoleGuest, CreatedAt: now, LastSignInAt: now}
	if err := o.store.SaveUser(user); err != nil {
		o.logError(opStartGuest, "save_user_failed", err)
		return UserInfo{}, newServiceError(opStartGuest, "save_user_failed", err)
	}
	info := o.derive(id, SourceLocal)
	o.mu.Lock()
	o.current = &info
	o.loading = false
	o.mu.Unlock()
	return info, nil
}

// SignOut forgets the current user: every partition, the TTL cache and the fetch
// history are cleared and persistence is flushed at once.
func (o *Orchestrator) SignOut() {
	o.reconcileMu.Lock()
	o.mu.Lock()
	o.current = nil
	o.generation++
	o.lastFetch = make(map[string]time.Time)
	o.mu.Unlock()

	o.cache.Clear()
	o.backend.SetAccessToken("")
	o.store.ClearAll()
	o.reconcileMu.Unlock()
	o.store.Flush()
	o.logger.Info("signed out")
}

// Current returns the current user info, if anyone is signed in.
func (o *Orchestrator) Current() (UserInfo, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current == nil {
		return UserInfo{}, false
	}
	return *o.current, true
}

// Loading reports whether the cold start has not completed yet.
func (o *Orchestrator) Loading() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.loading
}

// FetchUserInfo returns fresh user info for userID while bounding network traffic: a
// live TTL entry or a fetch younger than the minimum interval is answered locally, and
// concurrent callers share one request. Guests are served locally.
func (o *Orchestrator) FetchUserInfo(ctx context.Context, userID string) (UserInfo, error) {
	if cached, ok := o.cache.Get(userID); ok {
		metrics.ObserveUserInfoFetch(metrics.FetchResultCacheHit)
		return cached, nil
	}
	user, _ := o.store.GetUser(userID)
	if user.IsGuest() {
		return o.derive(userID, SourceLocal), nil
	}
	if o.throttled(userID) {
		metrics.ObserveUserInfoFetch(metrics.FetchResultThrottled)
		return o.derive(userID, SourceLocal), nil
	}
	info, err := o.sharedFetch(ctx, userID, false)
	if err != nil {
		return UserInfo{}, newServiceError(opFetch, "network_failed", err)
	}
	return info, nil
}

// RefreshUserInfo forces a network fetch past the TTL cache and the minimum-interval
// guard. Concurrent refreshes still share one request.
func (o *Orchestrator) RefreshUserInfo(ctx context.Context, userID string) (UserInfo, error) {
	o.mu.Lock()
	delete(o.lastFetch, userID)
	o.mu.Unlock()
	o.cache.Delete(userID)

	user, _ := o.store.GetUser(userID)
	info, err := o.sharedFetch(ctx, userID, user.IsGuest())
	if err != nil {
		o.logError(opRefresh, "network_failed", err, zap.String("user_id", userID))
		return UserInfo{}, newServiceError(opRefresh, "network_failed", err)
	}
	return info, nil
}

// Close cancels in-flight fetches and waits for background reconciliation to stop.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) reconcileInBackground(userID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.FetchUserInfo(o.baseCtx, userID); err != nil {
			// optimistic local state stays in place
			o.logger.Warn("background reconciliation failed",
				zap.String("operation", opBackground),
				zap.String("reason", "network_failed"),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}()
}

func (o *Orchestrator) throttled(userID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	last, ok := o.lastFetch[userID]
	return ok && o.clock().Sub(last) < o.minInterval
}

func (o *Orchestrator) sharedFetch(ctx context.Context, userID string, isGuest bool) (UserInfo, error) {
	results := o.group.DoChan(userID, func() (interface{}, error) {
		return o.fetchAndReconcile(userID, isGuest)
	})
	select {
	case result := <-results:
		if result.Shared {
			metrics.ObserveUserInfoFetch(metrics.FetchResultShared)
		}
		if result.Err != nil {
			return UserInfo{}, result.Err
		}
		return result.Val.(UserInfo), nil
	case <-ctx.Done():
		return UserInfo{}, ctx.Err()
	}
}

// fetchAndReconcile runs detached from any single caller's context so that a caller
// giving up does not fail the others sharing the request.
func (o *Orchestrator) fetchAndReconcile(userID string, isGuest bool) (UserInfo, error) {
	o.mu.RLock()
	generation := o.generation
	o.mu.RUnlock()

	ctx, cancel := context.WithTimeout(o.baseCtx, o.fetchTimeout)
	defer cancel()
	payload, err := o.backend.FetchUserInfo(ctx, userID, isGuest)

	// held until the payload is in the store so a concurrent SignOut cannot clear in between
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()
	o.mu.Lock()
	stale := generation != o.generation
	if !stale {
		o.lastFetch[userID] = o.clock()
	}
	o.mu.Unlock()

	if err != nil {
		metrics.ObserveUserInfoFetch(metrics.FetchResultError)
		return UserInfo{}, err
	}
	metrics.ObserveUserInfoFetch(metrics.FetchResultNetwork)
	if stale {
		o.logger.Info("discarded user info fetched across sign-out", zap.String("user_id", userID))
		return o.derive(userID, SourceNetwork), nil
	}

	if o.beforeReconcile != nil {
		o.beforeReconcile()
	}
	o.store.SaveRawAPIData(userID, payload.RawAPIData())
	info := o.derive(userID, SourceNetwork)
	o.cache.Set(userID, info)
	o.publish(userID, info)
	return info, nil
}

// refreshDerived recomputes the derived info of userID after a local mutation.
func (o *Orchestrator) refreshDerived(userID string) UserInfo {
	info := o.derive(userID, SourceLocal)
	o.cache.Update(userID, info)
	o.publish(userID, info)
	return info
}

func (o *Orchestrator) publish(userID string, info UserInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil && o.current.User.ID == userID {
		o.current = &info
	}
}

func (o *Orchestrator) derive(userID string, source Source) UserInfo {
	user, ok := o.store.GetUser(userID)
	if !ok {
		user = inappdb.User{ID: userID}
	}
	language, _ := o.store.GetUserLanguage(userID)
	return UserInfo{
		User:                 user,
		Language:             language,
		NotificationsEnabled: o.store.GetUserNotifications(userID),
		Follows:              o.store.GetUserChannelFollow(userID),
		TenantRequests:       o.store.GetTenantRequests(userID),
		Source:               source,
	}
}

func (o *Orchestrator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	o.logger.Error("session orchestrator error", attrs...)
}
