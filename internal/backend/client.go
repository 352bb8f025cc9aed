// Package backend calls the remote REST/Postgrest-style API the local cache mirrors.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tenantshowcase/inappdb/internal/inappdb"
	"go.uber.org/zap"
)

const (
	userInfoPath          = "/api/user-info"
	followPathFormat      = "/api/channels/%s/follow"
	pushSubscriptionsPath = "/rest/v1/push_subscriptions"

	defaultTimeout    = 30 * time.Second
	maxErrorBodyBytes = 4096
)

var (
	errMissingBaseURL  = errors.New("backend: base url is required")
	errMissingUserID   = errors.New("backend: user id is required")
	errMissingChannel  = errors.New("backend: channel username is required")
	errMissingEndpoint = errors.New("backend: push subscription endpoint is required")
)

// APIError is returned for non-2xx responses and for payloads reporting success=false.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend: request failed with status %d: %s", e.StatusCode, e.Message)
}

// Config describes a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client performs the bulk user-info fetch, follow/unfollow and push-subscription upsert calls.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger

	tokenMu     sync.RWMutex
	accessToken string
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("backend: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// SetAccessToken sets the bearer token sent with every request. An empty token falls back to the api key.
func (c *Client) SetAccessToken(token string) {
	c.tokenMu.Lock()
	c.accessToken = token
	c.tokenMu.Unlock()
}

// UserInfo is the decoded bulk user-info response.
type UserInfo struct {
	Success    bool                     `json:"success"`
	Error      string                   `json:"error,omitempty"`
	User       *inappdb.User            `json:"user"`
	RawRecords *inappdb.UserPreferences `json:"rawRecords"`
}

// RawAPIData adapts the response to the reconciler input.
func (u UserInfo) RawAPIData() inappdb.RawAPIData {
	return inappdb.RawAPIData{User: u.User, UserPreferences: u.RawRecords}
}

type userInfoRequest struct {
	UserID  string `json:"userId"`
	IsGuest bool   `json:"isGuest"`
}

// FetchUserInfo requests everything the backend holds for userID.
func (c *Client) FetchUserInfo(ctx context.Context, userID string, isGuest bool) (UserInfo, error) {
	if strings.TrimSpace(userID) == "" {
		return UserInfo{}, errMissingUserID
	}
	var info UserInfo
	if err := c.do(ctx, http.MethodPost, userInfoPath, userInfoRequest{UserID: userID, IsGuest: isGuest}, nil, &info); err != nil {
		return UserInfo{}, err
	}
	if !info.Success {
		return UserInfo{}, &APIError{StatusCode: http.StatusOK, Message: info.Error}
	}
	return info, nil
}

type followRequest struct {
	UserID string `json:"userId"`
}

// FollowChannel records that userID follows username.
func (c *Client) FollowChannel(ctx context.Context, userID, username string) error {
	path, err := followPath(userID, username)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, followRequest{UserID: userID}, nil, nil)
}

// UnfollowChannel removes the follow of username by userID.
func (c *Client) UnfollowChannel(ctx context.Context, userID, username string) error {
	path, err := followPath(userID, username)
	if err != nil {
		return err
	}
	query := url.Values{"userId": []string{userID}}
	return c.do(ctx, http.MethodDelete, path, nil, query, nil)
}

// UpsertPushSubscription inserts or merges subscription keyed by its endpoint.
func (c *Client) UpsertPushSubscription(ctx context.Context, subscription inappdb.PushSubscription) error {
	if strings.TrimSpace(subscription.Endpoint) == "" {
		return errMissingEndpoint
	}
	query := url.Values{"on_conflict": []string{"endpoint"}}
	return c.do(ctx, http.MethodPost, pushSubscriptionsPath, []inappdb.PushSubscription{subscription}, query, nil)
}

func followPath(userID, username string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errMissingUserID
	}
	if strings.TrimSpace(username) == "" {
		return "", errMissingChannel
	}
	return fmt.Sprintf(followPathFormat, url.PathEscape(username)), nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if path == pushSubscriptionsPath {
		request.Header.Set("Prefer", "resolution=merge-duplicates")
	}
	if c.apiKey != "" {
		request.Header.Set("apikey", c.apiKey)
	}
	if bearer := c.bearer(); bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return &APIError{StatusCode: response.StatusCode, Message: strings.TrimSpace(string(message))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode response: %w", err)
	}
	return nil
}

func (c *Client) bearer() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	if c.accessToken != "" {
		return c.accessToken
	}
	return c.apiKey
}
