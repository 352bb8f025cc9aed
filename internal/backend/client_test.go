package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tenantshowcase/inappdb/internal/inappdb"
)

func mustClient(testContext *testing.T, server *httptest.Server) *Client {
	testContext.Helper()
	client, err := NewClient(Config{BaseURL: server.URL + "/", APIKey: "anon-key", HTTPClient: server.Client()})
	if err != nil {
		testContext.Fatalf("failed to build client: %v", err)
	}
	return client
}

func TestFetchUserInfoDecodesRawRecords(testContext *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost || request.URL.Path != userInfoPath {
			testContext.Errorf("unexpected request %s %s", request.Method, request.URL.Path)
		}
		if request.Header.Get("apikey") != "anon-key" {
			testContext.Errorf("expected apikey header")
		}
		if request.Header.Get("Authorization") != "Bearer session-token" {
			testContext.Errorf("expected access token bearer, got %q", request.Header.Get("Authorization"))
		}
		var body userInfoRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			testContext.Errorf("decode body: %v", err)
		}
		if body.UserID != "user-1" || body.IsGuest {
			testContext.Errorf("unexpected body: %#v", body)
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(writer, `{
			"success": true,
			"user": {"id": "user-1", "email": "ada@example.com"},
			"rawRecords": {
				"user_language": [{"user_id": "user-1", "language": "french"}],
				"tenant_requests": [{"id": "r1", "user_id": "user-1"}]
			}
		}`)
	}))
	defer server.Close()

	client := mustClient(testContext, server)
	client.SetAccessToken("session-token")
	info, err := client.FetchUserInfo(context.Background(), "user-1", false)
	if err != nil {
		testContext.Fatalf("fetch failed: %v", err)
	}
	data := info.RawAPIData()
	if data.User == nil || data.User.Email != "ada@example.com" {
		testContext.Fatalf("unexpected user: %#v", data.User)
	}
	if data.UserPreferences == nil || len(data.UserPreferences.UserLanguage) != 1 || len(data.UserPreferences.TenantRequests) != 1 {
		testContext.Fatalf("unexpected preferences: %#v", data.UserPreferences)
	}
}

func TestFetchUserInfoReportsFailures(testContext *testing.T) {
	testCases := []struct {
		name   string
		status int
		body   string
		code   int
	}{
		{name: "http error", status: http.StatusBadGateway, body: "upstream down", code: http.StatusBadGateway},
		{name: "success false", status: http.StatusOK, body: `{"success": false, "error": "no such user"}`, code: http.StatusOK},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				writer.WriteHeader(testCase.status)
				_, _ = io.WriteString(writer, testCase.body)
			}))
			defer server.Close()

			_, err := mustClient(testContext, server).FetchUserInfo(context.Background(), "user-1", true)
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				testContext.Fatalf("expected api error, got %v", err)
			}
			if apiErr.StatusCode != testCase.code || apiErr.Message == "" {
				testContext.Fatalf("unexpected api error: %#v", apiErr)
			}
		})
	}
}

func TestFollowAndUnfollowChannel(testContext *testing.T) {
	var calls []string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		calls = append(calls, request.Method+" "+request.URL.Path+"?"+request.URL.RawQuery)
		writer.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := mustClient(testContext, server)
	if err := client.FollowChannel(context.Background(), "user-1", "news room"); err != nil {
		testContext.Fatalf("follow failed: %v", err)
	}
	if err := client.UnfollowChannel(context.Background(), "user-1", "news room"); err != nil {
		testContext.Fatalf("unfollow failed: %v", err)
	}
	if len(calls) != 2 || calls[0] != "POST /api/channels/news room/follow?" || calls[1] != "DELETE /api/channels/news room/follow?userId=user-1" {
		testContext.Fatalf("unexpected calls: %v", calls)
	}

	if err := client.FollowChannel(context.Background(), "", "news"); !errors.Is(err, errMissingUserID) {
		testContext.Fatalf("expected missing user id error, got %v", err)
	}
}

func TestUpsertPushSubscriptionUsesEndpointConflict(testContext *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Query().Get("on_conflict") != "endpoint" {
			testContext.Errorf("expected endpoint conflict target")
		}
		if request.Header.Get("Prefer") != "resolution=merge-duplicates" {
			testContext.Errorf("expected merge preference")
		}
		var rows []inappdb.PushSubscription
		if err := json.NewDecoder(request.Body).Decode(&rows); err != nil || len(rows) != 1 {
			testContext.Errorf("unexpected body: %v %#v", err, rows)
		}
		writer.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := mustClient(testContext, server)
	if err := client.UpsertPushSubscription(context.Background(), inappdb.PushSubscription{Endpoint: "https://push/a", UserID: "user-1"}); err != nil {
		testContext.Fatalf("upsert failed: %v", err)
	}
	if err := client.UpsertPushSubscription(context.Background(), inappdb.PushSubscription{}); !errors.Is(err, errMissingEndpoint) {
		testContext.Fatalf("expected missing endpoint error, got %v", err)
	}
}

func TestNewClientRequiresBaseURL(testContext *testing.T) {
	if _, err := NewClient(Config{}); !errors.Is(err, errMissingBaseURL) {
		testContext.Fatalf("expected missing base url error, got %v", err)
	}
}
