package inappdb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PartitionName identifies one of the store's independent entity maps.
type PartitionName string

const (
	PartitionUsers             PartitionName = "users"
	PartitionChannelMessages   PartitionName = "channels_messages"
	PartitionChannelActivity   PartitionName = "channels_activity"
	PartitionUserLanguage      PartitionName = "user_language"
	PartitionUserNotifications PartitionName = "user_notifications"
	PartitionPushSubscriptions PartitionName = "push_subscriptions"
	PartitionTenantRequests    PartitionName = "tenant_requests"
	PartitionUserLocation      PartitionName = "user_location"
	PartitionChannelFollows    PartitionName = "user_channel_follow"
	PartitionChannelLastViewed PartitionName = "user_channel_last_viewed"
)

// RoleGuest marks a local-only identity that never reconciles on cold start.
const RoleGuest = "guest"

// compositeKeySeparator joins the parts of composite keys. User ids and channel
// usernames must not contain it.
const compositeKeySeparator = "::"

var (
	// ErrInvalidCompositeKey indicates a composite key part is empty or contains the separator.
	ErrInvalidCompositeKey = errors.New("inappdb: invalid composite key")
	// ErrInvalidUserID indicates that a user identifier is empty.
	ErrInvalidUserID = errors.New("inappdb: invalid user id")
)

// CompositeKey joins parts with the fixed separator, rejecting parts that would collide.
func CompositeKey(parts ...string) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: no parts", ErrInvalidCompositeKey)
	}
	for _, part := range parts {
		if part == "" {
			return "", fmt.Errorf("%w: empty part", ErrInvalidCompositeKey)
		}
		if strings.Contains(part, compositeKeySeparator) {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidCompositeKey, part, compositeKeySeparator)
		}
	}
	return strings.Join(parts, compositeKeySeparator), nil
}

// User is one signed-in or guest identity.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email,omitempty"`
	Role         string `json:"role,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	LastSignInAt string `json:"last_sign_in_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// IsGuest reports whether the user is a local guest identity.
func (u User) IsGuest() bool {
	return u.Role == RoleGuest
}

// UserLanguage is the preferred language of a user.
type UserLanguage struct {
	UserID   string `json:"user_id"`
	Language string `json:"language"`
}

// UserNotificationPref stores whether notifications are enabled for a user.
type UserNotificationPref struct {
	UserID     string `json:"user_id"`
	Enabled    bool   `json:"enabled"`
	LastViewed string `json:"last_viewed,omitempty"`
}

// UserLocation is the last known location of a user.
type UserLocation struct {
	UserID      string  `json:"user_id"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	City        string  `json:"city,omitempty"`
	Region      string  `json:"region,omitempty"`
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	Timezone    string  `json:"timezone,omitempty"`
	LastUpdated string  `json:"last_updated,omitempty"`
}

// PushSubscriptionKeys holds the web-push encryption keys of a subscription.
type PushSubscriptionKeys struct {
	P256DH string `json:"p256dh,omitempty"`
	Auth   string `json:"auth,omitempty"`
}

// PushSubscription is one device/browser pairing, identified by its endpoint.
type PushSubscription struct {
	Endpoint   string               `json:"endpoint"`
	UserID     string               `json:"user_id,omitempty"`
	Keys       PushSubscriptionKeys `json:"keys"`
	DeviceType string               `json:"device_type,omitempty"`
	Browser    string               `json:"browser,omitempty"`
	OS         string               `json:"os,omitempty"`
	UserAgent  string               `json:"user_agent,omitempty"`
	Enabled    bool                 `json:"enabled"`
	CreatedAt  string               `json:"created_at,omitempty"`
	UpdatedAt  string               `json:"updated_at,omitempty"`
}

// TenantRequest is a tenant onboarding or configuration request owned by a user.
type TenantRequest struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Type        string          `json:"type,omitempty"`
	Status      string          `json:"status,omitempty"`
	RequestInfo json.RawMessage `json:"requestInfo,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
	UpdatedAt   string          `json:"updated_at,omitempty"`
}

// ChannelFollow records that a user follows a channel.
type ChannelFollow struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	FollowedAt string `json:"followed_at,omitempty"`
}

// ChannelLastViewed records when a user last opened a channel.
type ChannelLastViewed struct {
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	LastViewedAt string `json:"last_viewed_at,omitempty"`
}

// ChannelMessage is one message posted to a channel.
type ChannelMessage struct {
	ID           string            `json:"id"`
	Username     string            `json:"username"`
	MessageText  string            `json:"message_text,omitempty"`
	Translations map[string]string `json:"translations,omitempty"`
	LikesCount   int64             `json:"likes_count,omitempty"`
	ViewsCount   int64             `json:"views_count,omitempty"`
	CreatedAt    string            `json:"created_at,omitempty"`
	UpdatedAt    string            `json:"updated_at,omitempty"`
}

// ChannelActivity summarizes the latest state of a channel.
type ChannelActivity struct {
	Username      string          `json:"username"`
	LastUpdatedAt string          `json:"last_updated_at,omitempty"`
	MessageCount  int64           `json:"message_count"`
	LastMessage   *ChannelMessage `json:"last_message,omitempty"`
}

// canonical returns request as it reads back from a snapshot: requestInfo compacted
// and HTML-escaped the way json.Marshal writes it.
func (r TenantRequest) canonical() TenantRequest {
	r.RequestInfo = canonicalRaw(r.RequestInfo)
	return r
}

// canonical returns message with an empty translations map folded to nil.
func (m ChannelMessage) canonical() ChannelMessage {
	if len(m.Translations) == 0 {
		m.Translations = nil
	}
	return m
}

func (a ChannelActivity) canonical() ChannelActivity {
	if a.LastMessage != nil {
		message := a.LastMessage.canonical()
		a.LastMessage = &message
	}
	return a
}

func canonicalRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, raw); err != nil {
		return raw
	}
	var escaped bytes.Buffer
	json.HTMLEscape(&escaped, compacted.Bytes())
	return escaped.Bytes()
}

// canonicalize normalizes value to its persisted form so a snapshot round trip is lossless.
func canonicalize[V any](value V) V {
	if normalizer, ok := any(value).(interface{ canonical() V }); ok {
		return normalizer.canonical()
	}
	return value
}

func userKey(user User) string {
	return user.ID
}

func messageKey(message ChannelMessage) string {
	return message.ID
}

func activityKey(activity ChannelActivity) string {
	return activity.Username
}

func languageKey(language UserLanguage) string {
	return language.UserID
}

func notificationKey(pref UserNotificationPref) string {
	return pref.UserID
}

func pushSubscriptionKey(subscription PushSubscription) string {
	return subscription.Endpoint
}

func tenantRequestKey(request TenantRequest) string {
	return request.ID
}

func locationKey(location UserLocation) string {
	return location.UserID
}

func followKey(follow ChannelFollow) string {
	key, err := CompositeKey(follow.UserID, follow.Username)
	if err != nil {
		return ""
	}
	return key
}

func lastViewedKey(viewed ChannelLastViewed) string {
	key, err := CompositeKey(viewed.UserID, viewed.Username)
	if err != nil {
		return ""
	}
	return key
}
