package inappdb

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SaveUser stores user under its id.
func (s *Store) SaveUser(user User) error {
	if strings.TrimSpace(user.ID) == "" {
		return ErrInvalidUserID
	}
	s.Users.Put(user.ID, user)
	return nil
}

// GetUser returns the user stored under userID.
func (s *Store) GetUser(userID string) (User, bool) {
	return s.Users.Get(userID)
}

// FirstUser returns the most recently signed-in stored user, if any.
func (s *Store) FirstUser() (User, bool) {
	users := s.Users.All()
	if len(users) == 0 {
		return User{}, false
	}
	sort.SliceStable(users, func(i, j int) bool {
		return CompareTimestamps(users[i].LastSignInAt, users[j].LastSignInAt) > 0
	})
	return users[0], true
}

// SetUserLanguage normalizes input and stores it as the user's language.
func (s *Store) SetUserLanguage(userID string, input LanguageInput) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUserID
	}
	s.UserLanguage.Put(userID, UserLanguage{UserID: userID, Language: input.Normalize()})
	return nil
}

// GetUserLanguage returns the stored language. Absence is reported, not defaulted.
func (s *Store) GetUserLanguage(userID string) (string, bool) {
	language, ok := s.UserLanguage.Get(userID)
	if !ok {
		return "", false
	}
	return language.Language, true
}

// SetUserNotifications stores the enabled flag, keeping the last-viewed mark.
func (s *Store) SetUserNotifications(userID string, enabled bool) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUserID
	}
	s.Update(func(tx *Tx) {
		pref, _ := Get(tx, s.UserNotifications, userID)
		pref.UserID = userID
		pref.Enabled = enabled
		Put(tx, s.UserNotifications, userID, pref)
	})
	return nil
}

// SetNotificationsLastViewed records when the user last opened notifications.
// A user without a stored preference is created with notifications enabled.
func (s *Store) SetNotificationsLastViewed(userID, lastViewed string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUserID
	}
	s.Update(func(tx *Tx) {
		pref, ok := Get(tx, s.UserNotifications, userID)
		if !ok {
			pref = UserNotificationPref{UserID: userID, Enabled: true}
		}
		pref.LastViewed = lastViewed
		Put(tx, s.UserNotifications, userID, pref)
	})
	return nil
}

// GetUserNotifications returns the enabled flag, defaulting to true when nothing is stored.
func (s *Store) GetUserNotifications(userID string) bool {
	pref, ok := s.UserNotifications.Get(userID)
	if !ok {
		return true
	}
	return pref.Enabled
}

// GetUserNotificationPref returns the stored preference record.
func (s *Store) GetUserNotificationPref(userID string) (UserNotificationPref, bool) {
	return s.UserNotifications.Get(userID)
}

// SaveUserLocation stores location under its user id.
func (s *Store) SaveUserLocation(location UserLocation) error {
	if strings.TrimSpace(location.UserID) == "" {
		return ErrInvalidUserID
	}
	s.UserLocation.Put(location.UserID, location)
	return nil
}

// GetUserLocation returns the stored location of userID.
func (s *Store) GetUserLocation(userID string) (UserLocation, bool) {
	return s.UserLocation.Get(userID)
}

// SavePushSubscription upserts each subscription by endpoint, skipping those without one.
// It returns how many were stored.
func (s *Store) SavePushSubscription(subscriptions ...PushSubscription) int {
	stored := 0
	s.Update(func(tx *Tx) {
		for _, subscription := range subscriptions {
			if strings.TrimSpace(subscription.Endpoint) == "" {
				continue
			}
			Put(tx, s.PushSubscriptions, subscription.Endpoint, subscription)
			stored++
		}
	})
	return stored
}

// GetPushSubscriptions returns the subscriptions owned by userID, ordered by endpoint.
func (s *Store) GetPushSubscriptions(userID string) []PushSubscription {
	return s.PushSubscriptions.Select(func(subscription PushSubscription) bool {
		return subscription.UserID == userID
	})
}

// DeletePushSubscription removes the subscription registered for endpoint.
func (s *Store) DeletePushSubscription(endpoint string) bool {
	return s.PushSubscriptions.Delete(endpoint)
}

// SaveTenantRequests replaces every tenant request owned by userID with requests.
// Requests missing an owner are assigned to userID; requests without an id are skipped.
// Callers must pass the complete set: anything not included is dropped.
func (s *Store) SaveTenantRequests(userID string, requests []TenantRequest) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUserID
	}
	s.Update(func(tx *Tx) {
		DeleteWhere(tx, s.TenantRequests, func(request TenantRequest) bool {
			return request.UserID == userID
		})
		for _, request := range requests {
			if strings.TrimSpace(request.ID) == "" {
				continue
			}
			if request.UserID == "" {
				request.UserID = userID
			}
			Put(tx, s.TenantRequests, request.ID, request)
		}
	})
	return nil
}

// GetTenantRequests returns the requests owned by userID, newest first.
func (s *Store) GetTenantRequests(userID string) []TenantRequest {
	requests := s.TenantRequests.Select(func(request TenantRequest) bool {
		return request.UserID == userID
	})
	sort.SliceStable(requests, func(i, j int) bool {
		if order := CompareTimestamps(requests[i].CreatedAt, requests[j].CreatedAt); order != 0 {
			return order > 0
		}
		return requests[i].ID < requests[j].ID
	})
	return requests
}

// SaveUserChannelFollow inserts follows in one batch. Nothing is stored if any key is invalid.
func (s *Store) SaveUserChannelFollow(follows ...ChannelFollow) error {
	keys, err := compositeKeys(follows, func(follow ChannelFollow) (string, string) {
		return follow.UserID, follow.Username
	})
	if err != nil {
		return err
	}
	s.Update(func(tx *Tx) {
		for index, follow := range follows {
			Put(tx, s.ChannelFollows, keys[index], follow)
		}
	})
	return nil
}

// SaveUserChannelUnFollow deletes follows in one batch. Nothing is removed if any key is invalid.
func (s *Store) SaveUserChannelUnFollow(follows ...ChannelFollow) error {
	keys, err := compositeKeys(follows, func(follow ChannelFollow) (string, string) {
		return follow.UserID, follow.Username
	})
	if err != nil {
		return err
	}
	s.Update(func(tx *Tx) {
		for _, key := range keys {
			Delete(tx, s.ChannelFollows, key)
		}
	})
	return nil
}

// GetUserChannelFollow returns the channels userID follows, ordered by username.
func (s *Store) GetUserChannelFollow(userID string) []ChannelFollow {
	return s.ChannelFollows.Select(func(follow ChannelFollow) bool {
		return follow.UserID == userID
	})
}

// IsFollowingChannel reports whether userID follows username.
func (s *Store) IsFollowingChannel(userID, username string) bool {
	key, err := CompositeKey(userID, username)
	if err != nil {
		return false
	}
	_, ok := s.ChannelFollows.Get(key)
	return ok
}

// SaveChannelLastViewed upserts last-viewed marks in one batch.
func (s *Store) SaveChannelLastViewed(views ...ChannelLastViewed) error {
	keys, err := compositeKeys(views, func(view ChannelLastViewed) (string, string) {
		return view.UserID, view.Username
	})
	if err != nil {
		return err
	}
	s.Update(func(tx *Tx) {
		for index, view := range views {
			Put(tx, s.ChannelLastViewed, keys[index], view)
		}
	})
	return nil
}

// GetChannelLastViewed returns the last-viewed mark of userID for username.
func (s *Store) GetChannelLastViewed(userID, username string) (ChannelLastViewed, bool) {
	key, err := CompositeKey(userID, username)
	if err != nil {
		return ChannelLastViewed{}, false
	}
	return s.ChannelLastViewed.Get(key)
}

// GetChannelMessages returns the cached messages of a channel, oldest first.
func (s *Store) GetChannelMessages(username string) []ChannelMessage {
	messages := s.ChannelMessages.Select(func(message ChannelMessage) bool {
		return message.Username == username
	})
	sort.SliceStable(messages, func(i, j int) bool {
		if order := CompareTimestamps(messages[i].CreatedAt, messages[j].CreatedAt); order != 0 {
			return order < 0
		}
		return messages[i].ID < messages[j].ID
	})
	return messages
}

// GetChannelActivity returns the cached activity summary of a channel.
func (s *Store) GetChannelActivity(username string) (ChannelActivity, bool) {
	return s.ChannelActivity.Get(username)
}

// timestampLayouts covers RFC 3339 as written locally and the Postgres text forms the
// backend returns (space separator, hour-only offset).
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999Z07",
}

func parseTimestamp(value string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// CompareTimestamps orders two record timestamps by instant, returning -1, 0 or 1.
// A parseable timestamp sorts after an unparseable or empty one; two unparseable
// values compare as strings.
func CompareTimestamps(a, b string) int {
	timeA, okA := parseTimestamp(a)
	timeB, okB := parseTimestamp(b)
	switch {
	case okA && okB:
		return timeA.Compare(timeB)
	case okA:
		return 1
	case okB:
		return -1
	default:
		return strings.Compare(a, b)
	}
}

func compositeKeys[V any](values []V, parts func(V) (string, string)) ([]string, error) {
	keys := make([]string, 0, len(values))
	for index, value := range values {
		userID, username := parts(value)
		key, err := CompositeKey(userID, username)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", index, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
