package inappdb

import (
	"github.com/tenantshowcase/inappdb/internal/metrics"
	"go.uber.org/zap"
)

// UserPreferences carries the nine sub-entity record sets of a bulk user-info payload.
type UserPreferences struct {
	ChannelMessages   []ChannelMessage       `json:"channels_messages"`
	ChannelActivity   []ChannelActivity      `json:"channels_activity"`
	UserLanguage      []UserLanguage         `json:"user_language"`
	UserNotifications []UserNotificationPref `json:"user_notifications"`
	PushSubscriptions []PushSubscription     `json:"push_subscriptions"`
	TenantRequests    []TenantRequest        `json:"tenant_requests"`
	UserLocation      []UserLocation         `json:"user_location"`
	ChannelFollows    []ChannelFollow        `json:"user_channel_follow"`
	ChannelLastViewed []ChannelLastViewed    `json:"user_channel_last_viewed"`
}

// RawAPIData is one "everything for this user" payload.
type RawAPIData struct {
	User            *User
	UserPreferences *UserPreferences
}

// ReconcileResult reports what a reconciliation stored.
type ReconcileResult struct {
	Applied bool
	Stored  map[PartitionName]int
}

// SaveRawAPIData treats data as the source of truth: each of the nine preference
// partitions is replaced wholesale by the payload's records, and the user record is
// upserted. The whole replacement is one state transition, so readers never see an
// emptied partition. Entries absent from the payload are discarded even if the payload
// was partial. A payload without preferences is ignored.
func (s *Store) SaveRawAPIData(userID string, data RawAPIData) ReconcileResult {
	if data.UserPreferences == nil {
		s.logger.Warn("raw api payload ignored",
			zap.String("operation", "inappdb.reconcile"),
			zap.String("reason", "missing_user_preferences"),
			zap.String("user_id", userID))
		return ReconcileResult{}
	}
	prefs := data.UserPreferences
	stored := make(map[PartitionName]int, 10)

	s.Update(func(tx *Tx) {
		if data.User != nil {
			user := *data.User
			if user.ID == "" {
				user.ID = userID
			}
			if user.ID != "" {
				Put(tx, s.Users, user.ID, user)
				stored[PartitionUsers] = 1
			}
		}
		stored[PartitionChannelMessages] = Replace(tx, s.ChannelMessages, prefs.ChannelMessages)
		stored[PartitionChannelActivity] = Replace(tx, s.ChannelActivity, prefs.ChannelActivity)
		stored[PartitionUserLanguage] = Replace(tx, s.UserLanguage, prefs.UserLanguage)
		stored[PartitionUserNotifications] = Replace(tx, s.UserNotifications, prefs.UserNotifications)
		stored[PartitionPushSubscriptions] = Replace(tx, s.PushSubscriptions, prefs.PushSubscriptions)
		stored[PartitionTenantRequests] = Replace(tx, s.TenantRequests, prefs.TenantRequests)
		stored[PartitionUserLocation] = Replace(tx, s.UserLocation, prefs.UserLocation)
		stored[PartitionChannelFollows] = Replace(tx, s.ChannelFollows, prefs.ChannelFollows)
		stored[PartitionChannelLastViewed] = Replace(tx, s.ChannelLastViewed, prefs.ChannelLastViewed)
	})

	for partition, count := range stored {
		metrics.ObserveReconciled(string(partition), count)
	}
	s.logger.Debug("raw api payload reconciled",
		zap.String("user_id", userID),
		zap.Int("messages", stored[PartitionChannelMessages]),
		zap.Int("tenant_requests", stored[PartitionTenantRequests]),
		zap.Int("follows", stored[PartitionChannelFollows]))
	return ReconcileResult{Applied: true, Stored: stored}
}
