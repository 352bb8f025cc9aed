package session

import (
	"context"
	"strings"
	"time"

	"github.com/tenantshowcase/inappdb/internal/inappdb"
	"go.uber.org/zap"
)

// FollowChannel follows username on the backend, then records the follow locally.
// Backend failures are returned and leave the local store untouched.
func (o *Orchestrator) FollowChannel(ctx context.Context, username string) (UserInfo, error) {
	user, err := o.backendUser(opFollow)
	if err != nil {
		return UserInfo{}, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return UserInfo{}, newServiceError(opFollow, "missing_channel", errMissingChannel)
	}
	if err := o.backend.FollowChannel(ctx, user.ID, username); err != nil {
		o.logError(opFollow, "backend_failed", err, zap.String("user_id", user.ID), zap.String("channel", username))
		return UserInfo{}, newServiceError(opFollow, "backend_failed", err)
	}
	follow := inappdb.ChannelFollow{
		UserID:     user.ID,
		Username:   username,
		FollowedAt: o.clock().UTC().Format(time.RFC3339),
	}
	if err := o.store.SaveUserChannelFollow(follow); err != nil {
		return UserInfo{}, newServiceError(opFollow, "invalid_key", err)
	}
	return o.refreshDerived(user.ID), nil
}

// UnfollowChannel unfollows username on the backend, then removes the local follow.
func (o *Orchestrator) UnfollowChannel(ctx context.Context, username string) (UserInfo, error) {
	user, err := o.backendUser(opUnfollow)
	if err != nil {
		return UserInfo{}, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return UserInfo{}, newServiceError(opUnfollow, "missing_channel", errMissingChannel)
	}
	if err := o.backend.UnfollowChannel(ctx, user.ID, username); err != nil {
		o.logError(opUnfollow, "backend_failed", err, zap.String("user_id", user.ID), zap.String("channel", username))
		return UserInfo{}, newServiceError(opUnfollow, "backend_failed", err)
	}
	if err := o.store.SaveUserChannelUnFollow(inappdb.ChannelFollow{UserID: user.ID, Username: username}); err != nil {
		return UserInfo{}, newServiceError(opUnfollow, "invalid_key", err)
	}
	return o.refreshDerived(user.ID), nil
}

// RegisterPushSubscription upserts subscription for the current user on the backend and caches it.
func (o *Orchestrator) RegisterPushSubscription(ctx context.Context, subscription inappdb.PushSubscription) (inappdb.PushSubscription, error) {
	user, err := o.backendUser(opRegisterPush)
	if err != nil {
		return inappdb.PushSubscription{}, err
	}
	now := o.clock().UTC().Format(time.RFC3339)
	subscription.UserID = user.ID
	if existing, ok := o.store.PushSubscriptions.Get(subscription.Endpoint); ok && existing.CreatedAt != "" {
		subscription.CreatedAt = existing.CreatedAt
	} else {
		subscription.CreatedAt = now
	}
	subscription.UpdatedAt = now

	if err := o.backend.UpsertPushSubscription(ctx, subscription); err != nil {
		o.logError(opRegisterPush, "backend_failed", err, zap.String("user_id", user.ID))
		return inappdb.PushSubscription{}, newServiceError(opRegisterPush, "backend_failed", err)
	}
	o.store.SavePushSubscription(subscription)
	return subscription, nil
}

// SetLanguage stores the current user's language.
func (o *Orchestrator) SetLanguage(input inappdb.LanguageInput) (UserInfo, error) {
	user, ok := o.Current()
	if !ok {
		return UserInfo{}, newServiceError(opSetLanguage, "no_current_user", ErrNoCurrentUser)
	}
	if err := o.store.SetUserLanguage(user.User.ID, input); err != nil {
		return UserInfo{}, newServiceError(opSetLanguage, "invalid_user", err)
	}
	return o.refreshDerived(user.User.ID), nil
}

// SetNotifications stores whether the current user receives notifications.
func (o *Orchestrator) SetNotifications(enabled bool) (UserInfo, error) {
	user, ok := o.Current()
	if !ok {
		return UserInfo{}, newServiceError(opSetNotify, "no_current_user", ErrNoCurrentUser)
	}
	if err := o.store.SetUserNotifications(user.User.ID, enabled); err != nil {
		return UserInfo{}, newServiceError(opSetNotify, "invalid_user", err)
	}
	return o.refreshDerived(user.User.ID), nil
}

// backendUser returns the current user when it may call the backend.
func (o *Orchestrator) backendUser(operation string) (inappdb.User, error) {
	info, ok := o.Current()
	if !ok {
		return inappdb.User{}, newServiceError(operation, "no_current_user", ErrNoCurrentUser)
	}
	if info.User.IsGuest() {
		return inappdb.User{}, newServiceError(operation, "guest_user", ErrGuestAction)
	}
	return info.User, nil
}
