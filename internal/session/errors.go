package session

import (
	"errors"
	"fmt"
)

var (
	errMissingStore      = errors.New("store is required")
	errMissingBackend    = errors.New("backend client is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingIdentity   = errors.New("session carries no usable user id")
	errMissingChannel    = errors.New("channel username is required")

	// ErrNoCurrentUser is returned by foreground actions when nobody is signed in.
	ErrNoCurrentUser = errors.New("session: no signed-in user")
	// ErrGuestAction is returned when a guest identity attempts a backend-only action.
	ErrGuestAction = errors.New("session: guest identities cannot call the backend")
)

// ServiceError carries a stable "<operation>.<reason>" code next to the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opNew          = "session.new"
	opSignIn       = "session.sign_in"
	opStartGuest   = "session.start_guest"
	opFetch        = "session.fetch_user_info"
	opRefresh      = "session.refresh_user_info"
	opBackground   = "session.background_reconcile"
	opFollow       = "session.follow_channel"
	opUnfollow     = "session.unfollow_channel"
	opRegisterPush = "session.register_push"
	opSetLanguage  = "session.set_language"
	opSetNotify    = "session.set_notifications"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
