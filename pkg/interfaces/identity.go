package interfaces

// AuthEvent is a sign-in or sign-out notification. UserID is empty on sign-out.
type AuthEvent struct {
	UserID   string
	SignedIn bool
}

// IdentityProvider supplies the current user and session lifecycle events.
type IdentityProvider interface {
	CurrentUserID() (string, bool)

	// OnAuthChange registers callback for every later sign-in or sign-out.
	OnAuthChange(callback func(AuthEvent)) Unsubscribe
}
