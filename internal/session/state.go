package session

// State is the authentication state of the client. It is never persisted;
// Restore derives it from the stored credentials.
type State int

const (
	Anonymous State = iota
	Authenticating
	Authenticated
	RefreshingToken
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case RefreshingToken:
		return "refreshing_token"
	default:
		return "unknown"
	}
}

// SignedIn reports whether a session exists. A session being renewed still
// counts.
func (s State) SignedIn() bool {
	return s == Authenticated || s == RefreshingToken
}

// Change describes one state transition.
type Change struct {
	From   State
	To     State
	Reason string
}

// Transition reasons.
const (
	ReasonRestore      = "restore"
	ReasonLogin        = "login"
	ReasonLoginFailed  = "login_failed"
	ReasonLogout       = "logout"
	ReasonRenewing     = "renewing"
	ReasonRenewed      = "renewed"
	ReasonExpired      = "session_expired"
	ReasonExternalSync = "external_change"
)

// Listener receives state changes. It is called without any manager lock
// held and may call back into the manager.
type Listener func(Change)

// Navigator sends the user to the login entry point after the session ends
// on its own.
type Navigator interface {
	RedirectToLogin()
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func()

// RedirectToLogin calls f.
func (f NavigatorFunc) RedirectToLogin() { f() }
