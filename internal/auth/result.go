// Package auth resolves who the client is talking as: it probes the backend
// for the current user, runs the OIDC code+PKCE login, stores the resulting
// token and keeps the session alive.
package auth

import (
	"context"

	"github.com/kalambet/docchat/internal/backend"
	"github.com/kalambet/docchat/internal/model"
)

// LoginResult is one of LoggedIn, Anonymous or LoginFailed.
type LoginResult interface {
	isLoginResult()
}

// LoggedIn means the backend accepted the token and returned the user.
type LoggedIn struct {
	User model.User
}

// Anonymous means the backend answered 401. It is a normal outcome: the
// client keeps working with anonymous access.
type Anonymous struct{}

// LoginFailed carries any other failure.
type LoginFailed struct {
	Reason error
}

func (LoggedIn) isLoginResult()    {}
func (Anonymous) isLoginResult()   {}
func (LoginFailed) isLoginResult() {}

func (f LoginFailed) Error() string {
	if f.Reason == nil {
		return "login failed"
	}
	return "login failed: " + f.Reason.Error()
}

func (f LoginFailed) Unwrap() error { return f.Reason }

// UserFetcher is the backend call Probe needs.
type UserFetcher interface {
	FetchCurrentUser(ctx context.Context) (model.User, error)
}

// Probe asks the backend who the caller is. A 401 maps to Anonymous, never
// to LoginFailed.
func Probe(ctx context.Context, f UserFetcher) LoginResult {
	u, err := f.FetchCurrentUser(ctx)
	switch {
	case err == nil:
		return LoggedIn{User: u}
	case backend.IsUnauthorized(err):
		return Anonymous{}
	default:
		return LoginFailed{Reason: err}
	}
}
