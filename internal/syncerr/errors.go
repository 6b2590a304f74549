// Package syncerr defines the failure taxonomy of a sync job and the single
// place where arbitrary errors are classified into it.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

type Kind string

const (
	Unclassified              Kind = "unclassified"
	InvalidCredentials        Kind = "invalid_credentials"
	LoginTimeout              Kind = "login_timeout"
	LoginStuck                Kind = "login_stuck"
	NavigationTimeout         Kind = "navigation_timeout"
	ElementNotFound           Kind = "element_not_found"
	NetworkError              Kind = "network_error"
	BrowserError              Kind = "browser_error"
	PersistenceError          Kind = "persistence_error"
	CredentialDecryptionError Kind = "credential_decryption_error"
	MissingCredentials        Kind = "missing_credentials"
	StaleJob                  Kind = "stale_job"
)

// Error is a failure tagged with its Kind. Op names the step that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, syncerr.New(k, "", nil)) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or Unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unclassified
}

// substring rules applied when an error carries no Kind, in priority order.
var textRules = []struct {
	kind    Kind
	needles []string
}{
	{InvalidCredentials, []string{"invalid credentials", "login failed"}},
	{CredentialDecryptionError, []string{"invalidtoken", "decrypt"}},
	{NavigationTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{NetworkError, []string{"network", "connection", "net::err", "no such host"}},
	{PersistenceError, []string{"database", "sqlite", "sql:"}},
	{BrowserError, []string{"browser", "chrome", "chromedp", "websocket"}},
}

// Classify maps any error to a Kind. Typed errors win; otherwise well-known
// sentinel errors and finally message text decide.
func Classify(err error) Kind {
	if err == nil {
		return Unclassified
	}
	if k := KindOf(err); k != Unclassified {
		return k
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NavigationTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NavigationTimeout
		}
		return NetworkError
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range textRules {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.kind
			}
		}
	}
	return Unclassified
}

var userMessages = map[Kind]string{
	InvalidCredentials:        "Invalid Gibney credentials. Please update your login information.",
	LoginStuck:                "Login failed - the site did not accept the login. Please verify your credentials.",
	LoginTimeout:              "Login timed out. Gibney website may be slow or unavailable.",
	NavigationTimeout:         "Connection timed out. Gibney website may be slow or unavailable.",
	ElementNotFound:           "The Gibney website layout has changed. Please contact support.",
	NetworkError:              "Network error. Please check your internet connection.",
	BrowserError:              "Browser automation error. Please contact support.",
	PersistenceError:          "Database error. Please try again later.",
	CredentialDecryptionError: "Failed to decrypt Gibney credentials. Please update your login information.",
	MissingCredentials:        "No Gibney credentials on file. Please add your login information.",
	StaleJob:                  "Sync timed out - no progress was reported. Please try again.",
}

// UserMessage returns the fixed user-facing text for kind. Unclassified
// errors fall back to the raw error text.
func UserMessage(kind Kind, err error) string {
	if msg, ok := userMessages[kind]; ok {
		return msg
	}
	if err == nil {
		return "Sync error: unknown failure"
	}
	return "Sync error: " + err.Error()
}

// Describe classifies err and returns its kind with the user-facing message.
func Describe(err error) (Kind, string) {
	kind := Classify(err)
	return kind, UserMessage(kind, err)
}
