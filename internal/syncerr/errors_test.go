package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Unclassified},
		{"typed", New(ElementNotFound, "find table", errors.New("boom")), ElementNotFound},
		{"wrapped typed", fmt.Errorf("harvest: %w", New(LoginStuck, "", nil)), LoginStuck},
		{"deadline", fmt.Errorf("navigate: %w", context.DeadlineExceeded), NavigationTimeout},
		{"invalid credentials text", errors.New("Invalid credentials. Please check"), InvalidCredentials},
		{"login failed text", errors.New("Login failed - stuck on login page"), InvalidCredentials},
		{"timeout text", errors.New("Page load timeout exceeded"), NavigationTimeout},
		{"network text", errors.New("Network connection failed"), NetworkError},
		{"database text", errors.New("database is locked"), PersistenceError},
		{"browser text", errors.New("chrome failed to start"), BrowserError},
		{"decrypt text", errors.New("InvalidToken"), CredentialDecryptionError},
		{"other", errors.New("Something unexpected happened"), Unclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t,
		"Invalid Gibney credentials. Please update your login information.",
		UserMessage(InvalidCredentials, nil))
	assert.Equal(t,
		"Connection timed out. Gibney website may be slow or unavailable.",
		UserMessage(NavigationTimeout, nil))
	assert.Equal(t,
		"Sync error: Something unexpected happened",
		UserMessage(Unclassified, errors.New("Something unexpected happened")))

	kind, msg := Describe(errors.New("Network connection failed"))
	assert.Equal(t, NetworkError, kind)
	assert.Equal(t, "Network error. Please check your internet connection.", msg)
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(InvalidCredentials, "authenticate", errors.New("error banner shown")))
	assert.True(t, errors.Is(err, New(InvalidCredentials, "", nil)))
	assert.False(t, errors.Is(err, New(LoginStuck, "", nil)))
	assert.Contains(t, err.Error(), "authenticate: invalid_credentials: error banner shown")
}
