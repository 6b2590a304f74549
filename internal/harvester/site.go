package harvester

import (
	"context"
	"time"

	"calsync/internal/locator"
)

// Page is a browser tab the harvester drives. Element rules follow the
// locator conventions; selector arguments are plain CSS.
type Page interface {
	locator.Driver
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	// Exists reports whether an element matching r is present and visible.
	Exists(ctx context.Context, r locator.Rule) (bool, error)
	Count(ctx context.Context, selector string) (int, error)
	Texts(ctx context.Context, r locator.Rule) ([]string, error)
	RowsHTML(ctx context.Context, selector string) ([]string, error)
	Disabled(ctx context.Context, r locator.Rule) (bool, error)
	ScrollToBottom(ctx context.Context) error
	Close() error
}

// Site groups the locator strategies for one reservation site.
type Site struct {
	// LoginMarker is a URL substring present only on the login page.
	LoginMarker string
	// ListingMarker is a URL substring present on the bookings listing.
	ListingMarker string

	Username   locator.Strategy
	Password   locator.Strategy
	Submit     locator.Strategy
	PostLogin  locator.Strategy
	LoginError locator.Strategy
	MyRentals  locator.Strategy
	Table      locator.Strategy
	Spinner    locator.Strategy
	NextPage   locator.Strategy

	// RowSelectors are tried when the table's own rows come back empty on the
	// first pass. "%s" is replaced by the matched table selector.
	RowSelectors []string
}

// DefaultSite returns the strategies for the Salesforce community portal the
// bookings live on.
func DefaultSite(elementTimeout time.Duration) Site {
	probe := 2 * time.Second
	if elementTimeout > 0 && elementTimeout < probe {
		probe = elementTimeout
	}
	return Site{
		LoginMarker:   "/login",
		ListingMarker: "booking-item",

		Username: locator.New("username", elementTimeout,
			locator.Sel(`input[type="text"][placeholder="Username"]`),
			locator.Sel(`input[type="text"].inputBox`),
			locator.Sel(`input[type="email"]`),
			locator.Sel(`input[name="username"]`),
		),
		Password: locator.New("password", elementTimeout,
			locator.Sel(`input[type="password"][placeholder="Password"]`),
			locator.Sel(`input[type="password"].inputBox`),
			locator.Sel(`input[type="password"]`),
		),
		Submit: locator.New("login-button", elementTimeout,
			locator.Sel("button.loginButton"),
			locator.WithText("button", "Log in"),
			locator.Sel(`button[class*="loginButton"]`),
			locator.Sel("button.slds-button--brand"),
			locator.Sel("button.uiButton"),
			locator.Sel(`button[type="submit"]`),
			locator.Sel(`button[aria-label*="Log in"]`),
		),
		PostLogin: locator.New("post-login", probe,
			locator.WithText("a", "My Rentals"),
			locator.Sel(".slds-context-bar"),
			locator.Sel(`[class*="navigation"]`),
			locator.Sel(`a[href*="booking"]`),
			locator.WithText("button", "Menu"),
		),
		LoginError: locator.New("login-error", probe,
			locator.WithText("div", "Invalid username or password"),
			locator.WithText("div", "Your login attempt has failed"),
			locator.Sel(".slds-text-color_error"),
			locator.Sel(`[role="alert"]`),
			locator.Sel(".error"),
		),
		MyRentals: locator.New("my-rentals", elementTimeout,
			locator.WithText("a", "My Rentals"),
			locator.Sel(`a[href*="booking-item"]`),
			locator.Sel(`a[href*="rental"]`),
			locator.WithText("li a", "My Rentals"),
		),
		Table: locator.New("rentals-table", 5*time.Second,
			locator.Sel("table.forceRecordLayout"),
			locator.Sel(`table[class*="slds-table"]`),
			locator.Sel(`table[class*="rental"]`),
			locator.Sel(`table[class*="booking"]`),
			locator.Sel("table"),
		),
		Spinner: locator.New("loading-indicator", probe,
			locator.Sel(".slds-spinner_container"),
			locator.Sel(`[class*="slds-spinner"]`),
			locator.Sel("lightning-spinner"),
			locator.Sel(".spinner"),
			locator.Sel(`[class*="loading"]`),
		),
		NextPage: locator.New("next-page", probe,
			locator.Sel(`button[title="Next Page"]`),
			locator.WithText("button", "Next"),
			locator.WithText("a", "Next"),
			locator.Sel(`[aria-label="Next"]`),
		),
		RowSelectors: []string{
			"%s tbody tr",
			"[data-aura-class*='uiVirtualDataTable'] tbody tr",
			"table tbody tr",
			"tbody tr",
		},
	}
}
