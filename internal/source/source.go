// Package source defines the contract between the bridge and the host
// notification subsystem (the "event source"), plus the raw notification
// model it delivers.
package source

import (
	"context"
	"errors"
	"strconv"
	"time"

	"notibridge/internal/icon"
)

var (
	// ErrPermissionDenied means the host refused an action because the
	// required grant is missing.
	ErrPermissionDenied = errors.New("source: permission denied")
	// ErrRejected means the host refused to post a notification.
	ErrRejected = errors.New("source: notification rejected")
	// ErrClosed is returned after Run has ended.
	ErrClosed = errors.New("source: closed")
)

// Identity distinguishes one notification instance from another. Key is the
// canonical identity when the platform provides one; otherwise the
// {AppID, ID, Tag} composite is used. An empty Tag means "no tag".
type Identity struct {
	AppID string `json:"sourceApplicationId" validate:"required_without=Key"`
	ID    int    `json:"id"`
	Tag   string `json:"tag,omitempty"`
	Key   string `json:"key,omitempty"`
}

// Canonical returns the key used to compare identities.
func (id Identity) Canonical() string {
	if id.Key != "" {
		return id.Key
	}
	return id.AppID + "|" + strconv.Itoa(id.ID) + "|" + id.Tag
}

func (id Identity) IsZero() bool { return id.Key == "" && id.AppID == "" }

func (id Identity) String() string { return id.Canonical() }

// Notification is what the host reports for a posting or removal.
type Notification struct {
	Identity

	AppName string // display label as reported by the host, may be empty
	Title   string
	Body    string
	Extras  map[string]any

	Icon    icon.Handle // per-notification icon
	AppIcon icon.Handle // application icon, used when Icon is unavailable

	PostedAt time.Time
}

// Sink receives host callbacks. Implementations must return quickly.
type Sink interface {
	Posted(n Notification)
	Removed(n Notification)
}

// Source is a live host notification subsystem.
type Source interface {
	// Run delivers callbacks to sink until ctx is done or the host goes away.
	Run(ctx context.Context, sink Sink) error

	// Cancel retracts a notification. Unknown identities are not an error.
	Cancel(ctx context.Context, id Identity) error
	// Active lists every notification currently in the tray.
	Active(ctx context.Context) ([]Identity, error)
	// Lookup completes a partial identity (composite without key, or key
	// without composite) from the active set.
	Lookup(id Identity) (Identity, bool)

	// Post publishes a new notification authored by the bridge itself.
	Post(ctx context.Context, title, body string) error
	// InvokeAction runs the default action of a notification and reports
	// whether one existed.
	InvokeAction(ctx context.Context, id Identity) (bool, error)

	PermissionGranted() bool
	// RequestPermission returns the current grant state and, if not
	// granted, starts the host's settings hand-off.
	RequestPermission(ctx context.Context) bool

	// AppLabel resolves a human readable name for an application id.
	AppLabel(appID string) (string, error)
	// Launch starts an application by id.
	Launch(ctx context.Context, appID string) (bool, error)
}
