package bridge

import (
	"context"
	"errors"
	"strings"

	"notibridge/internal/eventbus"
	"notibridge/internal/source"
	logx "notibridge/pkg/logx"
)

// RemoveNotification retracts one notification on behalf of the consumer.
// The identity is completed from the active set when possible, marked
// pending, then cancelled. Removing an identity that is not live is not an
// error.
func (b *Bridge) RemoveNotification(ctx context.Context, id source.Identity) error {
	const op = "removeNotification"
	if id.IsZero() {
		return opErr(op, KindInvalidKey, errors.New("key is required"))
	}
	src, err := b.attached(op)
	if err != nil {
		return err
	}
	if full, ok := src.Lookup(id); ok {
		id = full
	}

	b.mu.Lock()
	mark := b.ledger.MarkPending(id, b.now())
	b.mu.Unlock()

	if err := b.cancel(ctx, src, id, mark, "command"); err != nil {
		if errors.Is(err, source.ErrPermissionDenied) {
			return opErr(op, KindPermissionDenied, err)
		}
	}
	return nil
}

// ClearAll retracts every notification in the tray. All identities are
// marked pending before the first cancel is issued. It returns how many
// cancels were attempted.
func (b *Bridge) ClearAll(ctx context.Context) (int, error) {
	return b.clearAll(ctx, "clear_all")
}

// Sweep is ClearAll for internal triggers. reason labels the retraction
// metrics and the clear-all event.
func (b *Bridge) Sweep(ctx context.Context, reason string) (int, error) {
	return b.clearAll(ctx, reason)
}

func (b *Bridge) clearAll(ctx context.Context, reason string) (int, error) {
	const op = "clearAllNotifications"
	src, err := b.attached(op)
	if err != nil {
		return 0, err
	}
	ids, err := src.Active(ctx)
	if err != nil {
		return 0, opErr(op, kindFromSource(err), err)
	}

	now := b.now()
	marks := make([]uint64, len(ids))
	b.mu.Lock()
	for i, id := range ids {
		marks[i] = b.ledger.MarkPending(id, now)
	}
	b.mu.Unlock()

	failed := 0
	for i, id := range ids {
		if err := b.cancel(ctx, src, id, marks[i], reason); err != nil {
			failed++
		}
	}
	b.bus.Publish(eventbus.Event{Type: eventbus.TypeClearAll, Data: map[string]any{
		"reason": reason,
		"count":  len(ids),
		"failed": failed,
	}})
	b.log.Info("tray cleared", logx.String("reason", reason), logx.Int("count", len(ids)), logx.Int("failed", failed))
	return len(ids), nil
}

// SetListening toggles forwarding of posted notifications and returns the
// new state.
func (b *Bridge) SetListening(enabled bool) bool {
	b.mu.Lock()
	changed := b.policy.Listening != enabled
	b.policy.Listening = enabled
	p := b.policy
	b.mu.Unlock()
	if changed {
		b.policyChanged(p)
	}
	return enabled
}

// SetRetractOnForward toggles retraction of forwarded notifications. Turning
// it on also clears the tray so it matches the new policy.
func (b *Bridge) SetRetractOnForward(ctx context.Context, enabled bool) error {
	b.mu.Lock()
	turnedOn := enabled && !b.policy.RetractOnForward
	changed := b.policy.RetractOnForward != enabled
	b.policy.RetractOnForward = enabled
	p := b.policy
	attached := b.src != nil
	b.mu.Unlock()

	if changed {
		b.policyChanged(p)
	}
	if !turnedOn {
		return nil
	}
	if !attached {
		b.log.Info("retract enabled while detached; tray sweep skipped")
		return nil
	}
	_, err := b.clearAll(ctx, "policy")
	return err
}

func (b *Bridge) policyChanged(p Policy) {
	b.metrics.Policy(p.Listening, p.RetractOnForward)
	b.bus.Publish(eventbus.Event{Type: eventbus.TypePolicyChanged, Data: p})
	b.log.Info("forwarding policy changed",
		logx.Bool("listening", p.Listening),
		logx.Bool("retract_on_forward", p.RetractOnForward),
	)
}

// SendTest posts a notification through the source. The title carries the
// configured test prefix so it can be recognised downstream.
func (b *Bridge) SendTest(ctx context.Context, title, body string) (bool, error) {
	const op = "sendTest"
	src, err := b.attached(op)
	if err != nil {
		return false, err
	}
	if !src.PermissionGranted() {
		return false, opErr(op, KindNotification, source.ErrPermissionDenied)
	}
	if !strings.HasPrefix(title, b.prefix) {
		title = b.prefix + title
	}
	if err := src.Post(ctx, title, body); err != nil {
		return false, opErr(op, KindNotification, err)
	}
	return true, nil
}

// ExecuteAction invokes the default action of a live notification and
// reports whether one was found.
func (b *Bridge) ExecuteAction(ctx context.Context, id source.Identity) (bool, error) {
	const op = "executeAction"
	if id.IsZero() {
		return false, opErr(op, KindInvalidKey, errors.New("key is required"))
	}
	src, err := b.attached(op)
	if err != nil {
		return false, err
	}
	full, ok := src.Lookup(id)
	if !ok {
		return false, nil
	}
	invoked, err := src.InvokeAction(ctx, full)
	if err != nil {
		return false, opErr(op, kindFromSource(err), err)
	}
	return invoked, nil
}

// RequestPermission returns the current grant state, starting the host's
// settings hand-off when it is not granted.
func (b *Bridge) RequestPermission(ctx context.Context) (bool, error) {
	src, err := b.attached("requestPermission")
	if err != nil {
		return false, err
	}
	return src.RequestPermission(ctx), nil
}

func (b *Bridge) PermissionGranted() (bool, error) {
	src, err := b.attached("isPermissionGranted")
	if err != nil {
		return false, err
	}
	return src.PermissionGranted(), nil
}

// LaunchApplication is a pass-through to the host.
func (b *Bridge) LaunchApplication(ctx context.Context, appID string) (bool, error) {
	const op = "launchApplication"
	if strings.TrimSpace(appID) == "" {
		return false, opErr(op, KindInvalidArgument, errors.New("applicationId is required"))
	}
	src, err := b.attached(op)
	if err != nil {
		return false, err
	}
	ok, err := src.Launch(ctx, appID)
	if err != nil {
		b.log.Debug("launch failed", logx.String("app", appID), logx.Err(err))
		return false, nil
	}
	return ok, nil
}

func kindFromSource(err error) Kind {
	if errors.Is(err, source.ErrPermissionDenied) {
		return KindPermissionDenied
	}
	if errors.Is(err, source.ErrClosed) {
		return KindSourceUnavailable
	}
	return KindNotification
}
