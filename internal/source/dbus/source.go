// Package dbus observes desktop notifications on the session bus. It
// becomes a bus monitor for org.freedesktop.Notifications traffic, pairs
// Notify calls with their replies to learn server ids, and reports
// NotificationClosed signals as removals. A second connection performs
// CloseNotification, Notify and ActionInvoked on behalf of the bridge.
package dbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	godbus "github.com/godbus/dbus/v5"

	"notibridge/internal/source"
	logx "notibridge/pkg/logx"
)

const (
	busName   = "org.freedesktop.Notifications"
	busPath   = godbus.ObjectPath("/org/freedesktop/Notifications")
	ifaceName = "org.freedesktop.Notifications"

	eavesdropBuffer = 256
	pruneInterval   = 10 * time.Second
	callTimeout     = 5 * time.Second
)

// Options configures a Source.
type Options struct {
	// Address is a bus address. Empty selects the session bus.
	Address   string
	ThemeDirs []string
	AppDirs   []string
	Log       logx.Logger
}

// Source implements source.Source on top of the notification bus.
type Source struct {
	opts    Options
	log     logx.Logger
	tracker *tracker
	apps    *desktopIndex

	mu      sync.Mutex
	ctl     *godbus.Conn
	granted bool
	running bool
}

var _ source.Source = (*Source)(nil)

func New(opts Options) *Source {
	return &Source{
		opts:    opts,
		log:     opts.Log.With(logx.String("comp", "source.dbus")),
		tracker: newTracker(opts.ThemeDirs),
		apps:    newDesktopIndex(opts.AppDirs),
	}
}

func (s *Source) connect() (*godbus.Conn, error) {
	if s.opts.Address != "" {
		return godbus.Connect(s.opts.Address)
	}
	return godbus.ConnectSessionBus()
}

// Run blocks until ctx is done or the monitor connection drops.
func (s *Source) Run(ctx context.Context, sink source.Sink) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("dbus: already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.granted = false
		if s.ctl != nil {
			_ = s.ctl.Close()
			s.ctl = nil
		}
		s.mu.Unlock()
	}()

	ctl, err := s.connect()
	if err != nil {
		return fmt.Errorf("dbus: control connection: %w", err)
	}
	s.mu.Lock()
	s.ctl = ctl
	s.mu.Unlock()

	var owner string
	if err := ctl.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.GetNameOwner", 0, busName).Store(&owner); err != nil {
		s.log.Warn("notification server not found", logx.Err(err))
	}

	mon, err := s.connect()
	if err != nil {
		return fmt.Errorf("dbus: monitor connection: %w", err)
	}
	defer mon.Close()

	call := mon.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.Monitoring.BecomeMonitor", 0, monitorRules(owner), uint32(0))
	if call.Err != nil {
		return fmt.Errorf("%w: become monitor: %v", source.ErrPermissionDenied, call.Err)
	}
	ch := make(chan *godbus.Message, eavesdropBuffer)
	mon.Eavesdrop(ch)

	s.tracker.setSink(sink)
	defer s.tracker.setSink(nil)
	s.mu.Lock()
	s.granted = true
	s.mu.Unlock()
	s.log.Info("monitoring notifications", logx.String("server", owner))

	tick := time.NewTicker(pruneInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mon.Context().Done():
			return fmt.Errorf("dbus: monitor connection closed: %w", source.ErrClosed)
		case <-tick.C:
			s.tracker.prune()
		case msg := <-ch:
			s.dispatch(msg)
		}
	}
}

func monitorRules(owner string) []string {
	rules := []string{
		"type='method_call',interface='" + ifaceName + "',member='Notify'",
		"type='signal',interface='" + ifaceName + "',member='NotificationClosed'",
	}
	if owner != "" {
		rules = append(rules,
			"type='method_return',sender='"+owner+"'",
			"type='error',sender='"+owner+"'",
		)
	}
	return rules
}

func header(msg *godbus.Message, f godbus.HeaderField) string {
	v, ok := msg.Headers[f]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func replySerial(msg *godbus.Message) (uint32, bool) {
	v, ok := msg.Headers[godbus.FieldReplySerial]
	if !ok {
		return 0, false
	}
	n, ok := v.Value().(uint32)
	return n, ok
}

func (s *Source) dispatch(msg *godbus.Message) {
	switch msg.Type {
	case godbus.TypeMethodCall:
		if header(msg, godbus.FieldMember) != "Notify" {
			return
		}
		c, err := decodeNotify(msg.Body)
		if err != nil {
			s.log.Debug("skip malformed notify", logx.Err(err))
			return
		}
		s.tracker.call(header(msg, godbus.FieldSender), msg.Serial(), c)
	case godbus.TypeMethodReply:
		rs, ok := replySerial(msg)
		if !ok || len(msg.Body) != 1 {
			return
		}
		id, ok := msg.Body[0].(uint32)
		if !ok {
			return
		}
		s.tracker.reply(header(msg, godbus.FieldDestination), rs, id)
	case godbus.TypeError:
		if rs, ok := replySerial(msg); ok {
			s.tracker.failed(header(msg, godbus.FieldDestination), rs)
		}
	case godbus.TypeSignal:
		if header(msg, godbus.FieldMember) != "NotificationClosed" {
			return
		}
		var id, reason uint32
		if err := godbus.Store(msg.Body, &id, &reason); err != nil {
			s.log.Debug("skip malformed close signal", logx.Err(err))
			return
		}
		s.tracker.closed(id, reason)
	}
}

func (s *Source) control() (godbus.BusObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctl == nil {
		return nil, source.ErrClosed
	}
	return s.ctl.Object(busName, busPath), nil
}

// Cancel closes a notification on the server. Identities outside the
// active table are ignored.
func (s *Source) Cancel(ctx context.Context, id source.Identity) error {
	l, ok := s.tracker.lookup(id)
	if !ok {
		return nil
	}
	obj, err := s.control()
	if err != nil {
		return err
	}
	sid, _ := serverID(l.n.Identity)
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if call := obj.CallWithContext(ctx, ifaceName+".CloseNotification", 0, sid); call.Err != nil {
		return fmt.Errorf("dbus: close %d: %w", sid, call.Err)
	}
	return nil
}

func (s *Source) Active(ctx context.Context) ([]source.Identity, error) {
	out := s.tracker.ids()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Source) Lookup(id source.Identity) (source.Identity, bool) {
	l, ok := s.tracker.lookup(id)
	return l.n.Identity, ok
}

// Post shows a notification from this process.
func (s *Source) Post(ctx context.Context, title, body string) error {
	if !s.PermissionGranted() {
		return source.ErrPermissionDenied
	}
	obj, err := s.control()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	hints := map[string]godbus.Variant{"desktop-entry": godbus.MakeVariant("notibridge")}
	var id uint32
	err = obj.CallWithContext(ctx, ifaceName+".Notify", 0,
		"notibridge", uint32(0), "dialog-information", title, body, []string{}, hints, int32(-1)).Store(&id)
	if err != nil {
		return fmt.Errorf("%w: %v", source.ErrRejected, err)
	}
	return nil
}

// InvokeAction emits ActionInvoked for the "default" action. Notifications
// that did not register one report false.
func (s *Source) InvokeAction(ctx context.Context, id source.Identity) (bool, error) {
	l, ok := s.tracker.lookup(id)
	if !ok || !hasAction(l.actions, "default") {
		return false, nil
	}
	s.mu.Lock()
	ctl := s.ctl
	s.mu.Unlock()
	if ctl == nil {
		return false, source.ErrClosed
	}
	sid, _ := serverID(l.n.Identity)
	if err := ctl.Emit(busPath, ifaceName+".ActionInvoked", sid, "default"); err != nil {
		return false, fmt.Errorf("dbus: action %d: %w", sid, err)
	}
	return true, nil
}

// PermissionGranted reports whether the bus accepted the monitor request.
func (s *Source) PermissionGranted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granted
}

// RequestPermission cannot prompt anyone; bus policy decides.
func (s *Source) RequestPermission(ctx context.Context) bool { return s.PermissionGranted() }

func (s *Source) AppLabel(appID string) (string, error) { return s.apps.label(appID) }

func (s *Source) Launch(ctx context.Context, appID string) (bool, error) {
	return s.apps.launch(ctx, appID)
}
