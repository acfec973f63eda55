// Package natsch exposes the consumer channel on NATS. Commands are
// request/reply on <prefix>.cmd.<method> with the params object as payload;
// pushes are published on <prefix>.event.<name>.
package natsch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"notibridge/internal/consumer"
	"notibridge/internal/metrics"
	logx "notibridge/pkg/logx"
)

const transportName = "nats"

// ActorHeader names the caller in the audit log when set on a request.
const ActorHeader = "Notibridge-Actor"

type Options struct {
	URL           string
	SubjectPrefix string
	Name          string

	Log     logx.Logger
	Metrics *metrics.Collector
}

// Channel bridges a NATS connection to the dispatcher and hub.
type Channel struct {
	prefix string
	disp   *consumer.Dispatcher
	log    logx.Logger
	m      *metrics.Collector

	publish func(subject string, data []byte) error

	nc     *nats.Conn
	sub    *nats.Subscription
	detach func()
}

func newChannel(disp *consumer.Dispatcher, opts Options) *Channel {
	prefix := strings.Trim(opts.SubjectPrefix, ".")
	if prefix == "" {
		prefix = "notibridge"
	}
	return &Channel{
		prefix: prefix,
		disp:   disp,
		log:    opts.Log.With(logx.String("comp", "consumer.nats")),
		m:      opts.Metrics,
	}
}

// Connect dials the server, subscribes to commands and attaches to hub.
// The connection reconnects forever; Close ends it.
func Connect(disp *consumer.Dispatcher, hub *consumer.Hub, opts Options) (*Channel, error) {
	c := newChannel(disp, opts)
	name := opts.Name
	if name == "" {
		name = "notibridge"
	}
	nc, err := nats.Connect(opts.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info("nats reconnected", logx.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	c.nc = nc
	c.publish = nc.Publish

	sub, err := nc.Subscribe(c.prefix+".cmd.>", c.onRequest)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	c.sub = sub
	c.detach = hub.Add(c)
	c.m.SessionOpened(transportName)
	c.log.Info("nats channel ready", logx.String("prefix", c.prefix), logx.String("url", nc.ConnectedUrl()))
	return c, nil
}

// Close detaches from the hub and drains the connection.
func (c *Channel) Close() error {
	if c.detach != nil {
		c.detach()
	}
	if c.nc == nil {
		return nil
	}
	c.m.SessionClosed(transportName)
	err := c.nc.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

func (c *Channel) Name() string { return transportName }

// Deliver publishes ev. Publish only buffers, so a slow server surfaces
// as an error from the client's pending limits.
func (c *Channel) Deliver(ev consumer.Event) bool {
	b, err := json.Marshal(ev.Data)
	if err != nil || c.publish == nil {
		return false
	}
	if err := c.publish(c.prefix+".event."+ev.Name, b); err != nil {
		c.log.Debug("nats publish failed", logx.String("event", ev.Name), logx.Err(err))
		return false
	}
	return true
}

func (c *Channel) onRequest(msg *nats.Msg) {
	actor := msg.Header.Get(ActorHeader)
	out := c.handle(context.Background(), msg.Subject, actor, msg.Data)
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(out); err != nil {
		c.log.Debug("nats respond failed", logx.String("subject", msg.Subject), logx.Err(err))
	}
}

// handle runs the command addressed by subject and returns the response
// frame.
func (c *Channel) handle(ctx context.Context, subject, actor string, payload []byte) []byte {
	method, ok := strings.CutPrefix(subject, c.prefix+".cmd.")
	var resp consumer.Response
	if !ok || method == "" || strings.Contains(method, ".") {
		resp = consumer.InvalidFrame(fmt.Errorf("bad subject %q", subject))
	} else {
		resp = c.disp.Handle(ctx, consumer.Caller{Transport: transportName, Actor: actor}, consumer.Request{
			Method: method,
			Params: payload,
		})
	}
	b, err := json.Marshal(resp)
	if err != nil {
		b, _ = json.Marshal(consumer.InvalidFrame(err))
	}
	return b
}
