package hermes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// QueueGroup is shared by every spotlight replica, so each analysis request
// is delivered to exactly one of them.
const QueueGroup = "spotlight"

// Client carries spotlight's analysis traffic over NATS: lifecycle events
// out, analysis requests in.
type Client struct {
	nc     *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

// NewClient dials url. The connection keeps retrying in the background when
// the server is not up yet.
func NewClient(url, token string, logger *slog.Logger) (*Client, error) {
	log := logger.With("component", "hermes")
	opts := []nats.Option{
		nats.Name("spotlight"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.ConnectHandler(func(nc *nats.Conn) {
			log.Info("nats connected", "server", nc.ConnectedUrlRedacted())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "server", nc.ConnectedUrlRedacted())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("nats connection closed")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	if !nc.IsConnected() {
		log.Warn("nats not reachable yet, events are buffered until it is", "url", url)
	}
	return &Client{nc: nc, logger: log}, nil
}

// Publish sends event as JSON on subject.
func (c *Client) Publish(subject string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", subject, err)
	}
	if err := c.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	c.logger.Debug("event published", "subject", subject, "bytes", len(payload))
	return nil
}

// Subscribe delivers every message on subject to handle. Wildcards are
// allowed.
func (c *Client) Subscribe(subject string, handle func(subject string, data []byte)) error {
	return c.subscribe(subject, "", handle)
}

// ServeRequests consumes analysis requests as a member of QueueGroup.
func (c *Client) ServeRequests(handle func(subject string, data []byte)) error {
	return c.subscribe(SubjectAnalysisRequested, QueueGroup, handle)
}

func (c *Client) subscribe(subject, queue string, handle func(subject string, data []byte)) error {
	cb := func(msg *nats.Msg) { handle(msg.Subject, msg.Data) }

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = c.nc.Subscribe(subject, cb)
	} else {
		sub, err = c.nc.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject, "queue", queue)
	return nil
}

// Connected reports whether the connection is currently up.
func (c *Client) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close drops the subscriptions and flushes pending events before
// disconnecting.
func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	if err := c.nc.Drain(); err != nil {
		c.logger.Warn("nats drain failed", "error", err)
		c.nc.Close()
	}
}
