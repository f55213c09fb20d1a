// Package rabbitmq delivers notifications to a durable fanout exchange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/louisbranch/eventlog/internal/platform/timeouts"
	"github.com/louisbranch/eventlog/internal/services/eventlog/notification"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the transport uses. The channel is
// put in confirm mode, so a publish is only done once the broker acks it.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (Confirmation, error)
	Close() error
}

// Confirmation is the pending broker ack of one publish.
type Confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// amqpChannel adapts *amqp.Channel to Channel.
type amqpChannel struct {
	*amqp.Channel
}

func (c amqpChannel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (Confirmation, error) {
	confirm, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, immediate, msg)
	if err != nil || confirm == nil {
		return nil, err
	}
	return confirm, nil
}

// Transport publishes each notification as one persistent message.
type Transport struct {
	conn     *amqp.Connection
	channel  Channel
	exchange string
}

// Dial connects to url and declares exchange.
func Dial(url, exchange string) (*Transport, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(timeouts.TransportDial)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	transport, err := New(amqpChannel{ch}, exchange)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	transport.conn = conn
	return transport, nil
}

// New declares exchange on channel as a durable fanout exchange and turns
// on publisher confirms.
func New(channel Channel, exchange string) (*Transport, error) {
	if channel == nil {
		return nil, errors.New("rabbitmq channel is required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		return nil, errors.New("rabbitmq exchange is required")
	}
	err := channel.ExchangeDeclare(
		exchange,
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := channel.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &Transport{channel: channel, exchange: exchange}, nil
}

// Send implements notification.Transport. It returns once the broker has
// confirmed the message; a nack is an error.
func (t *Transport) Send(ctx context.Context, n notification.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification %d: %w", n.ID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.TransportSend)
	defer cancel()

	confirm, err := t.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		t.exchange,
		"",    // fanout ignores the routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    strconv.FormatUint(n.ID, 10),
			Type:         n.TypeName,
			Timestamp:    n.OccurredOn,
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish notification %d: %w", n.ID, err)
	}
	if confirm == nil {
		return fmt.Errorf("publish notification %d: channel is not in confirm mode", n.ID)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm notification %d: %w", n.ID, err)
	}
	if !acked {
		return fmt.Errorf("notification %d was nacked by the broker", n.ID)
	}
	return nil
}

// Close closes the channel and, when Dial opened it, the connection.
func (t *Transport) Close() error {
	err := t.channel.Close()
	if t.conn != nil {
		if connErr := t.conn.Close(); err == nil {
			err = connErr
		}
	}
	return err
}

var _ notification.Transport = (*Transport)(nil)
