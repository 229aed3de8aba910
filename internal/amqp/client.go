// Package amqp connects the billing engine to RabbitMQ: close-statement
// commands flow in through the statement queue, statement-closed events flow
// out through the ledger queue to nudge the export worker.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"fatura/internal/services"
)

type Client struct {
	conn           *amqp091.Connection
	channel        *amqp091.Channel
	exchangeName   string
	statementQueue string
	ledgerQueue    string
}

func NewClient(url, exchangeName, statementQueue, ledgerQueue string) (*Client, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	client := &Client{
		conn:           conn,
		channel:        channel,
		exchangeName:   exchangeName,
		statementQueue: statementQueue,
		ledgerQueue:    ledgerQueue,
	}

	if err := client.setup(); err != nil {
		client.Close()
		return nil, fmt.Errorf("setup exchange and queues: %w", err)
	}

	return client, nil
}

func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.exchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for _, queue := range []string{c.statementQueue, c.ledgerQueue} {
		_, err = c.channel.QueueDeclare(
			queue,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}

		// Routing key mirrors the queue name on the direct exchange.
		err = c.channel.QueueBind(queue, queue, c.exchangeName, false, nil)
		if err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}

	return nil
}

// PublishCloseStatement enqueues a close-statement command for the worker.
func (c *Client) PublishCloseStatement(ctx context.Context, userID, instrumentID string, ref time.Time) error {
	msg := NewCloseStatementMessage(userID, instrumentID, ref)
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := c.publish(ctx, c.statementQueue, body); err != nil {
		return err
	}

	slog.InfoContext(ctx, "Published close statement command",
		"instrument_id", instrumentID,
		"queue", c.statementQueue)
	return nil
}

// PublishStatementClosed announces a settled statement on the ledger queue,
// nudging the export worker to drain its sync backlog.
func (c *Client) PublishStatementClosed(ctx context.Context, event services.StatementClosedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := c.publish(ctx, c.ledgerQueue, body); err != nil {
		return err
	}

	slog.InfoContext(ctx, "Published statement closed event",
		"transaction_id", event.TransactionID,
		"queue", c.ledgerQueue)
	return nil
}

func (c *Client) publish(ctx context.Context, routingKey string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := c.channel.PublishWithContext(
		ctx,
		c.exchangeName,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// ConsumeCloseStatements delivers close-statement commands to handler with
// manual acknowledgement. Handler failures requeue the delivery; malformed
// payloads are dropped.
func (c *Client) ConsumeCloseStatements(ctx context.Context, handler func(*CloseStatementMessage) error) error {
	msgs, err := c.channel.Consume(
		c.statementQueue,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Started consuming close statement commands", "queue", c.statementQueue)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping message consumption", "reason", ctx.Err())
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			msg, err := CloseStatementMessageFromJSON(delivery.Body)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to unmarshal message", "error", err)
				delivery.Nack(false, false)
				continue
			}

			if err := handler(msg); err != nil {
				slog.ErrorContext(ctx, "Failed to handle message",
					"error", err,
					"instrument_id", msg.InstrumentID)
				delivery.Nack(false, !isConnectionError(err))
				continue
			}

			delivery.Ack(false)
		}
	}
}

// ConsumeLedgerNudges invokes handler for every statement-closed event on
// the ledger queue. The payload itself is not needed; the worker drains the
// database-backed sync queue when nudged.
func (c *Client) ConsumeLedgerNudges(ctx context.Context, handler func() error) error {
	msgs, err := c.channel.Consume(c.ledgerQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Started consuming ledger nudges", "queue", c.ledgerQueue)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping message consumption", "reason", ctx.Err())
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			if err := handler(); err != nil {
				slog.ErrorContext(ctx, "Failed to handle nudge", "error", err)
				delivery.Nack(false, true)
				continue
			}
			delivery.Ack(false)
		}
	}
}

func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// ConsumeWithRetry runs consume against a fresh client, redialing the broker
// with exponential backoff whenever the connection drops. Returns only when
// ctx is cancelled.
func ConsumeWithRetry(ctx context.Context, url, exchange, statementQueue, ledgerQueue string, consume func(context.Context, *Client) error) error {
	attempt := 0
	for {
		client, err := NewClient(url, exchange, statementQueue, ledgerQueue)
		if err == nil {
			attempt = 0
			err = consume(ctx, client)
			client.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := exponentialBackoff(attempt)
		attempt++
		slog.WarnContext(ctx, "AMQP consumer interrupted, reconnecting",
			"error", err,
			"attempt", attempt,
			"wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// exponentialBackoff returns the wait before reconnect attempt n, capped at
// 30 seconds.
func exponentialBackoff(attempt int) time.Duration {
	d := time.Second << attempt
	if d > 30*time.Second || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// isConnectionError reports whether err looks like a broken broker
// connection rather than a handler failure.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection closed",
		"unexpected EOF",
		"broken pipe",
		"use of closed network connection",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
