// Package broker forwards session lifecycle events to a RabbitMQ topic exchange for downstream consumers.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/victornm/quizsync/internal/domain"
	"github.com/victornm/quizsync/internal/event"
)

const (
	defaultExchange = "quizsync.sessions"

	RoutingKeySessionStarted   = "session.started"
	RoutingKeySessionCompleted = "session.completed"
	RoutingKeySessionDeleted   = "session.deleted"
)

// Channel is the part of *amqp.Channel the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Config struct {
	EventBus *event.Bus
	Channel  Channel
	Exchange string
}

// Message is the body of every published message.
type Message struct {
	SessionID     string        `json:"session_id"`
	JoinCode      string        `json:"join_code"`
	QuizID        string        `json:"quiz_id"`
	HostID        string        `json:"host_id"`
	Status        domain.Status `json:"status"`
	QuestionCount int           `json:"question_count"`
	PlayerIDs     []string      `json:"player_ids,omitempty"`
	Time          time.Time     `json:"time"`
}

type Publisher struct {
	ch       Channel
	exchange string
}

// NewPublisher declares the exchange and subscribes to the session lifecycle events.
func NewPublisher(c Config) (*Publisher, error) {
	p := &Publisher{
		ch:       c.Channel,
		exchange: c.Exchange,
	}

	if p.exchange == "" {
		p.exchange = defaultExchange
	}

	if err := p.ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}

	c.EventBus.Subscribe(domain.EventNameSessionStarted, func(ctx context.Context, e event.Event) error {
		return p.Publish(ctx, RoutingKeySessionStarted, message(e.(domain.EventSessionStarted).Session, nil))
	})

	c.EventBus.Subscribe(domain.EventNameQuizCompleted, func(ctx context.Context, e event.Event) error {
		return p.Publish(ctx, RoutingKeySessionCompleted, message(e.(domain.EventQuizCompleted).Session, nil))
	})

	c.EventBus.Subscribe(domain.EventNameSessionDeleted, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventSessionDeleted)
		return p.Publish(ctx, RoutingKeySessionDeleted, message(ev.Session, ev.Players))
	})

	return p, nil
}

func message(s domain.Session, players []domain.Player) Message {
	m := Message{
		SessionID:     s.SessionID,
		JoinCode:      s.JoinCode,
		QuizID:        s.QuizID,
		HostID:        s.HostID,
		Status:        s.Status,
		QuestionCount: s.QuestionCount,
		Time:          time.Now(),
	}

	for _, p := range players {
		m.PlayerIDs = append(m.PlayerIDs, p.PlayerID)
	}

	return m
}

// Publish sends the message as persistent JSON with the given routing key.
func (p *Publisher) Publish(ctx context.Context, key string, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("broker: marshal %s: %w", key, err)
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.SessionID + ":" + key,
		Timestamp:    m.Time,
		Body:         b,
	})
	if err != nil {
		return fmt.Errorf("broker: publish %s: %w", key, err)
	}

	slog.DebugContext(ctx, "broker: published", "key", key, "session", m.SessionID)

	return nil
}
