//go:build integration

package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"weekcal/internal/model"
)

type RabbitMQIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *rabbitmq.RabbitMQContainer
	amqpURL   string
}

func (s *RabbitMQIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	container, err := rabbitmq.Run(s.ctx,
		"rabbitmq:3.13-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	amqpURL, err := container.AmqpURL(s.ctx)
	s.Require().NoError(err)
	s.amqpURL = amqpURL
}

func (s *RabbitMQIntegrationSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func TestRabbitMQIntegrationSuite(t *testing.T) {
	suite.Run(t, new(RabbitMQIntegrationSuite))
}

func (s *RabbitMQIntegrationSuite) TestConnect_WithoutQueue() {
	n, err := NewRabbitMQ(Config{URL: s.amqpURL, Exchange: "weekcal-noqueue", RoutingKey: "feed.updated"})
	s.Require().NoError(err)
	s.NoError(n.Close())
}

func (s *RabbitMQIntegrationSuite) TestNotify_Success() {
	cfg := Config{
		URL:        s.amqpURL,
		Exchange:   "weekcal-ok",
		RoutingKey: "feed.updated",
		QueueName:  "weekcal-ok-queue",
	}

	n, err := NewRabbitMQ(cfg)
	s.Require().NoError(err)
	defer n.Close()

	at := time.Now().UTC().Truncate(time.Millisecond)
	s.Require().NoError(n.Notify(s.ctx, model.FeedUpdate{
		FeedID: "work", Revision: 3, EventCount: 12, OK: true, At: at,
	}))

	msg := s.consumeMessage(cfg)
	s.Require().NotNil(msg)

	s.Equal("application/json", msg.ContentType)
	s.Equal(MessageType, msg.Type)
	s.Equal(uint8(amqp.Persistent), msg.DeliveryMode)
	_, err = uuid.Parse(msg.MessageId)
	s.NoError(err)

	var got model.FeedUpdate
	s.Require().NoError(json.Unmarshal(msg.Body, &got))
	s.Equal("work", got.FeedID)
	s.Equal(uint64(3), got.Revision)
	s.Equal(12, got.EventCount)
	s.True(got.OK)
	s.True(got.At.Equal(at))
}

func (s *RabbitMQIntegrationSuite) TestNotify_Failure() {
	cfg := Config{
		URL:        s.amqpURL,
		Exchange:   "weekcal-fail",
		RoutingKey: "feed.updated",
		QueueName:  "weekcal-fail-queue",
	}

	n, err := NewRabbitMQ(cfg)
	s.Require().NoError(err)
	defer n.Close()

	s.Require().NoError(n.Notify(s.ctx, model.FeedUpdate{
		FeedID: "home", Revision: 1, ErrorKind: "network_failure", Error: "timeout", At: time.Now(),
	}))

	msg := s.consumeMessage(cfg)
	s.Require().NotNil(msg)

	var got model.FeedUpdate
	s.Require().NoError(json.Unmarshal(msg.Body, &got))
	s.False(got.OK)
	s.Equal("network_failure", got.ErrorKind)
	s.Equal("timeout", got.Error)
}

func (s *RabbitMQIntegrationSuite) consumeMessage(cfg Config) *amqp.Delivery {
	conn, err := amqp.Dial(s.amqpURL)
	s.Require().NoError(err)
	defer conn.Close()

	ch, err := conn.Channel()
	s.Require().NoError(err)
	defer ch.Close()

	msgs, err := ch.Consume(cfg.QueueName, "", true, false, false, false, nil)
	s.Require().NoError(err)

	select {
	case msg := <-msgs:
		return &msg
	case <-time.After(5 * time.Second):
		s.Fail("Timeout waiting for message")
		return nil
	}
}
