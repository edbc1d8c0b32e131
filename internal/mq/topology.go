package mq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeJobs Exchange = "stepflow.jobs"
	ExchangeDLQ  Exchange = "stepflow.dlq"
)

// Queues — имена очередей.
const (
	QueueJobsSubmitted Queue = "jobs.submitted"
	QueueDLQJobs       Queue = "dlq.jobs"
)

// Routing keys.
const (
	RoutingKeySubmitted RoutingKey = "submitted"
	RoutingKeyDLQJobs   RoutingKey = "jobs"
)

// DeliveryLimit — сколько раз заявка может вернуться в очередь
// (например, после остановки worker посреди выполнения).
const DeliveryLimit = 5

type exchangeDecl struct {
	name Exchange
	kind string
}

type queueDecl struct {
	name Queue
	args amqp.Table
}

type bindingDecl struct {
	queue      Queue
	routingKey RoutingKey
	exchange   Exchange
}

// Topology — объявления exchanges, queues и bindings.
type Topology struct {
	exchanges []exchangeDecl
	queues    []queueDecl
	bindings  []bindingDecl
}

// DefaultTopology возвращает топологию заявок на выполнение job.
func DefaultTopology() Topology {
	submittedArgs := amqp.Table{
		"x-queue-type":              "quorum",
		"x-delivery-limit":          DeliveryLimit,
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQJobs),
	}

	return Topology{
		exchanges: []exchangeDecl{
			{ExchangeJobs, amqp.ExchangeDirect},
			{ExchangeDLQ, amqp.ExchangeDirect},
		},
		queues: []queueDecl{
			// jobs.submitted — quorum-очередь: отклонённые заявки и заявки,
			// возвращённые больше DeliveryLimit раз, уходят в dlq.jobs
			{QueueJobsSubmitted, submittedArgs},
			{QueueDLQJobs, nil},
		},
		bindings: []bindingDecl{
			{QueueJobsSubmitted, RoutingKeySubmitted, ExchangeJobs},
			{QueueDLQJobs, RoutingKeyDLQJobs, ExchangeDLQ},
		},
	}
}

// SetupTopology объявляет топологию по умолчанию.
func SetupTopology(conn *Connection) error {
	return conn.WithChannel(DefaultTopology().Declare)
}

// Declare объявляет exchanges, queues и bindings на канале.
func (t Topology) Declare(ch *amqp.Channel) error {
	for _, ex := range t.exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	for _, q := range t.queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	for _, b := range t.bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}

// Queues возвращает имена объявляемых очередей.
func (t Topology) Queues() []Queue {
	out := make([]Queue, 0, len(t.queues))
	for _, q := range t.queues {
		out = append(out, q.name)
	}
	return out
}

// DeadLetter возвращает exchange, в который уходят отклонённые
// сообщения очереди q.
func (t Topology) DeadLetter(q Queue) (Exchange, bool) {
	for _, decl := range t.queues {
		if decl.name != q {
			continue
		}
		ex, ok := decl.args["x-dead-letter-exchange"].(string)
		return Exchange(ex), ok
	}
	return "", false
}
