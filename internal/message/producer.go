package message

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/sparkplug/ocpp-session-engine/internal/domain/events"
	"github.com/sparkplug/ocpp-session-engine/internal/metrics"
)

// EventProducer 将站点事件异步写入Kafka事件主题
type EventProducer struct {
	producer sarama.AsyncProducer
	topic    string
}

// NewEventProducer 创建事件生产者
func NewEventProducer(brokers []string, topic string) (*EventProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka async producer: %w", err)
	}
	return NewEventProducerWithAsyncProducer(producer, topic), nil
}

// NewEventProducerWithAsyncProducer 注入底层生产者，用于测试
func NewEventProducerWithAsyncProducer(producer sarama.AsyncProducer, topic string) *EventProducer {
	p := &EventProducer{
		producer: producer,
		topic:    topic,
	}
	go p.handleSuccesses()
	go p.handleErrors()
	return p
}

// PublishEvent 发布单个事件
// 以站点标识作为分区键，保证同一站点的事件保持顺序
func (p *EventProducer) PublishEvent(event events.Event) error {
	eventData, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.GetStationID()),
		Value: sarama.ByteEncoder(eventData),
	}
	metrics.EventsRecorded.WithLabelValues(string(event.GetSource())).Inc()
	return nil
}

// Close 关闭生产者并冲刷在途消息
func (p *EventProducer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

func (p *EventProducer) handleSuccesses() {
	for msg := range p.producer.Successes() {
		log.Debug().
			Str("topic", msg.Topic).
			Str("key", string(msg.Key.(sarama.StringEncoder))).
			Msg("Kafka message sent successfully")
	}
}

func (p *EventProducer) handleErrors() {
	for err := range p.producer.Errors() {
		log.Error().
			Err(err).
			Str("topic", err.Msg.Topic).
			Str("key", string(err.Msg.Key.(sarama.StringEncoder))).
			Msg("Failed to send Kafka message")
	}
}
