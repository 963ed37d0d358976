package message

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/sparkplug/ocpp-session-engine/internal/domain/ocpp"
	"github.com/sparkplug/ocpp-session-engine/internal/logger"
)

// Command 运营侧下发给站点的远程命令
type Command struct {
	StationID string          `json:"stationId"`
	Action    ocpp.Action     `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CommandHandler 处理一条远程命令
type CommandHandler func(cmd *Command)

// SaramaConsumerGroup 消费者组的最小接口，便于测试注入
type SaramaConsumerGroup interface {
	Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	Close() error
}

// CommandConsumer 消费命令主题并将命令派发给处理函数
type CommandConsumer struct {
	consumerGroup SaramaConsumerGroup
	topic         string
	logger        *logger.Logger
	cancel        context.CancelFunc
	handler       CommandHandler
}

// NewCommandConsumer 创建命令消费者
func NewCommandConsumer(brokers []string, groupID, topic string, log *logger.Logger) (*CommandConsumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRange()
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Sarama consumer group: %w", err)
	}

	go func() {
		for err := range consumerGroup.Errors() {
			log.Errorf("Sarama consumer group error: %v", err)
		}
	}()

	return NewCommandConsumerWithGroup(consumerGroup, topic, log), nil
}

// NewCommandConsumerWithGroup 注入消费者组，用于测试
func NewCommandConsumerWithGroup(group SaramaConsumerGroup, topic string, log *logger.Logger) *CommandConsumer {
	if log == nil {
		log = logger.Default()
	}
	return &CommandConsumer{
		consumerGroup: group,
		topic:         topic,
		logger:        log.WithComponent("command_consumer"),
	}
}

// Start 启动消费循环
func (c *CommandConsumer) Start(handler CommandHandler) error {
	c.handler = handler

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		defer cancel()
		for {
			if err := c.consumerGroup.Consume(ctx, []string{c.topic}, c); err != nil {
				c.logger.Errorf("Error from Kafka consumer group: %v", err)
			}
			if ctx.Err() != nil {
				c.logger.Info("Kafka consumer context cancelled, stopping consumption.")
				return
			}
			time.Sleep(time.Second)
		}
	}()
	return nil
}

// Close 停止消费并关闭消费者组
func (c *CommandConsumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.consumerGroup != nil {
		return c.consumerGroup.Close()
	}
	return nil
}

// -- sarama.ConsumerGroupHandler 接口实现 --

func (c *CommandConsumer) Setup(sarama.ConsumerGroupSession) error {
	c.logger.Info("Kafka consumer group setup completed.")
	return nil
}

func (c *CommandConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	c.logger.Info("Kafka consumer group cleanup completed.")
	return nil
}

// ConsumeClaim 逐条反序列化命令并派发
// 反序列化失败的消息也会被标记，避免卡住消费位点
func (c *CommandConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		var cmd Command
		if err := json.Unmarshal(message.Value, &cmd); err != nil {
			c.logger.Errorf("Failed to unmarshal Kafka message: %v, message: %s", err, string(message.Value))
			session.MarkMessage(message, "")
			continue
		}

		c.handler(&cmd)
		session.MarkMessage(message, "")

		c.logger.Debugf("Command consumed: Topic=%s, Partition=%d, Offset=%d, Station=%s",
			message.Topic, message.Partition, message.Offset, cmd.StationID)
	}
	return nil
}
