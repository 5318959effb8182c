package archive

import (
	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"pulseim/logger"
	"pulseim/tools/safe"
)

// Producer mirrors accepted messages and read receipts onto kafka topics for
// the downstream data-node pipeline. Archiving is best effort by design: a
// failed archive is logged, never bubbled into the send path.
type Producer struct {
	ap           sarama.AsyncProducer
	messageTopic string
	receiptTopic string
}

type Config struct {
	Brokers      []string
	MessageTopic string
	ReceiptTopic string
}

func NewProducer(cfg Config) (*Producer, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Retry.Max = 3
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	ap, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.Wrap(err, "new kafka producer")
	}
	p := &Producer{
		ap:           ap,
		messageTopic: cfg.MessageTopic,
		receiptTopic: cfg.ReceiptTopic,
	}
	safe.Go("archive-errors", func() {
		for perr := range ap.Errors() {
			logger.Errorf("[archive] produce failed topic=%s: %v", perr.Msg.Topic, perr.Err)
		}
	})
	return p, nil
}

// Message archives one accepted message, keyed by conversation so a
// conversation's archive stays on one partition. Safe on a nil receiver:
// a nil Producer is the disabled archive.
func (p *Producer) Message(conversationID string, payload []byte) {
	if p == nil {
		return
	}
	p.send(p.messageTopic, conversationID, payload)
}

// Receipt archives one applied read receipt. Safe on a nil receiver.
func (p *Producer) Receipt(conversationID string, payload []byte) {
	if p == nil {
		return
	}
	p.send(p.receiptTopic, conversationID, payload)
}

func (p *Producer) send(topic, key string, payload []byte) {
	if p == nil || topic == "" {
		return
	}
	p.ap.Input() <- &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}
}

func (p *Producer) Close() error {
	if p == nil {
		return nil
	}
	return p.ap.Close()
}
