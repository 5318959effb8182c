package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"pulseim/logger"
	"pulseim/tools/decode"
	"pulseim/tools/ids"
)

// AppConfig is the full configuration of one gateway process. Every gateway
// is stateless; GatewayID only names the process instance in the shared
// route registry and in logs.
type AppConfig struct {
	GatewayID string `json:"gateway_id"`
	NodeID    int64  `json:"node_id"`
	Port      int    `json:"port"`

	JwtSecret string `json:"jwt_secret"`

	Redis struct {
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       int    `json:"db"`
		PoolSize int    `json:"pool_size"`
	} `json:"redis"`

	Nats struct {
		Servers []string `json:"servers"`
		Name    string   `json:"name"`
	} `json:"nats"`

	Kafka struct {
		Enabled      bool     `json:"enabled"`
		Brokers      []string `json:"brokers"`
		MessageTopic string   `json:"message_topic"`
		ReceiptTopic string   `json:"receipt_topic"`
	} `json:"kafka"`

	Mongo struct {
		URI      string `json:"uri"`
		Database string `json:"database"`
	} `json:"mongo"`

	Heartbeat struct {
		Interval    time.Duration `json:"interval"`     // ping cadence per connection
		PresenceTTL time.Duration `json:"presence_ttl"` // device presence expiry
	} `json:"heartbeat"`

	Mailbox struct {
		Retention time.Duration `json:"retention"` // entries expire even if undrained
		Cap       int           `json:"cap"`       // rolling window per device
	} `json:"mailbox"`

	Fanout struct {
		Workers   int `json:"workers"`    // bounded parallelism for local delivery
		SendQueue int `json:"send_queue"` // per-connection outbound buffer
	} `json:"fanout"`

	Retry struct {
		Attempts int           `json:"attempts"`
		Backoff  time.Duration `json:"backoff"` // first backoff, grows 3x per attempt
	} `json:"retry"`
}

var Global = defaults()

func defaults() AppConfig {
	var c AppConfig
	c.GatewayID = "gateway_1"
	c.NodeID = 1
	c.Port = 8080
	c.JwtSecret = "dev-secret-do-not-ship"
	c.Redis.Addr = "127.0.0.1:6379"
	c.Redis.PoolSize = 20
	c.Nats.Servers = []string{"nats://127.0.0.1:4222"}
	c.Nats.Name = "pulseim-gateway"
	c.Kafka.Brokers = []string{"127.0.0.1:9092"}
	c.Kafka.MessageTopic = "im_message_archive"
	c.Kafka.ReceiptTopic = "im_receipt_archive"
	c.Mongo.URI = "mongodb://127.0.0.1:27017"
	c.Mongo.Database = "pulseim"
	c.Heartbeat.Interval = 30 * time.Second
	c.Heartbeat.PresenceTTL = 90 * time.Second
	c.Mailbox.Retention = 7 * 24 * time.Hour
	c.Mailbox.Cap = 10000
	c.Fanout.Workers = 8
	c.Fanout.SendQueue = 256
	c.Retry.Attempts = 3
	c.Retry.Backoff = 100 * time.Millisecond
	return c
}

// Load reads the YAML config at path (if any), applies env overrides and
// installs the result as Global.
func Load(path string) error {
	c := defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var m map[string]any
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return err
		}
		dec, err := decode.Map[AppConfig](m)
		if err != nil {
			return err
		}
		c = merge(c, *dec)
	}
	applyEnv(&c)
	Global = c
	ids.SetNodeID(c.NodeID)
	logger.Infof("[config] loaded gateway_id=%s port=%d", c.GatewayID, c.Port)
	return nil
}

// merge keeps defaults for zero-valued fields of the decoded config.
func merge(base, in AppConfig) AppConfig {
	out := in
	if out.GatewayID == "" {
		out.GatewayID = base.GatewayID
	}
	if out.NodeID == 0 {
		out.NodeID = base.NodeID
	}
	if out.Port == 0 {
		out.Port = base.Port
	}
	if out.JwtSecret == "" {
		out.JwtSecret = base.JwtSecret
	}
	if out.Redis.Addr == "" {
		out.Redis = base.Redis
	}
	if len(out.Nats.Servers) == 0 {
		out.Nats = base.Nats
	}
	if len(out.Kafka.Brokers) == 0 {
		en := out.Kafka.Enabled
		out.Kafka = base.Kafka
		out.Kafka.Enabled = en
	}
	if out.Mongo.URI == "" {
		out.Mongo = base.Mongo
	}
	if out.Heartbeat.Interval == 0 {
		out.Heartbeat.Interval = base.Heartbeat.Interval
	}
	if out.Heartbeat.PresenceTTL == 0 {
		out.Heartbeat.PresenceTTL = base.Heartbeat.PresenceTTL
	}
	if out.Mailbox.Retention == 0 {
		out.Mailbox.Retention = base.Mailbox.Retention
	}
	if out.Mailbox.Cap == 0 {
		out.Mailbox.Cap = base.Mailbox.Cap
	}
	if out.Fanout.Workers == 0 {
		out.Fanout.Workers = base.Fanout.Workers
	}
	if out.Fanout.SendQueue == 0 {
		out.Fanout.SendQueue = base.Fanout.SendQueue
	}
	if out.Retry.Attempts == 0 {
		out.Retry.Attempts = base.Retry.Attempts
	}
	if out.Retry.Backoff == 0 {
		out.Retry.Backoff = base.Retry.Backoff
	}
	return out
}

func applyEnv(c *AppConfig) {
	if v := os.Getenv("PULSEIM_GATEWAY_ID"); v != "" {
		c.GatewayID = v
	}
	if v := os.Getenv("PULSEIM_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("PULSEIM_NATS_URL"); v != "" {
		c.Nats.Servers = []string{v}
	}
	if v := os.Getenv("PULSEIM_MONGO_URI"); v != "" {
		c.Mongo.URI = v
	}
	if v := os.Getenv("PULSEIM_JWT_SECRET"); v != "" {
		c.JwtSecret = v
	}
}

func GetJwtSecret() []byte {
	return []byte(Global.JwtSecret)
}
