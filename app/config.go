package app

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/JiscSD/keylink-relay/relay"
)

const defaultConfig = `# KeyLink Relay

################################## LOGGING ####################################

[logging]

#
# Logging verbosity level.
# Supported values: "DEBUG", "INFO", "WARN", "ERROR", "FATAL" or "PANIC".
#
level = "INFO"

#
# Log line format: "text" or "json".
#
format = "text"

################################### RELAY #####################################

[relay]

#
# Role of this process, "frontend" or "backend".
#
# The frontend serves the custody client and queues the signing requests.
# The backend holds the keys and signs the requests it receives.
#
mode = "frontend"

#
# When enabled the frontend signs the requests as they arrive instead of
# sending them to a backend. The frontend then needs a signer.
#
hot_mode = false

################################### SIGNER ####################################

[signer]

#
# Signer used by the backend (or a hot frontend):
#
#   backend="keystore"
#   Keys are held in memory. They are imported from "keys" and generated
#   on startup when there are fewer than "min_keys" of an algorithm.
#
#   backend="remote"
#   Keys are held by a signing server reachable at "endpoint".
#
backend = "keystore"
endpoint = "http://localhost:9080/signing/api/v2/"

#
# Keys imported into the keystore, e.g. "EDDSA_ED25519:<hex seed>" or
# "ECDSA_SECP256K1:<hex scalar>".
#
keys = []

#
# Time allowed to sign a single message.
#
timeout = "10s"

#
# Minimum number of keys per algorithm.
#
min_keys = 0

##################################### API #####################################

[api]

#
# Address of the customer server and the document API.
#
listen = ":8080"

#################################### DEBUG ####################################

[debug]

#
# Address of the health, metrics and profiling endpoints.
#
listen = ":6060"

################################### EXCHANGE ##################################

[exchange]

#
# Transport used to move documents between the frontend and the backend:
# "none" (the document API only), "sqs", "s3" or "kafka".
#
backend = "none"

#
# Time between two exchange cycles.
#
interval = "5s"

#
# Remember the documents received to drop redeliveries: "" (disabled),
# "dynamodb" (dedupe_table) or "leveldb" (dedupe_path).
#
dedupe = ""
dedupe_table = "keylink_relay_dedupe"
dedupe_path = "/var/lib/keylink-relay/dedupe"

#
# AWS SQS queue URL, e.g. "https://queue.amazonaws.com/80398EXAMPLE/MyQueue".
# AWS SNS topic ARNs, e.g. "arn:aws:sns:us-east-2:444455556666:topic1".
#
queue_recv_addr = ""
topic_send_addr = ""
topic_invalid_addr = ""

#
# S3 bucket shared by both sides and the prefixes written and read by
# this process.
#
bucket = ""
outbound_prefix = "frontend"
inbound_prefix = "backend"

#
# Kafka brokers, topics written and read by this process and consumer group.
#
kafka_brokers = []
kafka_outbound_topic = "keylink-frontend"
kafka_inbound_topic = "keylink-backend"
kafka_group = "keylink-relay"

################################## AWS ########################################

[aws]

s3_profile = ""
s3_endpoint = ""

dynamodb_profile = ""
dynamodb_endpoint = ""

sqs_profile = ""
sqs_endpoint = ""

sns_profile = ""
sns_endpoint = ""
`

type Config struct {
	v *viper.Viper

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	Relay struct {
		Mode    string `mapstructure:"mode"`
		HotMode bool   `mapstructure:"hot_mode"`
	} `mapstructure:"relay"`

	Signer struct {
		Backend  string        `mapstructure:"backend"`
		Endpoint string        `mapstructure:"endpoint"`
		Keys     []string      `mapstructure:"keys"`
		Timeout  time.Duration `mapstructure:"timeout"`
		MinKeys  int           `mapstructure:"min_keys"`
	} `mapstructure:"signer"`

	API struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"api"`

	Debug struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"debug"`

	Exchange struct {
		Backend            string        `mapstructure:"backend"`
		Interval           time.Duration `mapstructure:"interval"`
		Dedupe             string        `mapstructure:"dedupe"`
		DedupeTable        string        `mapstructure:"dedupe_table"`
		DedupePath         string        `mapstructure:"dedupe_path"`
		QueueRecvAddr      string        `mapstructure:"queue_recv_addr"`
		TopicSendAddr      string        `mapstructure:"topic_send_addr"`
		TopicInvalidAddr   string        `mapstructure:"topic_invalid_addr"`
		Bucket             string        `mapstructure:"bucket"`
		OutboundPrefix     string        `mapstructure:"outbound_prefix"`
		InboundPrefix      string        `mapstructure:"inbound_prefix"`
		KafkaBrokers       []string      `mapstructure:"kafka_brokers"`
		KafkaOutboundTopic string        `mapstructure:"kafka_outbound_topic"`
		KafkaInboundTopic  string        `mapstructure:"kafka_inbound_topic"`
		KafkaGroup         string        `mapstructure:"kafka_group"`
	} `mapstructure:"exchange"`

	AWS struct {
		S3Profile        string `mapstructure:"s3_profile"`
		S3Endpoint       string `mapstructure:"s3_endpoint"`
		DynamoDBProfile  string `mapstructure:"dynamodb_profile"`
		DynamoDBEndpoint string `mapstructure:"dynamodb_endpoint"`
		SQSProfile       string `mapstructure:"sqs_profile"`
		SQSEndpoint      string `mapstructure:"sqs_endpoint"`
		SNSProfile       string `mapstructure:"sns_profile"`
		SNSEndpoint      string `mapstructure:"sns_endpoint"`
	} `mapstructure:"aws"`
}

// Mode returns the configured relay mode.
func (c Config) Mode() (relay.Mode, error) {
	return relay.ParseMode(c.Relay.Mode)
}

// needsSigner reports whether this process signs requests.
func (c Config) needsSigner() bool {
	return strings.EqualFold(c.Relay.Mode, "backend") || c.Relay.HotMode
}

func (c Config) Validate() error {
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return errors.Errorf("unknown log format %q", c.Logging.Format)
	}
	mode, err := c.Mode()
	if err != nil {
		return err
	}
	if mode == relay.ModeBackend && c.Relay.HotMode {
		return errors.New("hot_mode is only supported in frontend mode")
	}
	switch c.Signer.Backend {
	case "keystore", "remote":
	default:
		return errors.Errorf("unknown signer backend %q", c.Signer.Backend)
	}
	if c.Signer.Timeout <= 0 {
		return errors.New("signer timeout must be positive")
	}
	if c.Signer.MinKeys < 0 {
		return errors.New("min_keys cannot be negative")
	}
	switch c.Exchange.Backend {
	case "none", "sqs", "s3", "kafka":
	default:
		return errors.Errorf("unknown exchange backend %q", c.Exchange.Backend)
	}
	if c.Exchange.Interval <= 0 {
		return errors.New("exchange interval must be positive")
	}
	switch c.Exchange.Dedupe {
	case "", "dynamodb", "leveldb":
	default:
		return errors.Errorf("unknown dedupe repository %q", c.Exchange.Dedupe)
	}
	return nil
}

func (c Config) String() string {
	tmpfile, err := os.CreateTemp("", "config.*.toml")
	if err != nil {
		return err.Error()
	}
	tmpfile.Close()
	defer os.Remove(tmpfile.Name())
	err = c.v.WriteConfigAs(tmpfile.Name())
	if err != nil {
		return err.Error()
	}
	blob, err := os.ReadFile(tmpfile.Name())
	if err != nil {
		return err.Error()
	}
	return string(blob)
}

func loadConfig(c *Config) error {
	v := viper.New()

	v.SetEnvPrefix("KEYLINK_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("keylink-relay")
	v.SetConfigType("toml")
	v.AddConfigPath("$HOME/.config/")
	v.AddConfigPath("/etc/keylink-relay/")

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	// Read our default configuration.
	if err := v.ReadConfig(strings.NewReader(defaultConfig)); err != nil {
		panic(err) // Not in the user path.
	}

	// Include configuration file provided by the user.
	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return errors.Wrap(err, "configuration unmarshaling failed")
	}

	if err := c.Validate(); err != nil {
		return errors.Wrap(err, "config did not pass validation")
	}

	c.v = v

	return nil
}
