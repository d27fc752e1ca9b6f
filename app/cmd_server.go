package app

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/JiscSD/keylink-relay/api"
	"github.com/JiscSD/keylink-relay/broker"
	"github.com/JiscSD/keylink-relay/exchange"
	"github.com/JiscSD/keylink-relay/message"
	"github.com/JiscSD/keylink-relay/relay"
	"github.com/JiscSD/keylink-relay/s3"
	"github.com/JiscSD/keylink-relay/signer"
	"github.com/JiscSD/keylink-relay/version"
)

func NewCmdServer(logger logrus.FieldLogger, config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.WithFields(logrus.Fields{
				"v":    version.VERSION,
				"mode": config.Relay.Mode,
				"hot":  config.Relay.HotMode,
			}).Info("Starting server...")
			return doServer(logger, config)
		},
	}
}

func doServer(logger logrus.FieldLogger, config *Config) error {
	s, err := server(logger, config, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer s.close()

	var g run.Group
	{
		ln, err := net.Listen("tcp", config.API.Listen)
		if err != nil {
			return err
		}

		g.Add(func() error {
			return s.api.Serve(ln)
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.api.Shutdown(ctx)
		})
	}
	{
		ln, err := net.Listen("tcp", config.Debug.Listen)
		if err != nil {
			return err
		}
		logger.WithField("addr", ln.Addr().String()).Info("HTTP server listening")

		g.Add(func() error {
			return http.Serve(ln, debugMux(s.relay))
		}, func(error) {
			ln.Close()
		})
	}
	if s.pump != nil {
		g.Add(func() error {
			s.pump.Run()
			return nil
		}, func(error) {
			s.pump.Stop()
		})
	}
	{
		cancel := make(chan struct{})

		g.Add(func() error {
			err := interrupt(cancel, s)
			logger.Warn("Shutting down...")
			return err
		}, func(error) {
			close(cancel)
		})
	}

	return g.Run()
}

func debugMux(r *relay.Relay) *http.ServeMux {
	mux := http.NewServeMux()

	// Health check.
	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		status := r.HealthStatus(req.Context())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status.StatusCode)
		_ = json.NewEncoder(w).Encode(status)
	})

	// Prometheus metrics.
	mux.Handle("/metrics", promhttp.Handler())

	// Profiling data.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))

	return mux
}

// relayServer holds the components wired by server.
type relayServer struct {
	logger     logrus.FieldLogger
	relay      *relay.Relay
	api        *api.Server
	pump       *exchange.Pump
	exchange   exchange.Exchange
	repository exchange.Repository
}

// trigger implements signalHandler.
func (s *relayServer) trigger() {
	if s.pump == nil {
		s.logger.Warn("No exchange configured")
		return
	}
	s.pump.Trigger()
}

// logStats implements signalHandler.
func (s *relayServer) logStats() {
	stats := s.relay.Stats()
	s.logger.WithFields(logrus.Fields{
		"mode":    stats.Mode,
		"hot":     stats.HotMode,
		"pending": stats.Pending,
		"signed":  stats.Signed,
	}).Warn("Ledger stats")
}

func (s *relayServer) close() {
	if s.exchange != nil {
		if err := s.exchange.Close(); err != nil {
			s.logger.WithError(err).Warn("Exchange could not be closed")
		}
	}
	if s.repository != nil {
		if err := s.repository.Close(); err != nil {
			s.logger.WithError(err).Warn("Dedupe repository could not be closed")
		}
	}
}

func server(logger logrus.FieldLogger, config *Config, reg prometheus.Registerer) (*relayServer, error) {
	mode, err := config.Mode()
	if err != nil {
		return nil, err
	}

	validator, err := message.NewValidator()
	if err != nil {
		return nil, err
	}

	var s signer.Signer
	{
		logger := logger.WithField("component", "signer")
		s, err = newSigner(logger, config)
		if err != nil {
			return nil, err
		}
		if config.needsSigner() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			_, err := signer.EnsureKeys(ctx, logger, s, config.Signer.MinKeys)
			cancel()
			if err != nil {
				return nil, errors.Wrap(err, "error provisioning keys")
			}
		}
	}

	var r *relay.Relay
	{
		logger := logger.WithField("component", "relay")
		orchestrator := relay.NewOrchestrator(logger, s, config.Signer.Timeout)
		r, err = relay.New(logger,
			relay.Config{Mode: mode, HotMode: config.Relay.HotMode}, s,
			relay.NewLedger(), orchestrator, validator, relay.NewMetrics(reg))
		if err != nil {
			return nil, err
		}
	}

	rs := &relayServer{
		logger: logger,
		relay:  r,
		api:    api.New(logger.WithField("component", "api"), r, validator),
	}

	e, err := newExchange(logger.WithField("component", "exchange"), config, validator, reg)
	if err != nil {
		return nil, err
	}
	if e != nil {
		rs.exchange = e
		opts := []exchange.Option{
			exchange.WithInterval(config.Exchange.Interval),
			exchange.WithRegisterer(reg),
		}
		repo, err := newRepository(logger, config)
		if err != nil {
			rs.close()
			return nil, err
		}
		if repo != nil {
			rs.repository = repo
			opts = append(opts, exchange.WithRepository(repo))
		}
		rs.pump = exchange.NewPump(logger.WithField("component", "pump"), r, e, opts...)
	}

	return rs, nil
}

func newSigner(logger logrus.FieldLogger, config *Config) (signer.Signer, error) {
	if config.Signer.Backend == "remote" {
		r, err := signer.NewRemote(logger, config.Signer.Endpoint, version.UserAgent())
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	ks := signer.NewKeystore(logger)
	for i, k := range config.Signer.Keys {
		alg, secret, err := parseKey(k)
		if err != nil {
			return nil, errors.Wrapf(err, "signer key %d", i)
		}
		if _, err := ks.ImportKey(alg, secret); err != nil {
			return nil, errors.Wrapf(err, "signer key %d", i)
		}
	}
	return ks, nil
}

// parseKey parses "ALGORITHM:hex".
func parseKey(s string) (message.Algorithm, []byte, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return "", nil, errors.New("expected ALGORITHM:hex")
	}
	secret, err := hex.DecodeString(strings.TrimSpace(parts[1]))
	if err != nil {
		return "", nil, errors.Wrap(err, "secret is not hex encoded")
	}
	return message.Algorithm(strings.TrimSpace(parts[0])), secret, nil
}

func newExchange(logger logrus.FieldLogger, config *Config, validator *message.Validator, reg prometheus.Registerer) (exchange.Exchange, error) {
	switch config.Exchange.Backend {
	case "sqs":
		incomingMessages := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keylink_relay",
			Name:      "incoming_messages_total",
			Help:      "The total number of messages received.",
		})
		reg.MustRegister(incomingMessages)

		sess, err := awsSession(logger, config.AWS.SQSProfile, config.AWS.SQSEndpoint)
		if err != nil {
			return nil, err
		}
		sqsClient := sqs.New(sess)

		sess, err = awsSession(logger, config.AWS.SNSProfile, config.AWS.SNSEndpoint)
		if err != nil {
			return nil, err
		}
		snsClient := sns.New(sess)

		b, err := broker.New(
			logger, validator,
			sqsClient, config.Exchange.QueueRecvAddr,
			snsClient, config.Exchange.TopicSendAddr, config.Exchange.TopicInvalidAddr,
			incomingMessages)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "s3":
		sess, err := awsSession(logger, config.AWS.S3Profile, config.AWS.S3Endpoint)
		if err != nil {
			return nil, err
		}
		e, err := exchange.NewS3Exchange(
			logger, s3.New(sess), validator,
			config.Exchange.Bucket, config.Exchange.OutboundPrefix, config.Exchange.InboundPrefix)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "kafka":
		e, err := exchange.NewKafkaExchange(logger, validator, exchange.KafkaConfig{
			Brokers:       config.Exchange.KafkaBrokers,
			OutboundTopic: config.Exchange.KafkaOutboundTopic,
			InboundTopic:  config.Exchange.KafkaInboundTopic,
			ConsumerGroup: config.Exchange.KafkaGroup,
			Timeout:       10 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, nil
}

func newRepository(logger logrus.FieldLogger, config *Config) (exchange.Repository, error) {
	switch config.Exchange.Dedupe {
	case "dynamodb":
		sess, err := awsSession(logger, config.AWS.DynamoDBProfile, config.AWS.DynamoDBEndpoint)
		if err != nil {
			return nil, err
		}
		r, err := broker.NewRepository(dynamodb.New(sess), config.Exchange.DedupeTable)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "leveldb":
		r, err := exchange.NewLevelDBRepository(config.Exchange.DedupePath)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, nil
}

type logrusProxy struct {
	logger logrus.FieldLogger
}

func (l logrusProxy) Log(args ...interface{}) {
	l.logger.WithField("client", "aws").Debug(args...)
}

// awsSession returns a session using NewSessionWithOptions meaning that it
// relies on the SDK defaults but also the user config files and environment.
//
// AWS_S3_FORCE_PATH_STYLE is a made-up environment string that the SDK does
// not look up. It is needed by S3-compatible servers used in development.
func awsSession(logger logrus.FieldLogger, profile, endpoint string) (*session.Session, error) {
	options := session.Options{}
	if profile != "" {
		options.Profile = profile
	}
	if endpoint != "" {
		options.Config.WithEndpoint(endpoint)
	}
	if res, ok := os.LookupEnv("AWS_S3_FORCE_PATH_STYLE"); ok {
		enabled, _ := strconv.ParseBool(res)
		options.Config.WithS3ForcePathStyle(enabled)
	}
	if logrus.GetLevel() == logrus.DebugLevel {
		options.Config.WithCredentialsChainVerboseErrors(true)
	}
	options.Config.WithLogger(logrusProxy{logger: logger})
	return session.NewSessionWithOptions(options)
}
