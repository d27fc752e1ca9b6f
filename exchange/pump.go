package exchange

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/JiscSD/keylink-relay/message"
)

// DefaultInterval is the time between two exchange cycles.
const DefaultInterval = 5 * time.Second

// Relay is the subset of *relay.Relay driven by the pump.
type Relay interface {
	ExportOutbound(context.Context) (message.DocumentList, error)
	ImportInbound(context.Context, message.DocumentList) ([]string, error)
	Restore(context.Context, message.DocumentList) error
}

// Pump moves documents between a relay and an exchange. Every cycle it
// publishes the outbound documents of the relay and imports the batches
// received.
type Pump struct {
	ctx        context.Context
	cancel     context.CancelFunc
	logger     logrus.FieldLogger
	relay      Relay
	exchange   Exchange
	repository Repository
	interval   time.Duration
	newBackOff func() backoff.BackOff
	triggerCh  chan struct{}
	stopCh     chan chan struct{}
	cycles     *prometheus.CounterVec
}

// Option configures a Pump.
type Option func(*Pump)

// WithRepository enables deduplication of the documents received.
func WithRepository(r Repository) Option {
	return func(p *Pump) {
		p.repository = r
	}
}

// WithInterval sets the time between two cycles.
func WithInterval(d time.Duration) Option {
	return func(p *Pump) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithBackOff sets the policy used to retry publishing.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(p *Pump) {
		p.newBackOff = fn
	}
}

// WithRegisterer registers the pump metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Pump) {
		p.cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keylink_relay",
			Name:      "exchange_cycles_total",
			Help:      "The total number of exchange cycles by result.",
		}, []string{"result"})
		reg.MustRegister(p.cycles)
	}
}

// NewPump returns a Pump. Call Run to start it.
func NewPump(logger logrus.FieldLogger, r Relay, e Exchange, opts ...Option) *Pump {
	p := &Pump{
		logger:   logger,
		relay:    r,
		exchange: e,
		interval: DefaultInterval,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
		triggerCh: make(chan struct{}),
		stopCh:    make(chan chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Run blocks running cycles until Stop is called.
func (p *Pump) Run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case ch := <-p.stopCh:
			p.cancel()
			close(ch)
			return
		case <-ticker.C:
		case <-p.triggerCh:
		}
		if err := p.Cycle(p.ctx); err != nil {
			p.logger.WithError(err).Error("Exchange cycle failed")
		}
	}
}

// Trigger is a non-blocking request to run a cycle now. It is omitted if a
// cycle is already running.
func (p *Pump) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
		p.logger.Info("Exchange cycle triggered")
	default:
		p.logger.Warn("The exchange is currently running a cycle")
	}
}

// Stop blocks until the pump terminates.
func (p *Pump) Stop() {
	ch := make(chan struct{})
	p.stopCh <- ch
	<-ch
}

// Cycle publishes the outbound documents and imports the inbound ones.
func (p *Pump) Cycle(ctx context.Context) error {
	err := p.publish(ctx)
	if err == nil {
		err = p.receive(ctx)
	}
	p.observe(err)
	return err
}

func (p *Pump) observe(err error) {
	if p.cycles == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.cycles.WithLabelValues(result).Inc()
}

// publish sends the outbound documents. When the exchange keeps failing the
// documents are restored into the relay so the next cycle retries them.
func (p *Pump) publish(ctx context.Context) error {
	list, err := p.relay.ExportOutbound(ctx)
	if err != nil {
		return err
	}
	if list.Count == 0 {
		return nil
	}

	op := func() error {
		return p.exchange.Publish(ctx, list)
	}
	notify := func(err error, d time.Duration) {
		p.logger.WithError(err).WithField("retryIn", d.String()).Warn("Publishing documents failed")
	}
	err = backoff.RetryNotify(op, backoff.WithContext(p.newBackOff(), ctx), notify)
	if err == nil {
		p.logger.WithField("count", list.Count).Info("Documents published")
		return nil
	}

	// The cycle context may be done already.
	if rerr := p.relay.Restore(context.Background(), list); rerr != nil {
		p.logger.WithError(rerr).WithField("count", list.Count).Error("Documents could not be restored and were lost")
	}
	return errors.Wrap(err, "error publishing documents")
}

func (p *Pump) receive(ctx context.Context) error {
	deliveries, err := p.exchange.Receive(ctx)
	if err != nil {
		return errors.Wrap(err, "error receiving documents")
	}
	for _, d := range deliveries {
		list, err := p.filter(ctx, d.List)
		if err != nil {
			return err
		}
		if list.Count > 0 {
			if _, err := p.relay.ImportInbound(ctx, list); err != nil {
				return err
			}
			p.logger.WithField("count", list.Count).Info("Documents received")
		}
		if err := d.Ack(ctx); err != nil {
			p.logger.WithError(err).Warn("Delivery could not be acknowledged")
		}
	}
	return nil
}

// filter removes the documents delivered before.
func (p *Pump) filter(ctx context.Context, list message.DocumentList) (message.DocumentList, error) {
	if p.repository == nil {
		return list, nil
	}
	docs := make([]message.Document, 0, len(list.Documents))
	for _, doc := range list.Documents {
		seen, err := p.repository.SeenBeforeOrStore(ctx, doc.Key())
		if err != nil {
			return message.DocumentList{}, errors.Wrap(err, "error checking the dedupe repository")
		}
		if seen {
			p.logger.WithField("documentId", doc.ID).Warn("Document delivered before and skipped")
			continue
		}
		docs = append(docs, doc)
	}
	return message.NewDocumentList(docs...), nil
}
