package mail

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"account-auth/internal/observability"
)

type kind string

const (
	kindVerification  kind = "verification"
	kindPasswordReset kind = "password_reset"
	kindTwoFactorCode kind = "two_factor_code"
)

type job struct {
	kind   kind
	to     string
	secret string
}

type DispatcherConfig struct {
	BufferSize  int
	SendTimeout time.Duration
}

// Dispatcher is a Sender that queues messages for a background worker and
// returns immediately. Delivery failures are logged and counted, never
// returned to the caller. A full queue drops the message.
type Dispatcher struct {
	next    Sender
	logger  *observability.Logger
	metrics *observability.Metrics
	timeout time.Duration

	ch        chan job
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewDispatcher(next Sender, logger *observability.Logger, metrics *observability.Metrics, cfg DispatcherConfig) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}

	d := &Dispatcher{
		next:    next,
		logger:  logger,
		metrics: metrics,
		timeout: cfg.SendTimeout,
		ch:      make(chan job, cfg.BufferSize),
		done:    make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case j := <-d.ch:
			d.deliver(j)
		case <-d.done:
			for {
				select {
				case j := <-d.ch:
					d.deliver(j)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	var err error
	switch j.kind {
	case kindVerification:
		err = d.next.SendVerificationEmail(ctx, j.to, j.secret)
	case kindPasswordReset:
		err = d.next.SendPasswordResetEmail(ctx, j.to, j.secret)
	case kindTwoFactorCode:
		err = d.next.Send2FACode(ctx, j.to, j.secret)
	}

	if err != nil {
		d.metrics.MailDispatch(string(j.kind), "failed")
		d.logger.Error("mail_delivery_failed", map[string]any{"kind": string(j.kind), "to": j.to, "error": err.Error()})
		return
	}
	d.metrics.MailDispatch(string(j.kind), "sent")
}

func (d *Dispatcher) enqueue(j job) error {
	if d.closed.Load() {
		d.drop(j)
		return nil
	}
	select {
	case d.ch <- j:
	default:
		d.drop(j)
	}
	return nil
}

func (d *Dispatcher) drop(j job) {
	d.dropped.Add(1)
	d.metrics.MailDispatch(string(j.kind), "dropped")
	d.logger.Warn("mail_dropped", map[string]any{"kind": string(j.kind), "to": j.to})
}

func (d *Dispatcher) SendVerificationEmail(_ context.Context, to, token string) error {
	return d.enqueue(job{kind: kindVerification, to: to, secret: token})
}

func (d *Dispatcher) SendPasswordResetEmail(_ context.Context, to, token string) error {
	return d.enqueue(job{kind: kindPasswordReset, to: to, secret: token})
}

func (d *Dispatcher) Send2FACode(_ context.Context, to, code string) error {
	return d.enqueue(job{kind: kindTwoFactorCode, to: to, secret: code})
}

func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops accepting messages and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}
