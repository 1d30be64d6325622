package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ms-mpesa/internal/config"
	"ms-mpesa/internal/logger"
	"ms-mpesa/internal/metrics"
	"ms-mpesa/internal/models"
)

// Remote status values reported by StatusQuerier.
const (
	RemotePending   = "pending"
	RemoteCompleted = "completed"
	RemoteCancelled = "cancelled"
	RemoteFailed    = "failed"
	RemoteError     = "error"
)

// Poller drives one STK push to a terminal outcome by combining the local
// callback store, checked every tick, with the rate-limited remote status
// query, checked every RemoteEvery ticks unless suspended.
type Poller struct {
	local  NotificationLookup
	remote StatusQuerier
	cfg    config.PollConfig
	logger *logger.Logger

	// Sleep waits one tick. Replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewPoller(local NotificationLookup, remote StatusQuerier, cfg config.PollConfig, log *logger.Logger) *Poller {
	if cfg.Tick <= 0 {
		cfg.Tick = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 30
	}
	if cfg.RemoteEvery <= 0 {
		cfg.RemoteEvery = 4
	}
	if cfg.BackoffTicks < 0 {
		cfg.BackoffTicks = 0
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Poller{
		local:  local,
		remote: remote,
		cfg:    cfg,
		logger: log,
		Sleep:  sleepContext,
		now:    time.Now,
	}
}

// Window is how long a poll with the default attempt count runs before it
// times out.
func (p *Poller) Window() time.Duration {
	return p.cfg.Window()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Poll blocks until the payment identified by checkoutRequestID reaches a
// terminal state, maxAttempts ticks pass, or ctx is cancelled. A
// non-positive maxAttempts uses the configured default. Poll never returns
// an error; every failure is folded into the Outcome.
func (p *Poller) Poll(ctx context.Context, checkoutRequestID string, maxAttempts int) Outcome {
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}
	st := &pollState{correlationID: checkoutRequestID, startedAt: p.now()}
	p.logger.LogPayment("POLL_START", checkoutRequestID, fmt.Sprintf("max %d attempts, tick %s", maxAttempts, p.cfg.Tick))

	for st.attempt = 1; st.attempt <= maxAttempts; st.attempt++ {
		if out, done := p.checkLocal(ctx, st, maxAttempts); done {
			return p.finish(st, out)
		}

		if p.remoteDue(st, maxAttempts) {
			if out, done := p.checkRemote(ctx, st, maxAttempts); done {
				return p.finish(st, out)
			}
		}

		if err := p.Sleep(ctx, p.cfg.Tick); err != nil {
			return p.finish(st, Outcome{
				State:   StateFailed,
				Message: fmt.Sprintf("Payment confirmation abandoned: %v", err),
			})
		}
	}

	st.attempt = maxAttempts
	total := time.Duration(maxAttempts) * p.cfg.Tick
	return p.finish(st, Outcome{
		State:   StateTimedOut,
		Message: fmt.Sprintf("Payment timeout after %s seconds. Customer may not have completed payment.", formatSeconds(total)),
	})
}

func (p *Poller) remoteDue(st *pollState, maxAttempts int) bool {
	if st.attempt%p.cfg.RemoteEvery != 0 {
		return false
	}
	if st.attempt <= st.suspendedUntil {
		p.logger.LogPoll(st.correlationID, st.attempt, maxAttempts, fmt.Sprintf("remote query suspended until attempt %d", st.suspendedUntil))
		return false
	}
	return true
}

func (p *Poller) checkLocal(ctx context.Context, st *pollState, maxAttempts int) (Outcome, bool) {
	res, err := p.local.CheckCallbackReceived(ctx, st.correlationID)
	if err != nil {
		metrics.LocalChecks.WithLabelValues("error").Inc()
		p.logger.Warn("POLL", fmt.Sprintf("Local callback check failed for %s: %v", st.correlationID, err))
		return Outcome{}, false
	}
	if !res.CallbackReceived {
		metrics.LocalChecks.WithLabelValues("none").Inc()
		p.logger.LogPoll(st.correlationID, st.attempt, maxAttempts, "no callback yet")
		return Outcome{}, false
	}
	metrics.LocalChecks.WithLabelValues(string(res.Status)).Inc()

	switch res.Status {
	case models.NotificationSuccess:
		return Outcome{
			State:          StateSucceeded,
			Success:        true,
			Message:        fmt.Sprintf("Payment received! Receipt: %s", res.ReceiptNumber),
			ReceiptNumber:  res.ReceiptNumber,
			NotificationID: res.CallbackID,
			Source:         SourceLocal,
		}, true
	case models.NotificationCancelled:
		return Outcome{
			State:          StateCancelled,
			Message:        "Payment cancelled by user",
			NotificationID: res.CallbackID,
			Source:         SourceLocal,
		}, true
	case models.NotificationFailed:
		msg := res.ResultDesc
		if msg == "" {
			msg = "Payment failed"
		}
		return Outcome{
			State:          StateFailed,
			Message:        msg,
			NotificationID: res.CallbackID,
			Source:         SourceLocal,
		}, true
	}

	p.logger.LogPoll(st.correlationID, st.attempt, maxAttempts, "callback received, still pending")
	return Outcome{}, false
}

func (p *Poller) checkRemote(ctx context.Context, st *pollState, maxAttempts int) (Outcome, bool) {
	st.remoteQueries++
	res, err := p.remote.CheckStatus(ctx, st.correlationID)
	if err != nil {
		metrics.RemoteQueries.WithLabelValues("transport_error").Inc()
		if isRateLimited(errors.Is(err, ErrRateLimited), err.Error()) {
			p.suspend(st)
			return Outcome{}, false
		}
		p.logger.Warn("POLL", fmt.Sprintf("Status query failed for %s (attempt %d): %v", st.correlationID, st.attempt, err))
		return Outcome{}, false
	}
	metrics.RemoteQueries.WithLabelValues(res.Status).Inc()

	switch res.Status {
	case RemoteCompleted:
		msg := res.Message
		if msg == "" {
			msg = "Payment completed"
		}
		return Outcome{State: StateSucceeded, Success: true, Message: msg, Source: SourceRemote}, true
	case RemoteCancelled:
		msg := res.Message
		if msg == "" {
			msg = "Payment cancelled by user"
		}
		return Outcome{State: StateCancelled, Message: msg, Source: SourceRemote}, true
	case RemoteFailed:
		msg := res.Message
		if msg == "" {
			msg = res.Error
		}
		if msg == "" {
			msg = "Payment failed"
		}
		return Outcome{State: StateFailed, Message: msg, Source: SourceRemote}, true
	case RemoteError:
		if isRateLimited(res.RateLimited, res.Message+" "+res.Error) {
			p.suspend(st)
			return Outcome{}, false
		}
		p.logger.Warn("POLL", fmt.Sprintf("Status query error for %s: %s %s", st.correlationID, res.Message, res.Error))
	default:
		p.logger.LogPoll(st.correlationID, st.attempt, maxAttempts, "remote status "+res.Status)
	}
	return Outcome{}, false
}

func (p *Poller) suspend(st *pollState) {
	st.suspendedUntil = st.attempt + p.cfg.BackoffTicks
	metrics.RateLimitBackoffs.Inc()
	p.logger.Warn("POLL", fmt.Sprintf("Rate limited on %s at attempt %d, remote queries suspended until attempt %d",
		st.correlationID, st.attempt, st.suspendedUntil))
}

func (p *Poller) finish(st *pollState, out Outcome) Outcome {
	out.CheckoutRequestID = st.correlationID
	out.Attempts = st.attempt
	out.RemoteQueries = st.remoteQueries
	out.Elapsed = p.now().Sub(st.startedAt)

	metrics.PollOutcomes.WithLabelValues(string(out.State), string(out.Source)).Inc()
	metrics.PollDuration.Observe(out.Elapsed.Seconds())
	p.logger.LogPayment(string(out.State), st.correlationID,
		fmt.Sprintf("%s (attempt %d, %d remote queries)", out.Message, out.Attempts, out.RemoteQueries))
	return out
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
