package checkout

import (
	"context"
	"errors"
	"fmt"
	"math"

	"ms-mpesa/internal/config"
	"ms-mpesa/internal/logger"
	"ms-mpesa/internal/models"
	"ms-mpesa/internal/phone"

	"github.com/shopspring/decimal"
)

// Decision is what happened to the order.
//
//	Proceed: finalized, with reconciliation attempted where applicable
//	Skip:    finalized without linking a payment
//	Abort:   not finalized
type Decision int

const (
	Abort Decision = iota
	Proceed
	Skip
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Skip:
		return "skip"
	default:
		return "abort"
	}
}

type Mode string

const (
	ModeDirect         Mode = "direct"
	ModePayThenSubmit  Mode = "pay_then_submit"
	ModeSubmitThenWait Mode = "submit_then_wait"
)

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Selection is the operator's answer to the candidate prompt. Candidate is
// only meaningful with Proceed.
type Selection struct {
	Decision  Decision
	Candidate models.CandidateView
}

// Prompter is the presentation boundary. Returning an error from any prompt
// aborts the checkout.
type Prompter interface {
	SelectCandidate(ctx context.Context, amount decimal.Decimal, candidates []models.CandidateView) (Selection, error)
	Confirm(ctx context.Context, title, body string) (bool, error)
	// InputPhone returns ok=false when the operator cancels.
	InputPhone(ctx context.Context, amount decimal.Decimal) (phoneNumber string, ok bool, err error)
	Notify(level NoticeLevel, title, message string)
}

type FlowResult struct {
	Mode           Mode
	Decision       Decision
	OrderID        string
	Outcome        *Outcome
	Reconciliation *CommitResult
	Message        string
	Err            error
}

// Finalized reports whether the order was persisted.
func (r FlowResult) Finalized() bool {
	return r.Decision != Abort
}

// Orchestrator sequences the matcher, initiator, poller and committer
// around an injected order finalizer.
type Orchestrator struct {
	Initiator *Initiator
	Poller    *Poller
	Matcher   *Matcher
	Committer *Committer

	local    NotificationLookup
	prompter Prompter
	cfg      config.PollConfig
	logger   *logger.Logger
}

func NewOrchestrator(backend Backend, prompter Prompter, cfg config.PollConfig, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Discard()
	}
	if prompter == nil {
		prompter = silentPrompter{}
	}
	return &Orchestrator{
		Initiator: NewInitiator(backend, log),
		Poller:    NewPoller(backend, backend, cfg, log),
		Matcher:   NewMatcher(backend, cfg.MatchWindow, log),
		Committer: NewCommitter(backend, log),
		local:     backend,
		prompter:  prompter,
		cfg:       cfg,
		logger:    log,
	}
}

// Validate finalizes the session's order, running whichever payment flow
// the order and the push toggle call for.
func (o *Orchestrator) Validate(ctx context.Context, s *Session) FlowResult {
	if s.MpesaLine == nil {
		res := FlowResult{Mode: ModeDirect}
		return o.finalize(ctx, s, res, Proceed)
	}
	if s.PushEnabled {
		return o.pushFlow(ctx, s)
	}
	return o.searchFlow(ctx, s)
}

func (o *Orchestrator) searchFlow(ctx context.Context, s *Session) FlowResult {
	res := FlowResult{Mode: ModePayThenSubmit}
	amount := s.MpesaLine.Amount

	found := o.Matcher.FindCandidates(ctx, amount, o.cfg.MatchWindow)
	if found.Err != nil {
		o.prompter.Notify(NoticeError, "Search Failed", found.Message)
		return o.abort(res, found.Message, found.Err)
	}

	if len(found.Candidates) == 0 {
		window := o.cfg.MatchWindow
		if window <= 0 {
			window = o.Matcher.window
		}
		ok, err := o.prompter.Confirm(ctx, "No Matching Payment Found",
			fmt.Sprintf("No unreconciled M-Pesa payment of KES %s was received in the last %d minutes.\n\nValidate the order without matching a payment?",
				amount.StringFixed(2), int(math.Ceil(window.Minutes()))))
		if err != nil {
			return o.abort(res, "Confirmation failed", err)
		}
		if !ok {
			return o.abort(res, "Validation cancelled by operator", nil)
		}
		return o.finalize(ctx, s, res, Skip)
	}

	sel, err := o.prompter.SelectCandidate(ctx, amount, found.Candidates)
	if err != nil {
		return o.abort(res, "Payment selection failed", err)
	}

	switch sel.Decision {
	case Proceed:
		res = o.finalize(ctx, s, res, Proceed)
		if !res.Finalized() {
			return res
		}
		return o.reconcile(ctx, res, sel.Candidate.ID)
	case Skip:
		return o.finalize(ctx, s, res, Skip)
	default:
		return o.abort(res, "Validation cancelled by operator", nil)
	}
}

func (o *Orchestrator) pushFlow(ctx context.Context, s *Session) FlowResult {
	res := FlowResult{Mode: ModeSubmitThenWait}
	if s.InFlight() {
		o.prompter.Notify(NoticeWarning, "Payment In Progress", "Payment is already being processed. Please wait.")
		return o.abort(res, ErrPushInProgress.Error(), ErrPushInProgress)
	}

	number, ok, err := o.prompter.InputPhone(ctx, s.MpesaLine.Amount)
	if err != nil {
		return o.abort(res, "Phone entry failed", err)
	}
	if !ok {
		return o.abort(res, "Validation cancelled by operator", nil)
	}
	return o.PushAndWait(ctx, s, number)
}

// PushAndWait runs submit-then-wait for a phone number that is already
// known: validate, push, poll, then finalize and reconcile on success.
func (o *Orchestrator) PushAndWait(ctx context.Context, s *Session, phoneNumber string) FlowResult {
	res := FlowResult{Mode: ModeSubmitThenWait}
	if s.MpesaLine == nil {
		return o.abort(res, "order has no M-Pesa payment line", nil)
	}

	if !phone.Valid(phoneNumber) {
		o.prompter.Notify(NoticeError, "Invalid Phone Number", "Please enter a valid Kenyan phone number starting with 07 or 01.")
		return o.abort(res, ErrInvalidPhone.Error(), ErrInvalidPhone)
	}

	outcome, err := o.pushAndPoll(ctx, s, phoneNumber)
	if err != nil {
		msg := err.Error()
		if outcome.Message != "" {
			msg = outcome.Message
		}
		if errors.Is(err, ErrPushInProgress) {
			o.prompter.Notify(NoticeWarning, "Payment In Progress", "Payment is already being processed. Please wait.")
		} else {
			o.prompter.Notify(NoticeError, "Payment Failed", msg)
		}
		return o.abort(res, msg, err)
	}
	res.Outcome = &outcome

	if !outcome.Success {
		o.prompter.Notify(NoticeError, outcome.Title(), outcome.Message)
		return o.abort(res, outcome.Message, nil)
	}

	o.prompter.Notify(NoticeSuccess, outcome.Title(), outcome.Message)
	notificationID := outcome.NotificationID

	res = o.finalize(ctx, s, res, Proceed)
	if !res.Finalized() {
		return res
	}

	if notificationID == 0 {
		notificationID = o.lateNotificationID(ctx, outcome)
	}
	if notificationID == 0 {
		res.Decision = Skip
		res.Message = "Payment confirmed by M-Pesa; no callback to reconcile yet"
		o.logger.Warn("RECONCILE", fmt.Sprintf("Order %s finalized without a callback to reconcile", res.OrderID))
		return res
	}
	return o.reconcile(ctx, res, notificationID)
}

// pushAndPoll holds the in-flight flag from before initiation until the poll
// has terminated.
func (o *Orchestrator) pushAndPoll(ctx context.Context, s *Session, phoneNumber string) (Outcome, error) {
	ok, err := s.acquire(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("acquire push lock: %w", err)
	}
	if !ok {
		return Outcome{}, ErrPushInProgress
	}
	defer func() {
		if err := s.release(ctx); err != nil {
			o.logger.Warn("PAYMENT", fmt.Sprintf("Failed to release push lock for session %s: %v", s.ID, err))
		}
	}()

	started := o.Initiator.Initiate(ctx, phoneNumber, s.MpesaLine.Amount, s.OrderReference)
	if !started.Success {
		return Outcome{State: StateFailed, Message: started.Message}, started.Err
	}
	o.prompter.Notify(NoticeInfo, "STK Push Sent", "Customer should receive a payment prompt on their phone.")

	return o.Poller.Poll(ctx, started.Request.CheckoutRequestID, o.cfg.MaxAttempts), nil
}

// lateNotificationID picks up a callback that arrived after a remote-only
// success.
func (o *Orchestrator) lateNotificationID(ctx context.Context, outcome Outcome) int64 {
	if outcome.Source != SourceRemote || outcome.CheckoutRequestID == "" {
		return 0
	}
	res, err := o.local.CheckCallbackReceived(ctx, outcome.CheckoutRequestID)
	if err != nil || !res.CallbackReceived || res.Status != models.NotificationSuccess {
		return 0
	}
	return res.CallbackID
}

func (o *Orchestrator) finalize(ctx context.Context, s *Session, res FlowResult, d Decision) FlowResult {
	if s.Finalize == nil {
		return o.abort(res, "no order finalizer configured", ErrOrderNotFinalized)
	}
	orderID, err := s.Finalize(ctx)
	if err != nil {
		msg := fmt.Sprintf("Order finalization failed: %v", err)
		if res.Outcome != nil && res.Outcome.Success {
			msg = fmt.Sprintf("Payment received (%s) but order finalization failed: %v", res.Outcome.ReceiptNumber, err)
		}
		o.logger.Error("ORDER", msg)
		o.prompter.Notify(NoticeError, "Order Not Validated", msg)
		return o.abort(res, msg, err)
	}
	if orderID == "" {
		return o.abort(res, ErrOrderNotFinalized.Error(), ErrOrderNotFinalized)
	}
	res.Decision = d
	res.OrderID = orderID
	res.Message = "Order validated"
	return res
}

func (o *Orchestrator) reconcile(ctx context.Context, res FlowResult, notificationID int64) FlowResult {
	commit := o.Committer.Commit(ctx, notificationID, res.OrderID)
	res.Reconciliation = &commit
	if commit.Success {
		res.Message = fmt.Sprintf("Payment matched! Receipt: %s", commit.ReceiptNumber)
		o.prompter.Notify(NoticeSuccess, "Payment Matched", res.Message)
		return res
	}
	res.Message = fmt.Sprintf("Order validated but payment was not reconciled: %s", commit.Message)
	o.prompter.Notify(NoticeWarning, "Reconciliation Failed", res.Message)
	return res
}

func (o *Orchestrator) abort(res FlowResult, msg string, err error) FlowResult {
	res.Decision = Abort
	res.Message = msg
	res.Err = err
	return res
}

type silentPrompter struct{}

func (silentPrompter) SelectCandidate(context.Context, decimal.Decimal, []models.CandidateView) (Selection, error) {
	return Selection{Decision: Abort}, nil
}

func (silentPrompter) Confirm(context.Context, string, string) (bool, error) { return false, nil }

func (silentPrompter) InputPhone(context.Context, decimal.Decimal) (string, bool, error) {
	return "", false, nil
}

func (silentPrompter) Notify(NoticeLevel, string, string) {}
