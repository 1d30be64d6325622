package checkout_api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ms-mpesa/internal/checkout"
	"ms-mpesa/internal/logger"
	"ms-mpesa/internal/models"
	"ms-mpesa/internal/utils"

	"github.com/shopspring/decimal"
)

// PushAndWaitRequest runs a whole submit-then-wait checkout server side, for
// terminals that cannot poll themselves.
type PushAndWaitRequest struct {
	SessionID      string          `json:"session_id"`
	OrderReference string          `json:"order_reference"`
	Amount         decimal.Decimal `json:"amount"`
	PhoneNumber    string          `json:"phone_number"`
}

type PushAndWaitResponse struct {
	Mode          checkout.Mode     `json:"mode"`
	Decision      string            `json:"decision"`
	Finalized     bool              `json:"finalized"`
	OrderID       string            `json:"order_id,omitempty"`
	Outcome       *checkout.Outcome `json:"outcome,omitempty"`
	Reconciled    bool              `json:"reconciled"`
	ReceiptNumber string            `json:"receipt_number,omitempty"`
	Message       string            `json:"message"`
	Error         string            `json:"error,omitempty"`
}

func newPushAndWaitResponse(res checkout.FlowResult) PushAndWaitResponse {
	out := PushAndWaitResponse{
		Mode:      res.Mode,
		Decision:  res.Decision.String(),
		Finalized: res.Finalized(),
		OrderID:   res.OrderID,
		Outcome:   res.Outcome,
		Message:   res.Message,
	}
	if res.Reconciliation != nil {
		out.Reconciled = res.Reconciliation.Success
		out.ReceiptNumber = res.Reconciliation.ReceiptNumber
	}
	if out.ReceiptNumber == "" && res.Outcome != nil {
		out.ReceiptNumber = res.Outcome.ReceiptNumber
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func (h *Handler) PushAndWait(w http.ResponseWriter, r *http.Request) {
	var req PushAndWaitRequest
	if !h.decode(w, r, "PushAndWait", &req) {
		return
	}
	if strings.TrimSpace(req.OrderReference) == "" || !req.Amount.IsPositive() {
		h.respond(w, "PushAndWait", http.StatusBadRequest, utils.ErrorResponse("order_reference and a positive amount are required", ""))
		return
	}
	if req.SessionID == "" {
		req.SessionID = req.OrderReference
	}

	budget := h.waitBudget()
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Now().Add(budget + 5*time.Second))
	ctx, cancel := context.WithTimeout(r.Context(), budget)
	defer cancel()

	finalize := h.Orders.Finalizer(models.OrderRequest{
		Reference:     req.OrderReference,
		Amount:        req.Amount,
		PaymentMethod: "mpesa",
	})
	s := checkout.NewSession(req.SessionID, req.OrderReference, finalize)
	s.MpesaLine = &checkout.PaymentLine{Amount: req.Amount}
	s.PushEnabled = true
	s.Guard = h.Lock

	h.Logger.Info("API", fmt.Sprintf("PushAndWait: session=%s ref=%s amount=%s", s.ID, req.OrderReference, req.Amount.StringFixed(2)))
	res := h.Orchestrator.PushAndWait(ctx, s, req.PhoneNumber)

	status := http.StatusOK
	if errors.Is(res.Err, checkout.ErrPushInProgress) {
		status = http.StatusConflict
	}
	h.Logger.Info("API", fmt.Sprintf("PushAndWait: session=%s decision=%s: %s", s.ID, res.Decision, res.Message))
	h.respond(w, "PushAndWait", status, newPushAndWaitResponse(res))
}

// LogPrompter is the server-side Prompter: notices go to the log and every
// interactive question is declined.
type LogPrompter struct {
	Logger *logger.Logger
}

func (p LogPrompter) SelectCandidate(context.Context, decimal.Decimal, []models.CandidateView) (checkout.Selection, error) {
	return checkout.Selection{Decision: checkout.Abort}, nil
}

func (p LogPrompter) Confirm(context.Context, string, string) (bool, error) { return false, nil }

func (p LogPrompter) InputPhone(context.Context, decimal.Decimal) (string, bool, error) {
	return "", false, nil
}

func (p LogPrompter) Notify(level checkout.NoticeLevel, title, message string) {
	if p.Logger == nil {
		return
	}
	msg := fmt.Sprintf("%s: %s", title, message)
	switch level {
	case checkout.NoticeError:
		p.Logger.Error("CHECKOUT", msg)
	case checkout.NoticeWarning:
		p.Logger.Warn("CHECKOUT", msg)
	default:
		p.Logger.Info("CHECKOUT", msg)
	}
}
