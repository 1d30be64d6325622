package mpesa

import (
	"net/http"
	"strings"

	"ms-mpesa/internal/models"
)

// Status values returned by InterpretQuery.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
	StatusError     = "error"
)

const rateLimitMessage = "Rate limit - will retry"

type resultCodeRule struct {
	success bool
	status  string
	message string
}

var queryResultCodes = map[string]resultCodeRule{
	"0":    {true, StatusCompleted, "Payment completed successfully"},
	"1032": {false, StatusCancelled, "Payment cancelled by user"},
	"1037": {false, StatusCancelled, "Request timed out - customer did not respond"},
	"1":    {false, StatusFailed, "Insufficient balance"},
	"4999": {true, StatusPending, "Transaction still processing"},
	"1001": {false, StatusError, "Transaction already in progress for this number"},
	"2001": {false, StatusFailed, "Invalid PIN entered"},
	"1019": {false, StatusFailed, "Transaction expired"},
	"1025": {false, StatusError, "System error - please retry"},
	"9999": {false, StatusError, "System error - please retry"},
}

// InterpretQuery maps an STK query response onto the status the poller
// understands. Spike arrest faults and HTTP 429 are flagged RateLimited.
func InterpretQuery(httpStatus int, resp models.DarajaResponse) models.StatusResult {
	if httpStatus == http.StatusTooManyRequests {
		return models.StatusResult{Status: StatusError, Message: rateLimitMessage, RateLimited: true}
	}

	if resp.Fault != nil {
		fault := strings.ToLower(resp.Fault.FaultString)
		if strings.Contains(fault, "rate") || strings.Contains(fault, "spike arrest") {
			return models.StatusResult{Status: StatusError, Message: rateLimitMessage, RateLimited: true}
		}
		return models.StatusResult{Status: StatusError, Message: resp.Fault.FaultString}
	}

	code := resp.ResultCode.String()
	if rule, ok := queryResultCodes[code]; ok {
		return models.StatusResult{Success: rule.success, Status: rule.status, Message: rule.message}
	}

	if resp.ResponseCode == "0" {
		return models.StatusResult{Success: true, Status: StatusPending, Message: "Payment pending"}
	}

	// Daraja answers queries for unfinished pushes with an errorCode.
	if code == "" && resp.ErrorCode != "" {
		return models.StatusResult{Status: StatusError, Message: resp.ErrorMessage, Error: resp.ErrorCode}
	}

	desc := resp.ResultDesc
	if desc == "" {
		desc = "Unknown error"
	}
	return models.StatusResult{Status: StatusFailed, Message: desc}
}
