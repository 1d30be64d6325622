package models

import "encoding/json"

// Daraja API payloads.

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type STKPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type STKQueryPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type C2BRegisterPayload struct {
	ShortCode       string `json:"ShortCode"`
	ResponseType    string `json:"ResponseType"`
	ConfirmationURL string `json:"ConfirmationURL"`
	ValidationURL   string `json:"ValidationURL"`
}

// DarajaFault is returned by the API gateway in front of Daraja, e.g. on spike arrest.
type DarajaFault struct {
	FaultString string `json:"faultstring"`
	Detail      struct {
		ErrorCode string `json:"errorcode"`
	} `json:"detail"`
}

// DarajaResponse is the union of the fields Daraja returns across push, query and
// registration calls. ResultCode is a string on some endpoints and a number on others.
type DarajaResponse struct {
	MerchantRequestID   string       `json:"MerchantRequestID,omitempty"`
	CheckoutRequestID   string       `json:"CheckoutRequestID,omitempty"`
	ResponseCode        string       `json:"ResponseCode,omitempty"`
	ResponseDescription string       `json:"ResponseDescription,omitempty"`
	CustomerMessage     string       `json:"CustomerMessage,omitempty"`
	ResultCode          json.Number  `json:"ResultCode,omitempty"`
	ResultDesc          string       `json:"ResultDesc,omitempty"`
	RequestID           string       `json:"requestId,omitempty"`
	ErrorCode           string       `json:"errorCode,omitempty"`
	ErrorMessage        string       `json:"errorMessage,omitempty"`
	Fault               *DarajaFault `json:"fault,omitempty"`
}

// ---------------- CALLBACKS ----------------

type STKCallbackEnvelope struct {
	Body struct {
		STKCallback *STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

type STKCallback struct {
	MerchantRequestID string       `json:"MerchantRequestID"`
	CheckoutRequestID string       `json:"CheckoutRequestID"`
	ResultCode        json.Number  `json:"ResultCode"`
	ResultDesc        string       `json:"ResultDesc"`
	CallbackMetadata  *STKMetadata `json:"CallbackMetadata,omitempty"`
}

type STKMetadata struct {
	Item []STKMetadataItem `json:"Item"`
}

type STKMetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

type C2BCallback struct {
	TransactionType   string `json:"TransactionType"`
	TransID           string `json:"TransID"`
	TransTime         string `json:"TransTime"`
	TransAmount       string `json:"TransAmount"`
	BusinessShortCode string `json:"BusinessShortCode"`
	BillRefNumber     string `json:"BillRefNumber"`
	MSISDN            string `json:"MSISDN"`
	FirstName         string `json:"FirstName"`
	MiddleName        string `json:"MiddleName"`
	LastName          string `json:"LastName"`
}

// CallbackAck is the body Daraja expects in reply to a callback.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}
