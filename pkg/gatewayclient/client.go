/**
 * @description
 * This package provides a client for interacting with the payment gateway API.
 * It encapsulates the logic for making authenticated HTTP requests to the
 * gateway's endpoints, handling request body construction, and parsing
 * responses.
 *
 * The settlement engine treats gateway failures in two classes: an explicit
 * 4xx rejection is permanent, while timeouts and 5xx responses are transient
 * and must be retried. Callers classify with errors.As on *ErrorResponse and
 * its IsExplicitRejection method; any other error from this package is a
 * transport failure and therefore transient.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment gateway client. The bounded timeout matters:
// a hung call must surface as a transient failure, never block a worker.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// PaymentIntentRequest is the payload for creating a charge or a deposit hold.
type PaymentIntentRequest struct {
	BookingID     string `json:"booking_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	CaptureMethod string `json:"capture_method"` // "automatic" for charges, "manual" for holds
	TransferGroup string `json:"transfer_group"`
	CustomerID    string `json:"customer_id,omitempty"`
}

// PaymentIntent is the gateway's representation of a charge or hold.
type PaymentIntent struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	ChargeID string `json:"charge_id,omitempty"`
}

// TransferRequest is the payload for a platform-to-tenant payout.
type TransferRequest struct {
	BookingID          string `json:"booking_id"`
	Amount             int64  `json:"amount"`
	Currency           string `json:"currency"`
	DestinationAccount string `json:"destination_account"`
	TransferGroup      string `json:"transfer_group"`
}

// Transfer is the gateway's representation of a payout.
type Transfer struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

// Refund is the gateway's representation of a refund against a charge.
type Refund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

// Reversal is the gateway's representation of a transfer reversal.
type Reversal struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

// ErrorResponse represents an error returned by the gateway API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("gateway api error (status %d): %s - %s", e.StatusCode, e.Code, e.Message)
}

// IsExplicitRejection reports whether the gateway definitively rejected the
// request. 5xx responses are not rejections; they are transient failures.
func (e *ErrorResponse) IsExplicitRejection() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// CreatePaymentIntent creates a charge (automatic capture) or a deposit hold
// (manual capture) for a booking.
func (c *Client) CreatePaymentIntent(ctx context.Context, reqPayload PaymentIntentRequest) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.doRequest(ctx, "POST", "/v1/payment_intents", "create_payment_intent", reqPayload, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// GetPaymentIntent fetches the current gateway-side state of an intent. Used
// by reconciliation to confirm state; a timeout here must be retried, never
// interpreted as a negative outcome.
func (c *Client) GetPaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.doRequest(ctx, "GET", "/v1/payment_intents/"+intentID, "get_payment_intent", nil, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// CaptureDeposit converts a hold into a charge, in full or in part.
func (c *Client) CaptureDeposit(ctx context.Context, intentID string, amount int64) (*PaymentIntent, error) {
	payload := map[string]int64{"amount_to_capture": amount}
	var intent PaymentIntent
	if err := c.doRequest(ctx, "POST", "/v1/payment_intents/"+intentID+"/capture", "capture_deposit", payload, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// ReleaseDeposit cancels a hold without charging.
func (c *Client) ReleaseDeposit(ctx context.Context, intentID string) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.doRequest(ctx, "POST", "/v1/payment_intents/"+intentID+"/cancel", "release_deposit", nil, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// RefundCharge refunds part or all of a settled charge.
func (c *Client) RefundCharge(ctx context.Context, chargeID string, amount int64) (*Refund, error) {
	payload := map[string]interface{}{"charge_id": chargeID, "amount": amount}
	var refund Refund
	if err := c.doRequest(ctx, "POST", "/v1/refunds", "refund_charge", payload, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// CreateTransfer moves funds from the platform to a tenant's connected account.
func (c *Client) CreateTransfer(ctx context.Context, reqPayload TransferRequest) (*Transfer, error) {
	var transfer Transfer
	if err := c.doRequest(ctx, "POST", "/v1/transfers", "create_transfer", reqPayload, &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

// ReverseTransfer claws back a previously paid transfer.
func (c *Client) ReverseTransfer(ctx context.Context, transferID string) (*Reversal, error) {
	var reversal Reversal
	if err := c.doRequest(ctx, "POST", "/v1/transfers/"+transferID+"/reversals", "reverse_transfer", nil, &reversal); err != nil {
		return nil, err
	}
	return &reversal, nil
}

// doRequest is a generic helper to execute gateway requests.
func (c *Client) doRequest(ctx context.Context, method, path, op string, payload, out interface{}) error {
	var bodyReader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		bodyReader = bytes.NewBuffer(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=gateway_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			errResp.Code = "unparsable_error"
			errResp.Message = fmt.Sprintf("status %d with unparsable body", resp.StatusCode)
			return &errResp
		}
		log.Printf("level=warn component=gateway_client op=%s status=%d code=%q msg=%q", op, resp.StatusCode, errResp.Code, errResp.Message)
		return &errResp
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
