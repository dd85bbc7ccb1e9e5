package fulfiller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/diging/edrop-connector/config"
	"github.com/diging/edrop-connector/utils"
	"github.com/sirupsen/logrus"
)

const (
	orderPath   = "order"
	confirmPath = "confirm2"
)

// Error is a failed vendor call. Rejected is true when the vendor answered
// and refused; it is false when the outcome is unknown (transport failure,
// timeout, or an answer that could not be read).
type Error struct {
	Op         string
	StatusCode int
	Rejected   bool
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("fulfiller ")
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Client talks to the kit vendor's order API. It holds no per-order state.
type Client struct {
	settings config.FulfillerSettings
	baseURL  string
	http     *http.Client
	Logger   *logrus.Logger
}

func NewClient(settings config.FulfillerSettings, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		settings: settings,
		baseURL:  strings.TrimRight(settings.URL, "/") + "/",
		http:     &http.Client{Timeout: timeout},
		Logger:   config.GetLogger(),
	}
}

// SubmitOrder places one kit order.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (SubmitResult, error) {
	if strings.TrimSpace(req.OrderNumber) == "" {
		return SubmitResult{}, &Error{Op: "submit", Rejected: true, Message: "order number is required"}
	}

	payload := orderPayload{
		Test:   c.settings.TestMode,
		Orders: []orderBody{c.orderBody(req)},
	}
	status, body, err := c.post(ctx, orderPath, payload)
	if err != nil {
		return SubmitResult{}, &Error{Op: "submit", Err: err}
	}
	if status != http.StatusOK {
		return SubmitResult{StatusCode: status}, &Error{Op: "submit", StatusCode: status, Rejected: true, Message: truncate(body)}
	}

	var parsed statusResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return SubmitResult{StatusCode: status}, &Error{Op: "submit", StatusCode: status, Message: "unreadable response", Err: err}
	}
	if !parsed.Success {
		return SubmitResult{StatusCode: status, Message: parsed.text()}, &Error{Op: "submit", StatusCode: status, Rejected: true, Message: parsed.text()}
	}
	return SubmitResult{OK: true, StatusCode: status, Message: parsed.text()}, nil
}

func (c *Client) orderBody(req OrderRequest) orderBody {
	addr := req.Address
	country := addr.Country
	if country == "" {
		country = c.settings.ShippingCountry
	}
	qty := c.settings.ItemQuantity.String()
	if c.settings.ItemQuantity.IsZero() {
		qty = "1"
	}
	return orderBody{
		OrderNumber: req.OrderNumber,
		ShippingInfo: shippingPayload{
			Address: addressPayload{
				Company:      addr.Company,
				AddressLine1: addr.AddressLine1,
				AddressLine2: addr.AddressLine2,
				City:         addr.City,
				State:        addr.State,
				ZipCode:      addr.ZipCode,
				Country:      country,
				Phone:        utils.NormalizePhoneNumber(addr.Phone, c.settings.PhoneRegion),
				Residential:  addr.Residential,
			},
			ShipMethod: c.settings.ShipMethod,
		},
		LineItems: []lineItem{{
			ItemNumber:   c.settings.ItemNumber,
			ItemQuantity: json.Number(qty),
		}},
	}
}

// ConfirmOrders asks the vendor for shipping confirmations of orderNumbers.
// Orders the vendor has not shipped yet are simply absent from the result.
// An error means the vendor could not be asked; callers retry next cycle.
func (c *Client) ConfirmOrders(ctx context.Context, orderNumbers []string) (map[string]Confirmation, error) {
	if len(orderNumbers) == 0 {
		return map[string]Confirmation{}, nil
	}

	status, body, err := c.post(ctx, confirmPath, confirmPayload{OrderNumbers: orderNumbers, Format: "json"})
	if err != nil {
		return nil, &Error{Op: "confirm", Err: err}
	}
	if status != http.StatusOK {
		return nil, &Error{Op: "confirm", StatusCode: status, Message: truncate(body)}
	}

	var envelope statusResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &Error{Op: "confirm", StatusCode: status, Message: "unreadable response", Err: err}
	}
	if !envelope.Success {
		c.info(orderNumbers, "vendor reported no confirmations: "+envelope.text())
		return map[string]Confirmation{}, nil
	}

	confirmations, err := ParseConfirmations(body)
	if errors.Is(err, ErrNoConfirmations) {
		c.info(orderNumbers, "no confirmations yet: "+err.Error())
		return map[string]Confirmation{}, nil
	}
	if err != nil {
		return nil, &Error{Op: "confirm", StatusCode: status, Err: err}
	}
	return confirmations, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(c.authHeader(), c.authValue())

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) authHeader() string {
	if c.settings.APIKeyHeader == "" {
		return "Authorization"
	}
	return c.settings.APIKeyHeader
}

func (c *Client) authValue() string {
	if strings.EqualFold(c.authHeader(), "Authorization") {
		return "Bearer " + c.settings.Token
	}
	return c.settings.Token
}

func (c *Client) info(orderNumbers []string, msg string) {
	if c.Logger == nil {
		return
	}
	c.Logger.WithFields(logrus.Fields{
		"module":        "fulfiller",
		"order_numbers": orderNumbers,
	}).Info(msg)
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}
