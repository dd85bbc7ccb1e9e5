package fulfiller

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Address is the ship-to address of one kit.
type Address struct {
	Company      string
	AddressLine1 string
	AddressLine2 string
	City         string
	State        string
	ZipCode      string
	Country      string
	Phone        string
	Residential  bool
}

type OrderRequest struct {
	OrderNumber string
	Address     Address
}

// SubmitResult describes the vendor's answer to an order submission.
// OK is true only for HTTP 200 with success=true.
type SubmitResult struct {
	OK         bool
	StatusCode int
	Message    string
}

// Confirmation is the shipping data the vendor reports for one order.
type Confirmation struct {
	OrderNumber    string
	ShipDate       string
	Tracking       []string
	ReturnTracking []string
	TubeSerials    []string
}

type orderPayload struct {
	Test   bool        `json:"test"`
	Orders []orderBody `json:"orders"`
}

type orderBody struct {
	OrderNumber  string          `json:"orderNumber"`
	ShippingInfo shippingPayload `json:"shippingInfo"`
	LineItems    []lineItem      `json:"lineItems"`
}

type shippingPayload struct {
	Address    addressPayload `json:"address"`
	ShipMethod string         `json:"shipMethod"`
}

type addressPayload struct {
	Company      string `json:"company"`
	AddressLine1 string `json:"addressLine1"`
	AddressLine2 string `json:"addressLine2"`
	City         string `json:"city"`
	State        string `json:"state"`
	ZipCode      string `json:"zipCode"`
	Country      string `json:"country"`
	Phone        string `json:"phone"`
	Residential  bool   `json:"residential"`
}

type lineItem struct {
	ItemNumber   string      `json:"itemNumber"`
	ItemQuantity json.Number `json:"itemQuantity"`
}

type confirmPayload struct {
	OrderNumbers []string `json:"orderNumbers"`
	Format       string   `json:"format"`
}

// statusResponse is the envelope every vendor endpoint answers with.
type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (r statusResponse) text() string {
	if r.Message != "" {
		return r.Message
	}
	return r.Error
}

type confirmResponse struct {
	statusResponse
	DataArray []struct {
		Format string `json:"format"`
		Data   string `json:"data"`
	} `json:"dataArray"`
}

type shippingConfirmations struct {
	ShippingConfirmations []struct {
		OrderNumber string     `json:"OrderNumber"`
		ShipVia     string     `json:"ShipVia"`
		ShipDate    string     `json:"ShipDate"`
		Tracking    stringList `json:"Tracking"`
		Items       []struct {
			ItemNumber     string     `json:"ItemNumber"`
			SerialNumber   string     `json:"SerialNumber"`
			ReturnTracking stringList `json:"ReturnTracking"`
			TubeSerial     stringList `json:"TubeSerial"`
		} `json:"Items"`
	} `json:"ShippingConfirmations"`
}

// stringList accepts a JSON array of strings, a single string or null.
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*l = nil
		} else {
			*l = stringList{s}
		}
		return nil
	}
	var items []string
	if err := json.Unmarshal(b, &items); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = items
	return nil
}
