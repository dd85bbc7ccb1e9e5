package fulfiller

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoConfirmations means the vendor answered but reported nothing usable:
// no data array, an empty data string, or an inner document that does not parse.
var ErrNoConfirmations = errors.New("no shipping confirmations")

// ParseConfirmations decodes a confirm response body. The vendor wraps the
// confirmations as a JSON document serialized into dataArray[0].data, so the
// body is decoded twice. Return tracking numbers and tube serials of all
// items are collected per order.
func ParseConfirmations(body []byte) (map[string]Confirmation, error) {
	var envelope confirmResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode confirm response: %w", err)
	}
	if len(envelope.DataArray) == 0 || strings.TrimSpace(envelope.DataArray[0].Data) == "" {
		return nil, ErrNoConfirmations
	}

	var inner shippingConfirmations
	if err := json.Unmarshal([]byte(envelope.DataArray[0].Data), &inner); err != nil {
		return nil, fmt.Errorf("%w: decode data: %v", ErrNoConfirmations, err)
	}

	out := make(map[string]Confirmation, len(inner.ShippingConfirmations))
	for _, sc := range inner.ShippingConfirmations {
		number := strings.TrimSpace(sc.OrderNumber)
		if number == "" {
			continue
		}
		c := Confirmation{
			OrderNumber:    number,
			ShipDate:       strings.TrimSpace(sc.ShipDate),
			Tracking:       append([]string{}, sc.Tracking...),
			ReturnTracking: []string{},
			TubeSerials:    []string{},
		}
		for _, item := range sc.Items {
			c.ReturnTracking = append(c.ReturnTracking, item.ReturnTracking...)
			c.TubeSerials = append(c.TubeSerials, item.TubeSerial...)
		}
		out[number] = c
	}
	return out, nil
}
