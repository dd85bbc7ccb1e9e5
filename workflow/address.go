package workflow

import (
	"strings"

	"github.com/diging/edrop-connector/config"
	"github.com/diging/edrop-connector/edc"
	"github.com/diging/edrop-connector/fulfiller"
)

// AddressFields names the EDC fields that make up a shipping address.
type AddressFields struct {
	RecordId  string
	FirstName string
	LastName  string
	Street1   string
	Street2   string
	City      string
	State     string
	Zip       string
	Phone     string
}

func AddressFieldsFromSettings(s config.EDCSettings) AddressFields {
	return AddressFields{
		RecordId:  s.RecordIdField,
		FirstName: s.FirstNameField,
		LastName:  s.LastNameField,
		Street1:   s.Street1Field,
		Street2:   s.Street2Field,
		City:      s.CityField,
		State:     s.StateField,
		Zip:       s.ZipField,
		Phone:     s.PhoneField,
	}
}

func DefaultAddressFields() AddressFields {
	return AddressFields{
		RecordId:  "record_id",
		FirstName: "first_name",
		LastName:  "last_name",
		Street1:   "street_1",
		Street2:   "street_2",
		City:      "city",
		State:     "state",
		Zip:       "zip",
		Phone:     "phone",
	}
}

// exportFields lists the fields to read for an order, skipping unset names.
func (f AddressFields) exportFields(extra ...string) []string {
	all := append([]string{f.RecordId, f.FirstName, f.LastName, f.Street1, f.Street2, f.City, f.State, f.Zip, f.Phone}, extra...)
	out := make([]string, 0, len(all))
	seen := map[string]bool{}
	for _, name := range all {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func (f AddressFields) toAddress(rec edc.Record) fulfiller.Address {
	get := func(name string) string {
		if name == "" {
			return ""
		}
		return strings.TrimSpace(rec[name])
	}
	name := strings.TrimSpace(get(f.FirstName) + " " + get(f.LastName))
	return fulfiller.Address{
		Company:      name,
		AddressLine1: get(f.Street1),
		AddressLine2: get(f.Street2),
		City:         get(f.City),
		State:        get(f.State),
		ZipCode:      get(f.Zip),
		Phone:        get(f.Phone),
		Residential:  true,
	}
}
