package edc

import (
	"bytes"
	"encoding/xml"
	"strings"

	"github.com/diging/edrop-connector/config"
)

// FieldMap names the REDCap fields written by imports.
type FieldMap struct {
	RecordId       string
	OrderNumber    string
	OrderDate      string
	ShipDate       string
	Tracking       string
	ReturnTracking string
	TubeSerial     string
	Status         string

	OrderedStatus string
	ShippedStatus string
}

func FieldMapFromSettings(s config.EDCSettings) FieldMap {
	return FieldMap{
		RecordId:       s.RecordIdField,
		OrderNumber:    s.OrderNumberField,
		OrderDate:      s.OrderDateField,
		ShipDate:       s.ShipDateField,
		Tracking:       s.TrackingField,
		ReturnTracking: s.ReturnTrackingField,
		TubeSerial:     s.TubeSerialField,
		Status:         s.StatusField,
		OrderedStatus:  s.OrderedStatus,
		ShippedStatus:  s.ShippedStatus,
	}
}

// DefaultFieldMap matches the field names of the eDrop REDCap project.
func DefaultFieldMap() FieldMap {
	return FieldMap{
		RecordId:       "record_id",
		OrderNumber:    "kit_order_n",
		OrderDate:      "kit_order_date",
		ShipDate:       "date_kit_shipped",
		Tracking:       "kit_tracking_n",
		ReturnTracking: "kit_tracking_return_n",
		TubeSerial:     "tubeserial",
		Status:         "kit_status",
		OrderedStatus:  "ORD",
		ShippedStatus:  "TRN",
	}
}

type field struct {
	name  string
	value string
}

// encodeRecords renders the flat import document
// <records><item><field>value</field>...</item>...</records>.
// Fields with an empty name are skipped.
func encodeRecords(items [][]field) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8" ?>`)
	enc := xml.NewEncoder(&buf)

	records := xml.StartElement{Name: xml.Name{Local: "records"}}
	if err := enc.EncodeToken(records); err != nil {
		return "", err
	}
	for _, item := range items {
		start := xml.StartElement{Name: xml.Name{Local: "item"}}
		if err := enc.EncodeToken(start); err != nil {
			return "", err
		}
		for _, f := range item {
			if f.name == "" {
				continue
			}
			if err := enc.EncodeElement(f.value, xml.StartElement{Name: xml.Name{Local: f.name}}); err != nil {
				return "", err
			}
		}
		if err := enc.EncodeToken(start.End()); err != nil {
			return "", err
		}
	}
	if err := enc.EncodeToken(records.End()); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func joinList(values []string) string {
	return strings.Join(values, ", ")
}
