package edc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/diging/edrop-connector/config"
	"github.com/sirupsen/logrus"
)

// Record is one exported REDCap record, field name to raw value.
type Record map[string]string

// ShippingRecord carries the shipment data written back for one record.
type ShippingRecord struct {
	RecordId       string
	OrderNumber    string
	ShipDate       string
	Tracking       []string
	ReturnTracking []string
	TubeSerials    []string
}

// Error is a failed REDCap call.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("edc ")
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

// Client reads and writes REDCap records through the token API.
type Client struct {
	url    string
	token  string
	fields FieldMap
	http   *http.Client
	Logger *logrus.Logger
}

func NewClient(settings config.EDCSettings, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:    settings.URL,
		token:  settings.Token,
		fields: FieldMapFromSettings(settings),
		http:   &http.Client{Timeout: timeout},
		Logger: config.GetLogger(),
	}
}

// WithFieldMap replaces the import field names.
func (c *Client) WithFieldMap(fields FieldMap) *Client {
	c.fields = fields
	return c
}

// ReadRecord exports the given fields of one record. An empty export is
// reported as found=false, not as an error.
func (c *Client) ReadRecord(ctx context.Context, recordId string, fields []string) (Record, bool, error) {
	form := url.Values{}
	form.Set("token", c.token)
	form.Set("content", "record")
	form.Set("action", "export")
	form.Set("format", "json")
	form.Set("type", "flat")
	form.Set("records[0]", recordId)
	for i, f := range fields {
		form.Set("fields["+strconv.Itoa(i)+"]", f)
	}
	form.Set("rawOrLabel", "raw")
	form.Set("rawOrLabelHeaders", "raw")
	form.Set("exportCheckboxLabel", "false")
	form.Set("exportSurveyFields", "false")
	form.Set("exportDataAccessGroups", "false")
	form.Set("returnFormat", "json")

	status, body, err := c.post(ctx, form)
	if err != nil {
		return nil, false, &Error{Op: "export", Err: err}
	}
	if status != http.StatusOK {
		return nil, false, &Error{Op: "export", StatusCode: status, Message: errorText(body)}
	}

	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, false, &Error{Op: "export", StatusCode: status, Message: "unreadable response", Err: err}
	}
	if len(rows) == 0 {
		return nil, false, nil
	}

	// Repeating instruments export one row per instance; keep the first
	// non-empty value of each field.
	rec := Record{}
	for _, row := range rows {
		for k, v := range row {
			s := stringValue(v)
			if s == "" {
				if _, ok := rec[k]; !ok {
					rec[k] = ""
				}
				continue
			}
			if rec[k] == "" {
				rec[k] = s
			}
		}
	}
	return rec, true, nil
}

// WriteOrderNumber stores the order number, order date and ordered status
// on the record.
func (c *Client) WriteOrderNumber(ctx context.Context, recordId, orderNumber string, orderDate time.Time) error {
	doc, err := encodeRecords([][]field{{
		{c.fields.RecordId, recordId},
		{c.fields.OrderNumber, orderNumber},
		{c.fields.OrderDate, orderDate.Format("2006-01-02")},
		{c.fields.Status, c.fields.OrderedStatus},
	}})
	if err != nil {
		return &Error{Op: "import", Err: err}
	}
	_, err = c.importRecords(ctx, doc)
	return err
}

// WriteShippingInfo stores shipment data for every record that has a ship
// date. sent is false when nothing qualified and no request was made.
func (c *Client) WriteShippingInfo(ctx context.Context, records []ShippingRecord) (sent bool, err error) {
	var items [][]field
	for _, r := range records {
		if strings.TrimSpace(r.ShipDate) == "" || strings.TrimSpace(r.RecordId) == "" {
			continue
		}
		items = append(items, []field{
			{c.fields.RecordId, r.RecordId},
			{c.fields.ShipDate, r.ShipDate},
			{c.fields.Tracking, joinList(r.Tracking)},
			{c.fields.ReturnTracking, joinList(r.ReturnTracking)},
			{c.fields.TubeSerial, joinList(r.TubeSerials)},
			{c.fields.Status, c.fields.ShippedStatus},
		})
	}
	if len(items) == 0 {
		if c.Logger != nil {
			c.Logger.WithField("module", "edc").Info("no shipped records, nothing to send")
		}
		return false, nil
	}

	doc, err := encodeRecords(items)
	if err != nil {
		return false, &Error{Op: "import", Err: err}
	}
	if _, err := c.importRecords(ctx, doc); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) importRecords(ctx context.Context, doc string) (int, error) {
	form := url.Values{}
	form.Set("token", c.token)
	form.Set("content", "record")
	form.Set("action", "import")
	form.Set("format", "xml")
	form.Set("type", "flat")
	form.Set("overwriteBehavior", "normal")
	form.Set("forceAutoNumber", "false")
	form.Set("data", doc)
	form.Set("returnContent", "count")
	form.Set("returnFormat", "json")

	status, body, err := c.post(ctx, form)
	if err != nil {
		return 0, &Error{Op: "import", Err: err}
	}
	if status != http.StatusOK {
		return 0, &Error{Op: "import", StatusCode: status, Message: errorText(body)}
	}

	var parsed struct {
		Count json.Number `json:"count"`
		Error string      `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		// Older REDCap versions answer with a bare count.
		if n, convErr := strconv.Atoi(strings.TrimSpace(string(body))); convErr == nil {
			return n, nil
		}
		return 0, &Error{Op: "import", StatusCode: status, Message: "unreadable response", Err: err}
	}
	if parsed.Error != "" {
		return 0, &Error{Op: "import", StatusCode: status, Message: parsed.Error}
	}
	n, _ := parsed.Count.Int64()
	return int(n), nil
}

func (c *Client) post(ctx context.Context, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

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

func errorText(body []byte) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
