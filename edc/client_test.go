package edc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diging/edrop-connector/config"
	"github.com/sirupsen/logrus"
)

type recorder struct {
	mu    sync.Mutex
	forms []url.Values
}

func (r *recorder) add(form url.Values) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forms = append(r.forms, form)
}

func (r *recorder) last(t *testing.T) url.Values {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.forms) == 0 {
		t.Fatalf("no request recorded")
	}
	return r.forms[len(r.forms)-1]
}

func newTestClient(t *testing.T, status int, body string) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		rec.add(r.PostForm)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(config.EDCSettings{URL: srv.URL, Token: "tok"}, 2*time.Second).WithFieldMap(DefaultFieldMap())
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c.Logger = logger
	return c, rec
}

func TestReadRecord(t *testing.T) {
	c, rec := newTestClient(t, http.StatusOK, `[{"record_id": "123", "first_name": "John", "last_name": "Doe", "street_1": "742 Evergreen Terrace", "street_2": "", "zip": "62704", "contact_complete": "2"}]`)

	got, found, err := c.ReadRecord(context.Background(), "123", []string{"record_id", "first_name", "last_name"})
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if !found || got["first_name"] != "John" || got["contact_complete"] != "2" {
		t.Fatalf("unexpected record: found=%v %v", found, got)
	}

	form := rec.last(t)
	want := map[string]string{
		"token":      "tok",
		"content":    "record",
		"action":     "export",
		"format":     "json",
		"records[0]": "123",
		"fields[0]":  "record_id",
		"fields[2]":  "last_name",
	}
	for k, v := range want {
		if form.Get(k) != v {
			t.Fatalf("form[%s] = %q, want %q", k, form.Get(k), v)
		}
	}
}

func TestReadRecordMergesRepeatedRows(t *testing.T) {
	c, _ := newTestClient(t, http.StatusOK, `[{"record_id": "5", "city": "", "zip": 85281}, {"record_id": "5", "city": "Tempe", "zip": ""}]`)
	got, found, err := c.ReadRecord(context.Background(), "5", nil)
	if err != nil || !found {
		t.Fatalf("ReadRecord: found=%v err=%v", found, err)
	}
	if got["city"] != "Tempe" || got["zip"] != "85281" {
		t.Fatalf("merged record = %v", got)
	}
}

func TestReadRecordNotFound(t *testing.T) {
	c, _ := newTestClient(t, http.StatusOK, `[]`)
	got, found, err := c.ReadRecord(context.Background(), "404", nil)
	if err != nil || found || got != nil {
		t.Fatalf("empty export: got=%v found=%v err=%v", got, found, err)
	}
}

func TestReadRecordFailure(t *testing.T) {
	c, _ := newTestClient(t, http.StatusInternalServerError, `{"error": "Internal Server Error"}`)
	_, found, err := c.ReadRecord(context.Background(), "1", nil)
	var eerr *Error
	if found || !errors.As(err, &eerr) {
		t.Fatalf("err = %v", err)
	}
	if eerr.StatusCode != http.StatusInternalServerError || eerr.Message != "Internal Server Error" {
		t.Fatalf("error = %+v", eerr)
	}
}

func TestWriteOrderNumber(t *testing.T) {
	c, rec := newTestClient(t, http.StatusOK, `{"count": 1}`)

	date := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	if err := c.WriteOrderNumber(context.Background(), "123", "EDROP-00014", date); err != nil {
		t.Fatalf("WriteOrderNumber: %v", err)
	}
	form := rec.last(t)
	if form.Get("action") != "import" || form.Get("format") != "xml" {
		t.Fatalf("form = %v", form)
	}
	doc := form.Get("data")
	for _, want := range []string{
		"<records><item>",
		"<record_id>123</record_id>",
		"<kit_order_n>EDROP-00014</kit_order_n>",
		"<kit_order_date>2025-01-15</kit_order_date>",
		"<kit_status>ORD</kit_status>",
		"</item></records>",
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("import document %q missing %q", doc, want)
		}
	}
}

func TestWriteOrderNumberFailure(t *testing.T) {
	c, _ := newTestClient(t, http.StatusBadRequest, `{"error": "Bad Request"}`)
	err := c.WriteOrderNumber(context.Background(), "123", "EDROP-00014", time.Now())
	var eerr *Error
	if !errors.As(err, &eerr) || eerr.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
}

func TestWriteShippingInfo(t *testing.T) {
	c, rec := newTestClient(t, http.StatusOK, `{"count": 1}`)

	sent, err := c.WriteShippingInfo(context.Background(), []ShippingRecord{
		{
			RecordId:       "123",
			OrderNumber:    "EDROP-00001",
			ShipDate:       "2025-02-14",
			Tracking:       []string{"1Z12345", "1Z67890"},
			ReturnTracking: []string{"999999"},
			TubeSerials:    []string{"TUBE-001", "TUBE-002"},
		},
		{RecordId: "124", OrderNumber: "EDROP-00002"},
	})
	if err != nil || !sent {
		t.Fatalf("WriteShippingInfo: sent=%v err=%v", sent, err)
	}

	doc := rec.last(t).Get("data")
	for _, want := range []string{
		"<record_id>123</record_id>",
		"<date_kit_shipped>2025-02-14</date_kit_shipped>",
		"<kit_tracking_n>1Z12345, 1Z67890</kit_tracking_n>",
		"<kit_tracking_return_n>999999</kit_tracking_return_n>",
		"<tubeserial>TUBE-001, TUBE-002</tubeserial>",
		"<kit_status>TRN</kit_status>",
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("import document %q missing %q", doc, want)
		}
	}
	if strings.Contains(doc, "<record_id>124</record_id>") {
		t.Fatalf("record without ship date was sent: %q", doc)
	}
}

func TestWriteShippingInfoNothingToSend(t *testing.T) {
	c, rec := newTestClient(t, http.StatusOK, `{"count": 0}`)

	sent, err := c.WriteShippingInfo(context.Background(), nil)
	if err != nil || sent {
		t.Fatalf("empty batch: sent=%v err=%v", sent, err)
	}
	sent, err = c.WriteShippingInfo(context.Background(), []ShippingRecord{{RecordId: "1"}})
	if err != nil || sent {
		t.Fatalf("batch without ship dates: sent=%v err=%v", sent, err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.forms) != 0 {
		t.Fatalf("no request expected, got %d", len(rec.forms))
	}
}

func TestEncodeRecordsEscapesValues(t *testing.T) {
	doc, err := encodeRecords([][]field{{{"record_id", "1"}, {"", "skipped"}, {"street", "A & B <C>"}}})
	if err != nil {
		t.Fatalf("encodeRecords: %v", err)
	}
	if !strings.Contains(doc, "<street>A &amp; B &lt;C&gt;</street>") {
		t.Fatalf("value not escaped: %q", doc)
	}
	if strings.Contains(doc, "skipped") {
		t.Fatalf("unnamed field written: %q", doc)
	}
}
