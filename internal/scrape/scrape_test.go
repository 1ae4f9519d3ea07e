package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const samplePage = `# HELP svc_response_time_ms Rolling mean response time.
# TYPE svc_response_time_ms gauge
svc_response_time_ms 41.5
svc_error_rate{path="/ingest"} 0.01
svc_error_rate{path="/frames"} 0.03
svc_requests_total 1042

garbage-line-without-value
svc_bad_value not_a_number
`

func TestParse(t *testing.T) {
	got, err := Parse(strings.NewReader(samplePage))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := map[string]float64{
		"svc_response_time_ms": 41.5,
		"svc_error_rate":       0.03, // last label variant wins
		"svc_requests_total":   1042,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %v, want %v", name, got[name], v)
		}
	}
	if _, ok := got["svc_bad_value"]; ok {
		t.Error("unparseable sample should be skipped")
	}
	if len(got) != len(want) {
		t.Errorf("parsed %d metrics, want %d: %v", len(got), len(want), got)
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	f := NewFetcher(nil)
	got, err := f.Fetch(context.Background(), srv.URL+"/metrics")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got["svc_requests_total"] != 1042 {
		t.Errorf("svc_requests_total = %v, want 1042", got["svc_requests_total"])
	}
}

func TestFetch_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewFetcher(nil).Fetch(context.Background(), srv.URL); err == nil {
		t.Error("500 response should fail the fetch")
	}
}

func TestFetch_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewFetcher(nil).Fetch(ctx, "http://127.0.0.1:1/metrics"); err == nil {
		t.Error("cancelled context should fail the fetch")
	}
}
