package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"delaycatcher/internal/domain"
)

func TestAppendPostsRecordWithRequestID(t *testing.T) {
	var gotHeader string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Request-Id")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{URL: srv.URL, Secret: "shh", HTTPClient: srv.Client()})
	err := c.Append(context.Background(), domain.DelayRecord{
		RequestID:  "fp-1",
		TaskID:     "t-1",
		ChangeType: string(domain.ChangeDueDate),
		IsDelay:    true,
		DelayCount: 1,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if gotHeader != "fp-1" {
		t.Fatalf("request id header = %q", gotHeader)
	}
	if gotBody["secret"] != "shh" {
		t.Fatalf("secret = %v", gotBody["secret"])
	}
	if gotBody["task_id"] != "t-1" || gotBody["is_delay"] != true {
		t.Fatalf("body %v", gotBody)
	}
}

func TestAppendRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{URL: srv.URL, HTTPClient: srv.Client(), BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	if err := c.Append(context.Background(), domain.DelayRecord{RequestID: "fp-1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestAppendGivesUpOnClientError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Options{URL: srv.URL, HTTPClient: srv.Client(), BaseDelay: time.Millisecond})
	if err := c.Append(context.Background(), domain.DelayRecord{RequestID: "fp-1"}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("4xx must not be retried, calls = %d", calls)
	}
}
