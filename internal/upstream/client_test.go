package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"delaycatcher/internal/domain"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := New(Options{
		BaseURL:    srv.URL,
		Token:      "tok",
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		HTTPClient: srv.Client(),
	})
	return c, srv
}

func TestListTasksPaginates(t *testing.T) {
	calls := 0
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/projects/p-1/tasks" {
			t.Fatalf("path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("authorization %q", got)
		}
		if r.URL.Query().Get("offset") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"data":      []map[string]any{{"gid": "t-1", "name": "one", "due_on": "2026-01-10"}},
				"next_page": map[string]any{"offset": "cursor-2"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"gid": "t-2", "name": "two"}},
		})
	}))
	defer srv.Close()

	tasks, err := c.ListTasks(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if calls != 2 || len(tasks) != 2 {
		t.Fatalf("calls=%d tasks=%d", calls, len(tasks))
	}
	if tasks[0].TaskID != "t-1" || tasks[0].DueOn == nil || *tasks[0].DueOn != "2026-01-10" {
		t.Fatalf("task %+v", tasks[0])
	}
}

func TestGetTaskReadsTrackedFields(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"gid": "t-1", "name": "one", "due_on": "2026-01-10",
				"custom_fields": []map[string]any{
					{"gid": "f-1", "name": "Delay Count", "number_value": 3},
					{"gid": "f-2", "name": "Delay Reason", "enum_value": map[string]any{"gid": "o-1", "name": "Vendor"}},
				},
			},
		})
	}))
	defer srv.Close()

	rec, err := c.GetTask(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.DelayCount != 3 {
		t.Fatalf("count = %d", rec.DelayCount)
	}
	if rec.DelayReason == nil || *rec.DelayReason != "Vendor" {
		t.Fatalf("reason = %v", rec.DelayReason)
	}
}

func TestRetryThenRateLimited(t *testing.T) {
	calls := 0
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := c.GetTask(context.Background(), "t-1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v", err)
	}
	if calls < 2 {
		t.Fatalf("expected retries, got %d calls", calls)
	}
}

func TestRetryRecovers(t *testing.T) {
	calls := 0
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"gid": "t-1"}})
	}))
	defer srv.Close()

	rec, err := c.GetTask(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.TaskID != "t-1" || calls != 2 {
		t.Fatalf("rec=%+v calls=%d", rec, calls)
	}
}

func TestSetFieldsResolvesEnumOption(t *testing.T) {
	var put map[string]any
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/tasks/t-1":
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{
					"gid": "t-1",
					"custom_fields": []map[string]any{
						{"gid": "f-1", "name": "Delay Count"},
						{"gid": "f-2", "name": "Delay Reason"},
					},
				},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/custom_fields/f-2":
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{
					"gid": "f-2",
					"enum_options": []map[string]any{
						{"gid": "o-1", "name": "Awaiting identify"},
						{"gid": "o-2", "name": "Vendor"},
					},
				},
			})
		case r.Method == http.MethodPut && r.URL.Path == "/tasks/t-1":
			json.NewDecoder(r.Body).Decode(&put)
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"gid": "t-1"}})
		default:
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	count := 2
	reason := "Awaiting identify"
	err := c.SetFields(context.Background(), "t-1", domain.FieldUpdate{DelayCount: &count, DelayReason: &reason})
	if err != nil {
		t.Fatalf("set fields: %v", err)
	}
	data, ok := put["data"].(map[string]any)
	if !ok {
		t.Fatalf("payload %v", put)
	}
	fields, ok := data["custom_fields"].(map[string]any)
	if !ok {
		t.Fatalf("payload %v", put)
	}
	if fields["f-1"] != float64(2) {
		t.Fatalf("count value %v", fields["f-1"])
	}
	if fields["f-2"] != "o-1" {
		t.Fatalf("reason option %v", fields["f-2"])
	}
}

func TestPollEventsSyncResetReturnsFreshToken(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
		json.NewEncoder(w).Encode(map[string]any{
			"sync":   "fresh-tok",
			"errors": []map[string]any{{"message": "Sync token invalid or too old."}},
		})
	}))
	defer srv.Close()

	_, sync, err := c.PollEvents(context.Background(), "p-1", "stale", 5)
	if !errors.Is(err, ErrSyncReset) {
		t.Fatalf("err = %v", err)
	}
	if sync != "fresh-tok" {
		t.Fatalf("sync = %q, want the token from the reset reply", sync)
	}
}

func TestPollEventsSyncResetWithoutToken(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	_, sync, err := c.PollEvents(context.Background(), "p-1", "stale", 5)
	if !errors.Is(err, ErrSyncReset) {
		t.Fatalf("err = %v", err)
	}
	if sync != "" {
		t.Fatalf("sync = %q, want empty so the stream is re-established", sync)
	}
}

func TestPollEventsKeepsTokenWhenOmitted(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("sync"); got != "tok-1" {
			t.Fatalf("sync %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"resource": map[string]any{"gid": "t-1"}, "change": map[string]any{"field": "due_on"}}},
		})
	}))
	defer srv.Close()

	evs, sync, err := c.PollEvents(context.Background(), "p-1", "tok-1", 5)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if sync != "tok-1" {
		t.Fatalf("sync = %q", sync)
	}
	if len(evs) != 1 || !Relevant(evs[0]) {
		t.Fatalf("events %+v", evs)
	}
}

func TestRelevantFiltersCounterWriteback(t *testing.T) {
	var ev Event
	ev.Change.Field = "custom_fields"
	ev.Change.NewValue = &struct {
		GID             string `json:"gid"`
		ResourceSubtype string `json:"resource_subtype"`
	}{GID: "f-1", ResourceSubtype: "number_custom_field"}
	if Relevant(ev) {
		t.Fatal("counter write-back must not retrigger")
	}
	ev.Change.NewValue.ResourceSubtype = "enum_custom_field"
	if !Relevant(ev) {
		t.Fatal("enum change should be relevant")
	}
}
