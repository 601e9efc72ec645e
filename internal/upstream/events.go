package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Event is one advisory change notification from the events stream. It
// carries no timestamp of the underlying change and is only ever a trigger
// for a fetch-based reconciliation.
type Event struct {
	Resource struct {
		GID string `json:"gid"`
	} `json:"resource"`
	Change struct {
		Field    string `json:"field"`
		NewValue *struct {
			GID             string `json:"gid"`
			ResourceSubtype string `json:"resource_subtype"`
		} `json:"new_value"`
	} `json:"change"`
}

// PollEvents long-polls the events stream. An empty sync token establishes
// the stream and returns the initial token with no events. On ErrSyncReset
// the reply's fresh token is returned alongside the error so callers can
// re-seed the stream without a second establishing poll.
func (c *Client) PollEvents(ctx context.Context, resource, sync string, timeoutSeconds int) ([]Event, string, error) {
	query := url.Values{"resource": {resource}}
	if timeoutSeconds > 0 {
		query.Set("timeout", strconv.Itoa(timeoutSeconds))
	}
	if sync != "" {
		query.Set("sync", sync)
	}
	body, err := c.do(ctx, http.MethodGet, "/events", query, nil)
	if errors.Is(err, ErrSyncReset) {
		var reset struct {
			Sync string `json:"sync"`
		}
		if jsonErr := json.Unmarshal(body, &reset); jsonErr == nil && reset.Sync != "" {
			return nil, reset.Sync, err
		}
		return nil, "", err
	}
	if err != nil {
		return nil, sync, err
	}
	var resp struct {
		Data []Event `json:"data"`
		Sync string  `json:"sync"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, sync, fmt.Errorf("decode events: %w", err)
	}
	newSync := resp.Sync
	if newSync == "" {
		newSync = sync
	}
	return resp.Data, newSync, nil
}

// Relevant reports whether an event concerns a tracked field. Due date
// changes always qualify; custom-field changes qualify only for single-select
// values, which excludes the numeric delay counter and avoids self-triggering
// on our own write-backs.
func Relevant(ev Event) bool {
	switch ev.Change.Field {
	case "due_on", "due_at":
		return true
	case "custom_fields":
		return ev.Change.NewValue == nil || ev.Change.NewValue.ResourceSubtype != "number_custom_field"
	default:
		return false
	}
}
