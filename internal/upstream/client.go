// Package upstream talks to the Asana-shaped task API: paginated task
// listings, tracked-field write-back, change-story lookups, webhook
// management, and the events long-poll stream.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"delaycatcher/internal/domain"
)

// ErrRateLimited marks a 429 that survived the bounded retry budget. Callers
// fail the current pass and let the next trigger retry from current state.
var ErrRateLimited = errors.New("upstream rate limited")

// ErrSyncReset means the events sync token expired (HTTP 412) and the stream
// must be re-established from scratch.
var ErrSyncReset = errors.New("events sync token reset")

const taskOptFields = "gid,name,due_on,modified_at,custom_fields"

type Options struct {
	BaseURL     string
	Token       string
	CountField  string
	ReasonField string
	HTTPClient  *http.Client
	PageSize    int
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Client struct {
	baseURL     string
	token       string
	countField  string
	reasonField string
	httpClient  *http.Client
	pageSize    int
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://app.asana.com/api/1.0"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	countField := opts.CountField
	if countField == "" {
		countField = "Delay Count"
	}
	reasonField := opts.ReasonField
	if reasonField == "" {
		reasonField = "Delay Reason"
	}
	return &Client{
		baseURL:     baseURL,
		token:       opts.Token,
		countField:  countField,
		reasonField: reasonField,
		httpClient:  httpClient,
		pageSize:    pageSize,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

type apiTask struct {
	GID          string        `json:"gid"`
	Name         string        `json:"name"`
	DueOn        *string       `json:"due_on"`
	CustomFields []customField `json:"custom_fields"`
}

type customField struct {
	GID         string       `json:"gid"`
	Name        string       `json:"name"`
	NumberValue *float64     `json:"number_value"`
	EnumValue   *enumOption  `json:"enum_value"`
	EnumOptions []enumOption `json:"enum_options"`
}

type enumOption struct {
	GID  string `json:"gid"`
	Name string `json:"name"`
}

// ListTasks fetches every task of the project, following pagination cursors.
func (c *Client) ListTasks(ctx context.Context, project string) ([]domain.TaskRecord, error) {
	var res []domain.TaskRecord
	offset := ""
	for {
		query := url.Values{
			"opt_fields": {taskOptFields},
			"limit":      {strconv.Itoa(c.pageSize)},
		}
		if offset != "" {
			query.Set("offset", offset)
		}
		body, err := c.do(ctx, http.MethodGet, "/projects/"+project+"/tasks", query, nil)
		if err != nil {
			return nil, err
		}
		var page struct {
			Data     []apiTask `json:"data"`
			NextPage *struct {
				Offset string `json:"offset"`
			} `json:"next_page"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode task page: %w", err)
		}
		for _, t := range page.Data {
			res = append(res, c.toRecord(t))
		}
		if page.NextPage == nil || page.NextPage.Offset == "" {
			return res, nil
		}
		offset = page.NextPage.Offset
	}
}

// GetTask fetches a single task with tracked fields.
func (c *Client) GetTask(ctx context.Context, taskID string) (domain.TaskRecord, error) {
	body, err := c.do(ctx, http.MethodGet, "/tasks/"+taskID, url.Values{"opt_fields": {taskOptFields}}, nil)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	var resp struct {
		Data apiTask `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.TaskRecord{}, fmt.Errorf("decode task: %w", err)
	}
	return c.toRecord(resp.Data), nil
}

func (c *Client) toRecord(t apiTask) domain.TaskRecord {
	rec := domain.TaskRecord{
		TaskID: t.GID,
		Name:   t.Name,
		DueOn:  t.DueOn,
	}
	for _, f := range t.CustomFields {
		switch {
		case strings.EqualFold(f.Name, c.countField):
			if f.NumberValue != nil {
				rec.DelayCount = int(*f.NumberValue)
			}
		case strings.EqualFold(f.Name, c.reasonField):
			if f.EnumValue != nil && f.EnumValue.Name != "" {
				name := f.EnumValue.Name
				rec.DelayReason = &name
			}
		}
	}
	return rec
}

// SetFields writes the delay counter and/or the reason label back to the
// task. The reason is a single-select label and must be resolved to an enum
// option; option lists not inlined on the task are fetched from the field
// definition.
func (c *Client) SetFields(ctx context.Context, taskID string, update domain.FieldUpdate) error {
	if update.DelayCount == nil && update.DelayReason == nil {
		return nil
	}
	body, err := c.do(ctx, http.MethodGet, "/tasks/"+taskID, url.Values{"opt_fields": {"gid,custom_fields"}}, nil)
	if err != nil {
		return err
	}
	var resp struct {
		Data apiTask `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode task fields: %w", err)
	}

	fields := map[string]any{}
	for _, f := range resp.Data.CustomFields {
		switch {
		case update.DelayCount != nil && strings.EqualFold(f.Name, c.countField):
			fields[f.GID] = *update.DelayCount
		case update.DelayReason != nil && strings.EqualFold(f.Name, c.reasonField):
			optionGID, err := c.resolveEnumOption(ctx, f, *update.DelayReason)
			if err != nil {
				return err
			}
			fields[f.GID] = optionGID
		}
	}
	if len(fields) == 0 {
		return fmt.Errorf("task %s has no tracked custom fields", taskID)
	}
	payload := map[string]any{"data": map[string]any{"custom_fields": fields}}
	_, err = c.do(ctx, http.MethodPut, "/tasks/"+taskID, nil, payload)
	return err
}

func (c *Client) resolveEnumOption(ctx context.Context, f customField, label string) (string, error) {
	options := f.EnumOptions
	if len(options) == 0 {
		body, err := c.do(ctx, http.MethodGet, "/custom_fields/"+f.GID, nil, nil)
		if err != nil {
			return "", err
		}
		var resp struct {
			Data struct {
				EnumOptions []enumOption `json:"enum_options"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("decode field options: %w", err)
		}
		options = resp.Data.EnumOptions
	}
	for _, o := range options {
		if strings.EqualFold(strings.TrimSpace(o.Name), strings.TrimSpace(label)) {
			return o.GID, nil
		}
	}
	return "", fmt.Errorf("field %q has no option %q", f.Name, label)
}

type story struct {
	ResourceSubtype string `json:"resource_subtype"`
	CreatedAt       string `json:"created_at"`
	CreatedBy       *struct {
		Name string `json:"name"`
	} `json:"created_by"`
	CustomField *struct {
		Name string `json:"name"`
	} `json:"custom_field"`
}

// TaskModifier resolves who made the most recent change of the given type
// from the task's story stream. Best-effort: missing stories degrade to
// "Unknown" and the current time, never to an error for the caller.
func (c *Client) TaskModifier(ctx context.Context, taskID string, change domain.ChangeType) domain.Modifier {
	fallback := domain.Modifier{
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		UpdatedBy: "Unknown",
	}
	query := url.Values{"opt_fields": {"resource_subtype,custom_field.name,created_at,created_by.name"}}
	body, err := c.do(ctx, http.MethodGet, "/tasks/"+taskID+"/stories", query, nil)
	if err != nil {
		return fallback
	}
	var resp struct {
		Data []story `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fallback
	}
	stories := resp.Data
	sort.Slice(stories, func(i, j int) bool { return stories[i].CreatedAt > stories[j].CreatedAt })
	for _, s := range stories {
		if !storyMatches(s, change, c.reasonField) {
			continue
		}
		m := domain.Modifier{UpdatedAt: s.CreatedAt, UpdatedBy: "Unknown"}
		if s.CreatedBy != nil && s.CreatedBy.Name != "" {
			m.UpdatedBy = s.CreatedBy.Name
		}
		if m.UpdatedAt == "" {
			m.UpdatedAt = fallback.UpdatedAt
		}
		return m
	}
	return fallback
}

func storyMatches(s story, change domain.ChangeType, reasonField string) bool {
	switch change {
	case domain.ChangeDueDate:
		return s.ResourceSubtype == "due_date_changed"
	case domain.ChangeReason:
		return s.ResourceSubtype == "enum_custom_field_changed" &&
			s.CustomField != nil && strings.EqualFold(s.CustomField.Name, reasonField)
	default:
		return s.ResourceSubtype == "due_date_changed" ||
			(s.ResourceSubtype == "enum_custom_field_changed" &&
				s.CustomField != nil && strings.EqualFold(s.CustomField.Name, reasonField))
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return respBody, nil
		}
		if resp.StatusCode == http.StatusPreconditionFailed {
			// The 412 body carries a fresh sync token; hand it to the caller.
			return respBody, ErrSyncReset
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%s %s: %w", method, path, ErrRateLimited)
		}
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
