package collabflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Collabflow HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	OperatorID  string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Record represents the API fulfillment record model.
type Record struct {
	ID             string `json:"id"`
	PlanID         string `json:"plan_id"`
	Subject        string `json:"subject,omitempty"`
	CurrentStatus  string `json:"current_status"`
	StageStartTime int64  `json:"stage_start_time"`
	StageDeadline  *int64 `json:"stage_deadline,omitempty"`
	OverdueHint    bool   `json:"overdue_hint"`
	Priority       string `json:"priority"`
	RecordStatus   string `json:"record_status"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// LogEntry represents one status-log row.
type LogEntry struct {
	ID                   string   `json:"id"`
	RecordID             string   `json:"record_id"`
	FromStatus           *string  `json:"from_status,omitempty"`
	ToStatus             string   `json:"to_status"`
	StageStartTime       int64    `json:"stage_start_time"`
	StageEndTime         int64    `json:"stage_end_time"`
	StageDeadline        *int64   `json:"stage_deadline,omitempty"`
	PlannedDurationHours *float64 `json:"planned_duration_hours,omitempty"`
	ActualDurationHours  float64  `json:"actual_duration_hours"`
	IsOverdue            bool     `json:"is_overdue"`
	OverdueHours         float64  `json:"overdue_hours"`
	ChangeReason         string   `json:"change_reason"`
	Remarks              string   `json:"remarks,omitempty"`
	OperatorID           string   `json:"operator_id"`
	CreatedAt            string   `json:"created_at"`
}

// Plan represents a fulfillment plan with its SLA rules.
type Plan struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	RequiresSample bool      `json:"requires_sample"`
	InitialStatus  string    `json:"initial_status"`
	CreatedAt      string    `json:"created_at"`
	SLARules       []SLARule `json:"sla_rules,omitempty"`
}

// SLARule gives one stage's duration budget in hours.
type SLARule struct {
	FromStatus    *string  `json:"from_status,omitempty"`
	ToStatus      string   `json:"to_status"`
	DurationHours *float64 `json:"duration_hours,omitempty"`
}

// CurrentSLA is the active stage budget for a record.
type CurrentSLA struct {
	Kind  string   `json:"kind"`
	Hours *float64 `json:"hours,omitempty"`
}

// StatusInfo is a record with its plan, next statuses and active SLA.
type StatusInfo struct {
	Record       Record     `json:"record"`
	Plan         Plan       `json:"plan"`
	NextStatuses []string   `json:"next_possible_statuses"`
	CurrentSLA   CurrentSLA `json:"current_sla"`
}

// TransitionResult is the outcome of a transition call.
type TransitionResult struct {
	Record       Record   `json:"record"`
	LogEntry     LogEntry `json:"log_entry"`
	NextStatuses []string `json:"next_possible_statuses"`
}

// LogStats aggregates a record's closed legs. Field tags mirror the
// server's leg-stats payload.
type LogStats struct {
	Count        int     `json:"count"`
	OverdueCount int     `json:"overdue_count"`
	AvgHours     float64 `json:"avg_actual_duration_hours"`
}

// LogPage is one page of a record's status log.
type LogPage struct {
	Entries    []LogEntry `json:"entries"`
	Stats      LogStats   `json:"stats"`
	Pagination struct {
		Page     int `json:"page"`
		PageSize int `json:"page_size"`
		Total    int `json:"total"`
	} `json:"pagination"`
}

// PaginatedRecords wraps record list responses with a cursor.
type PaginatedRecords struct {
	Items      []Record `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// MonitoringView carries one monitoring mode's payload.
type MonitoringView struct {
	Mode string          `json:"mode"`
	Data json.RawMessage `json:"data"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRecord opens a fulfillment record on a plan.
func (c *Client) CreateRecord(ctx context.Context, planID, subject, priority string) (Record, error) {
	body := map[string]any{"plan_id": planID}
	if subject != "" {
		body["subject"] = subject
	}
	if priority != "" {
		body["priority"] = priority
	}
	var resp Record
	err := c.do(ctx, http.MethodPost, "v1/records", body, &resp)
	return resp, err
}

// ListRecords pages through records, optionally filtered by record status.
func (c *Client) ListRecords(ctx context.Context, recordStatus, cursor string, limit int) (PaginatedRecords, error) {
	q := url.Values{}
	if recordStatus != "" {
		q.Set("record_status", recordStatus)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp PaginatedRecords
	err := c.do(ctx, http.MethodGet, withQuery("v1/records", q), nil, &resp)
	return resp, err
}

// GetStatusInfo returns a record with its next possible statuses and SLA.
func (c *Client) GetStatusInfo(ctx context.Context, recordID string) (StatusInfo, error) {
	var resp StatusInfo
	err := c.do(ctx, http.MethodGet, "v1/records/"+url.PathEscape(recordID)+"/status", nil, &resp)
	return resp, err
}

// Transition moves a record to toStatus. Set force to bypass edge
// validation on the server.
func (c *Client) Transition(ctx context.Context, recordID, toStatus, reason, remarks string, force bool) (TransitionResult, error) {
	body := map[string]any{"to_status": toStatus}
	if reason != "" {
		body["reason"] = reason
	}
	if remarks != "" {
		body["remarks"] = remarks
	}
	endpoint := "v1/records/" + url.PathEscape(recordID) + "/transition"
	if force {
		endpoint += "?force=true"
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListStatusLog returns one page of a record's status log.
func (c *Client) ListStatusLog(ctx context.Context, recordID string, page, pageSize int) (LogPage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	var resp LogPage
	err := c.do(ctx, http.MethodGet, withQuery("v1/records/"+url.PathEscape(recordID)+"/log", q), nil, &resp)
	return resp, err
}

// Monitoring fetches a monitoring view. Mode is one of overview,
// overdue, stats, report; empty defaults to overview.
func (c *Client) Monitoring(ctx context.Context, mode string) (MonitoringView, error) {
	endpoint := "v1/monitoring"
	if mode != "" {
		endpoint += "?mode=" + url.QueryEscape(mode)
	}
	var resp MonitoringView
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/api/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.OperatorID != "":
		req.Header.Set("X-Operator-Id", c.OperatorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
