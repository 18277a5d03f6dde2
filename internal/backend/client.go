package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/clinicsync/internal/offlinequeue"
)

type HTTPError struct {
	StatusCode int
	Detail     string
	Details    []string
}

func (e *HTTPError) Error() string {
	detail := e.Detail
	if detail == "" && len(e.Details) > 0 {
		detail = strings.Join(e.Details, ", ")
	}
	if detail == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, detail)
}

type Appointment struct {
	ID              int64  `json:"id"`
	PatientID       int64  `json:"patient_id"`
	DoctorID        int64  `json:"doctor_id"`
	AppointmentDate string `json:"appointment_date"`
	Reason          string `json:"reason,omitempty"`
	Status          string `json:"status"`
	Notes           string `json:"notes,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
}

type BookingRequest struct {
	DoctorID      int64  `json:"doctor_id"`
	PreferredDate string `json:"preferred_date"`
	Reason        string `json:"reason"`
}

type ConfirmationRequest struct {
	AppointmentID int64  `json:"appointment_id"`
	Action        string `json:"action"`
	Notes         string `json:"notes"`
}

type AppointmentCreate struct {
	DoctorID        int64  `json:"doctor_id"`
	AppointmentDate string `json:"appointment_date"`
	Reason          string `json:"reason,omitempty"`
}

type AppointmentUpdate struct {
	Status *string `json:"status,omitempty"`
	Notes  *string `json:"notes,omitempty"`
}

type PendingConfirmation struct {
	AppointmentID   int64  `json:"appointment_id"`
	PatientName     string `json:"patient_name"`
	PatientEmail    string `json:"patient_email"`
	AppointmentDate string `json:"appointment_date"`
	Reason          string `json:"reason"`
	CreatedAt       string `json:"created_at"`
}

type WorkflowStatus struct {
	AppointmentID     int64    `json:"appointment_id"`
	WorkflowStatus    string   `json:"workflow_status"`
	AppointmentStatus string   `json:"appointment_status"`
	PatientName       string   `json:"patient_name"`
	DoctorName        string   `json:"doctor_name"`
	AppointmentDate   string   `json:"appointment_date"`
	Reason            string   `json:"reason"`
	WorkflowHistory   []string `json:"workflow_history"`
	CreatedAt         string   `json:"created_at"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) Execute(ctx context.Context, req offlinequeue.Request) error {
	var body []byte
	if len(req.Payload) > 0 {
		body = req.Payload
	}
	return c.do(ctx, req.Method, req.Path, body, nil)
}

func BookWithAI(booking BookingRequest) (offlinequeue.Request, error) {
	return newRequest(http.MethodPost, "/appointments/book-with-ai", booking)
}

func ConfirmWithAI(confirmation ConfirmationRequest) (offlinequeue.Request, error) {
	if err := validateAction(confirmation.Action); err != nil {
		return offlinequeue.Request{}, err
	}
	return newRequest(http.MethodPost, "/appointments/confirm-with-ai", confirmation)
}

func BatchConfirm(confirmations []ConfirmationRequest) (offlinequeue.Request, error) {
	if len(confirmations) == 0 {
		return offlinequeue.Request{}, fmt.Errorf("batch confirm requires at least one confirmation")
	}
	for _, confirmation := range confirmations {
		if err := validateAction(confirmation.Action); err != nil {
			return offlinequeue.Request{}, err
		}
	}
	return newRequest(http.MethodPost, "/appointments/batch-confirm", confirmations)
}

func CreateAppointment(create AppointmentCreate) (offlinequeue.Request, error) {
	return newRequest(http.MethodPost, "/appointments", create)
}

func UpdateAppointment(id int64, update AppointmentUpdate) (offlinequeue.Request, error) {
	return newRequest(http.MethodPut, "/appointments/"+strconv.FormatInt(id, 10), update)
}

func (c *Client) ListAppointments(ctx context.Context) ([]Appointment, error) {
	var out []Appointment
	err := c.do(ctx, http.MethodGet, "/appointments", nil, &out)
	return out, err
}

func (c *Client) PendingConfirmations(ctx context.Context) ([]PendingConfirmation, error) {
	var out []PendingConfirmation
	err := c.do(ctx, http.MethodGet, "/appointments/pending-confirmations", nil, &out)
	return out, err
}

func (c *Client) WorkflowStatus(ctx context.Context, appointmentID int64) (WorkflowStatus, error) {
	var out WorkflowStatus
	err := c.do(ctx, http.MethodGet, "/appointments/workflow-status/"+strconv.FormatInt(appointmentID, 10), nil, &out)
	return out, err
}

// Transport errors are returned without retry; the queue owns that.
func (c *Client) do(ctx context.Context, method, requestPath string, body []byte, out any) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeHTTPError(resp.StatusCode, payloadBytes)
	}
}

// decodeHTTPError reads the {"detail": ...} envelope, where detail is either
// a string or a list of {"msg": ...} validation entries.
func decodeHTTPError(status int, payload []byte) *HTTPError {
	out := &HTTPError{StatusCode: status}
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || len(envelope.Detail) == 0 {
		return out
	}
	var detail string
	if err := json.Unmarshal(envelope.Detail, &detail); err == nil {
		out.Detail = detail
		return out
	}
	var entries []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(envelope.Detail, &entries); err == nil {
		for _, entry := range entries {
			if entry.Msg != "" {
				out.Details = append(out.Details, entry.Msg)
			}
		}
	}
	return out
}

func newRequest(method, path string, payload any) (offlinequeue.Request, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return offlinequeue.Request{}, fmt.Errorf("encode %s %s: %w", method, path, err)
	}
	return offlinequeue.Request{Method: method, Path: path, Payload: encoded}, nil
}

func validateAction(action string) error {
	switch action {
	case "confirm", "reject":
		return nil
	default:
		return fmt.Errorf("unsupported confirmation action %q", action)
	}
}

func correlationID() string {
	return "clinicsync_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
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
