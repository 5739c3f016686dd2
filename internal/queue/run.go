package queue

import (
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/ahrdadan/formfuzz/internal/pipeline"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Default values for run configuration
const (
	DefaultRunTimeout = 10 * time.Minute
	DefaultResultTTL  = 7 * 24 * time.Hour // 7 days
)

// RunStatus represents the status of a run
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// NotifyConfig holds notification settings for a run
type NotifyConfig struct {
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"` // For HMAC signature
}

// RunRequest represents a run creation request
type RunRequest struct {
	TargetURL      string        `json:"target_url"`
	Count          int           `json:"count"`
	Timeout        int           `json:"timeout,omitempty"` // seconds
	Notify         *NotifyConfig `json:"notify,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	ResultTTL      int           `json:"result_ttl,omitempty"` // seconds
}

// Run is one queued pipeline execution.
type Run struct {
	ID             string           `json:"run_id"`
	Status         RunStatus        `json:"status"`
	Stage          string           `json:"stage,omitempty"`
	Progress       int              `json:"progress"`
	Message        string           `json:"message,omitempty"`
	Request        RunRequest       `json:"request"`
	Report         *pipeline.Report `json:"report,omitempty"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
	StartedAt      int64            `json:"started_at,omitempty"`
	CompletedAt    int64            `json:"completed_at,omitempty"`
	ExpiresAt      int64            `json:"expires_at,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Timeout        int              `json:"timeout"`
}

// NewRun creates a new queued run from a request
func NewRun(req RunRequest) *Run {
	now := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = int(DefaultRunTimeout.Seconds())
	}

	resultTTL := DefaultResultTTL
	if req.ResultTTL > 0 {
		resultTTL = time.Duration(req.ResultTTL) * time.Second
	}

	return &Run{
		ID:             generateRunID(),
		Status:         RunStatusQueued,
		Request:        req,
		CreatedAt:      now.Unix(),
		UpdatedAt:      now.Unix(),
		ExpiresAt:      now.Add(resultTTL).Unix(),
		IdempotencyKey: req.IdempotencyKey,
		Timeout:        timeout,
	}
}

// SetStatus updates the run status
func (r *Run) SetStatus(status RunStatus) {
	now := time.Now().Unix()
	r.Status = status
	r.UpdatedAt = now

	if status == RunStatusRunning && r.StartedAt == 0 {
		r.StartedAt = now
	}
	if r.IsTerminal() {
		r.CompletedAt = now
	}
}

// SetStage records the pipeline stage the run entered
func (r *Run) SetStage(stage string, progress int, message string) {
	r.Stage = stage
	r.Progress = progress
	r.Message = message
	r.UpdatedAt = time.Now().Unix()
}

// SetReport marks the run succeeded with its report
func (r *Run) SetReport(report *pipeline.Report) {
	r.Report = report
	r.Progress = 100
	r.SetStatus(RunStatusSucceeded)
}

// SetError marks the run failed. A partial report is kept when present.
func (r *Run) SetError(err string, report *pipeline.Report) {
	r.Error = err
	if report != nil {
		r.Report = report
	}
	r.SetStatus(RunStatusFailed)
}

// IsTerminal reports whether the run will not change anymore
func (r *Run) IsTerminal() bool {
	return r.Status == RunStatusSucceeded || r.Status == RunStatusFailed || r.Status == RunStatusCanceled
}

// IsExpired checks if the run result has expired
func (r *Run) IsExpired() bool {
	if r.ExpiresAt == 0 {
		return false
	}
	return time.Now().Unix() > r.ExpiresAt
}

// TimeoutDuration returns the run timeout as a time.Duration
func (r *Run) TimeoutDuration() time.Duration {
	if r.Timeout <= 0 {
		return DefaultRunTimeout
	}
	return time.Duration(r.Timeout) * time.Second
}

// Clone returns a copy safe to hand out while the worker mutates the run.
func (r *Run) Clone() *Run {
	c := *r
	return &c
}

// RunStatusResponse represents a run status response
type RunStatusResponse struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	Stage     string    `json:"stage,omitempty"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// RunResultResponse represents a run result response
type RunResultResponse struct {
	RunID  string           `json:"run_id"`
	Status RunStatus        `json:"status"`
	Report *pipeline.Report `json:"report,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// RunCreatedResponse represents the response when a run is created
type RunCreatedResponse struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	StatusURL string    `json:"status_url"`
	ResultURL string    `json:"result_url"`
	Events    struct {
		SSEURL string `json:"sse_url"`
		WSURL  string `json:"ws_url"`
	} `json:"events"`
}

// ToJSON serializes a run to JSON
func (r *Run) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

func generateRunID() string {
	return "run_" + uuid.New().String()[:8]
}
