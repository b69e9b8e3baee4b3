package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/pkg/limiter"
)

// HTTPSink pushes a trace to a collector in three phases:
//
//	POST /runs                  run header
//	POST /runs/{id}/steps       one request per step, in order
//	POST /runs/{id}/finalize    status, reason, answer and summary
//
// Requests answered with 429 or 5xx are retried with backoff.
type HTTPSink struct {
	baseURL string
	client  *http.Client
	retry   *limiter.RetryConfig
}

// NewHTTPSink creates a sink for baseURL. client may be nil.
func NewHTTPSink(baseURL string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	retry := limiter.DefaultRetryConfig()
	retry.BaseDelay = 100 * time.Millisecond
	retry.MaxDelay = 2 * time.Second
	return &HTTPSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		retry:   retry,
	}
}

type runHeader struct {
	RunID     string    `json:"run_id"`
	TaskID    string    `json:"task_id"`
	Task      string    `json:"task"`
	Policy    string    `json:"policy"`
	Variant   string    `json:"variant,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type runFinal struct {
	Status      core.Status  `json:"status"`
	Reason      string       `json:"reason"`
	FinalAnswer *string      `json:"final_answer"`
	FinishedAt  time.Time    `json:"finished_at"`
	Metrics     core.Summary `json:"metrics"`
}

// Write implements core.Sink.
func (s *HTTPSink) Write(ctx context.Context, trace *core.Trace) error {
	id := url.PathEscape(trace.RunID)

	header := runHeader{
		RunID:     trace.RunID,
		TaskID:    trace.TaskID,
		Task:      trace.Prompt,
		Policy:    trace.PolicyID,
		Variant:   trace.Variant,
		Model:     trace.Model,
		CreatedAt: trace.StartedAt,
	}
	if err := s.post(ctx, "/runs", header); err != nil {
		return err
	}
	for _, step := range trace.Steps {
		if err := s.post(ctx, "/runs/"+id+"/steps", step); err != nil {
			return err
		}
	}
	return s.post(ctx, "/runs/"+id+"/finalize", runFinal{
		Status:      trace.Status,
		Reason:      trace.Reason,
		FinalAnswer: trace.FinalAnswer,
		FinishedAt:  trace.FinishedAt,
		Metrics:     trace.Summary,
	})
}

func (s *HTTPSink) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	_, err = limiter.NewRetryManager(s.retry).Execute(ctx, func(ctx context.Context) (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, core.Transient(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			return nil, limiter.NewHTTPError(resp.StatusCode, http.StatusText(resp.StatusCode), string(msg))
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("sink POST %s: %w", path, err)
	}
	return nil
}

// Close implements core.Sink.
func (s *HTTPSink) Close() error { return nil }
