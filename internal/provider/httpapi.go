package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "genbot/pkg/logx"
)

// HTTPConfig configures the generation-API client.
type HTTPConfig struct {
	BaseURL      string
	Token        string
	PollInterval time.Duration // default 2s
}

// HTTPClient talks to a remote generation API: submit a job, then poll for
// the result until the API reports a terminal state or ctx expires.
type HTTPClient struct {
	cfg  HTTPConfig
	http *http.Client
	log  logx.Logger
}

func NewHTTP(cfg HTTPConfig, log logx.Logger) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("provider base url is empty")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPClient{
		cfg: cfg,
		// Per-request deadlines come from the dispatcher's ctx; the client
		// timeout only bounds a single HTTP exchange.
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log,
	}, nil
}

type submitRequest struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id"`
	Payload string `json:"payload"`
}

type jobState struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (c *HTTPClient) Generate(ctx context.Context, req Request) (Result, error) {
	remote, err := c.submit(ctx, req)
	if err != nil {
		return Result{}, err
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}

		st, err := c.fetch(ctx, remote)
		if err != nil {
			return Result{}, err
		}
		switch st.Status {
		case "done", "succeeded":
			return Result{Handle: remote, Output: st.Output}, nil
		case "error", "failed":
			return Result{}, Fatal(fmt.Errorf("provider rejected job: %s", st.Error))
		default:
			// still running
		}
	}
}

func (c *HTTPClient) submit(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(submitRequest{Type: string(req.Type), JobID: req.JobID, Payload: req.Payload})
	if err != nil {
		return "", Fatal(err)
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", Fatal(err)
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(hr)
	if err != nil {
		return "", Transient(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return "", err
	}
	var st jobState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return "", Transient(fmt.Errorf("decoding submit response: %w", err))
	}
	if st.ID == "" {
		return "", Transient(errors.New("submit response missing job id"))
	}
	c.log.Debug("provider job submitted", logx.String("job", req.JobID), logx.String("remote", st.ID))
	return st.ID, nil
}

func (c *HTTPClient) fetch(ctx context.Context, remoteID string) (jobState, error) {
	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/jobs/"+remoteID, nil)
	if err != nil {
		return jobState{}, Fatal(err)
	}
	hr.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(hr)
	if err != nil {
		return jobState{}, Transient(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return jobState{}, err
	}
	var st jobState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return jobState{}, Transient(fmt.Errorf("decoding job state: %w", err))
	}
	return st, nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return Transient(fmt.Errorf("provider status %d", code))
	default:
		return Fatal(fmt.Errorf("provider status %d", code))
	}
}
