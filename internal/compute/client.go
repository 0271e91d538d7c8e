// Package compute talks to the asset synthesis engine. The engine is an
// asynchronous HTTP service: a task is created, polled until it settles, and
// the resulting artifact downloaded to a local file.
package compute

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/solidgen/backend/internal/models"
)

// DefaultModelID is the engine model used when none is configured.
const DefaultModelID = "microsoft/TRELLIS.2-4B"

// ErrTaskFailed wraps a failure reported by the engine itself.
var ErrTaskFailed = errors.New("compute task failed")

// Request is one synthesis call.
type Request struct {
	Image   []byte
	Params  models.JobParams
	ModelID string
}

// Engine generates an artifact and returns the path of a local file holding
// it. The caller removes the file. Generate returns when ctx is done.
type Engine interface {
	Generate(ctx context.Context, req Request) (string, error)
}

type Config struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	// MaxPollErrors is the number of consecutive failed status polls tolerated.
	MaxPollErrors int
	// RequestTimeout bounds each HTTP round trip, not the task.
	RequestTimeout time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPollErrors <= 0 {
		cfg.MaxPollErrors = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		log:        log,
	}
}

var _ Engine = (*Client)(nil)

type createTaskRequest struct {
	Model            string `json:"model"`
	ImageBase64      string `json:"image_base64"`
	Resolution       int    `json:"resolution"`
	Seed             int64  `json:"seed"`
	DecimationTarget int    `json:"decimation_target"`
	TextureSize      int    `json:"texture_size"`
}

type taskStatus struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	Error       string `json:"error"`
	ArtifactURL string `json:"artifact_url"`
}

func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	if len(req.Image) == 0 {
		return "", fmt.Errorf("empty input image")
	}
	model := req.ModelID
	if model == "" {
		model = DefaultModelID
	}
	taskID, err := c.createTask(ctx, createTaskRequest{
		Model:            model,
		ImageBase64:      base64.StdEncoding.EncodeToString(req.Image),
		Resolution:       req.Params.Resolution,
		Seed:             req.Params.Seed,
		DecimationTarget: req.Params.DecimationTarget,
		TextureSize:      req.Params.TextureSize,
	})
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	artifactURL, err := c.waitForTask(ctx, taskID)
	if err != nil {
		if ctx.Err() != nil {
			c.cancelTask(taskID)
		}
		return "", err
	}
	return c.download(ctx, artifactURL)
}

func (c *Client) createTask(ctx context.Context, payload createTaskRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	c.log.Info("creating compute task", "model", payload.Model, "resolution", payload.Resolution)

	var created taskStatus
	if err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/tasks", body, &created); err != nil {
		return "", err
	}
	if created.TaskID == "" {
		return "", fmt.Errorf("empty task_id in response")
	}
	return created.TaskID, nil
}

// waitForTask polls until the task settles. There is no overall deadline; the
// caller bounds it through ctx.
func (c *Client) waitForTask(ctx context.Context, taskID string) (string, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	pollErrors := 0
	for attempt := 1; ; attempt++ {
		var st taskStatus
		err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/tasks/"+taskID, nil, &st)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			pollErrors++
			c.log.Warn("compute poll failed", "task_id", taskID, "attempt", attempt, "error", err)
			if pollErrors >= c.cfg.MaxPollErrors {
				return "", fmt.Errorf("poll task %s: %w", taskID, err)
			}
		case st.Status == "succeeded":
			if st.ArtifactURL == "" {
				return "", fmt.Errorf("task %s succeeded without artifact_url", taskID)
			}
			c.log.Info("compute task completed", "task_id", taskID, "attempt", attempt)
			return st.ArtifactURL, nil
		case st.Status == "failed" || st.Status == "canceled":
			msg := st.Error
			if msg == "" {
				msg = "unknown error"
			}
			return "", fmt.Errorf("%w: %s", ErrTaskFailed, msg)
		case st.Status == "queued" || st.Status == "running":
			pollErrors = 0
		default:
			return "", fmt.Errorf("unknown task status %q", st.Status)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// cancelTask asks the engine to stop a task whose caller went away.
func (c *Client) cancelTask(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/tasks/"+taskID+"/cancel", nil, nil); err != nil {
		c.log.Warn("compute cancel failed", "task_id", taskID, "error", err)
	}
}

func (c *Client) download(ctx context.Context, artifactURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	if strings.HasPrefix(artifactURL, c.cfg.BaseURL) {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("download artifact: status=%d body=%s", resp.StatusCode, truncateBody(raw))
	}

	f, err := os.CreateTemp("", "asset-*.glb")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}
	return f.Name(), nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("engine error: status=%d body=%s", resp.StatusCode, truncateBody(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w (body=%s)", err, truncateBody(raw))
	}
	return nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
