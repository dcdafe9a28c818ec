package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/marketbench-backend/internal/domain/reports"
	"github.com/yungbote/marketbench-backend/internal/platform/ctxutil"
	"github.com/yungbote/marketbench-backend/internal/platform/httpx"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
)

type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
}

// Client calls the report API as the buyer's browser would.
type Client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

func New(log *logger.Logger, cfg Config) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("missing API base URL")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("missing API token")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		log:        log.With("client", "ReportAPI"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type VerifyResult struct {
	Paid         bool           `json:"paid"`
	ReportID     uuid.UUID      `json:"reportId"`
	ReportStatus reports.Status `json:"reportStatus"`
	Plan         reports.Plan   `json:"plan"`
}

type GenerateResult struct {
	Success bool           `json:"success"`
	Status  reports.Status `json:"status"`
}

// Error is a non-2xx answer carrying the API's error envelope.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api %d: %s", e.StatusCode, e.Message)
}

func (e *Error) HTTPStatusCode() int { return e.StatusCode }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}

func (c *Client) VerifyPayment(ctx context.Context, sessionID string) (*VerifyResult, error) {
	var out VerifyResult
	if err := c.do(ctx, http.MethodPost, "/api/verify-payment", map[string]string{"sessionId": sessionID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GenerateReport(ctx context.Context, reportID uuid.UUID) (*GenerateResult, error) {
	var out GenerateResult
	if err := c.do(ctx, http.MethodPost, "/api/generate-report", map[string]string{"reportId": reportID.String()}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, reportID uuid.UUID) (*reports.PollView, error) {
	var out reports.PollView
	if err := c.do(ctx, http.MethodGet, "/api/reports/"+reportID.String()+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Retry(ctx context.Context, reportID uuid.UUID) (*GenerateResult, error) {
	var out GenerateResult
	if err := c.do(ctx, http.MethodPost, "/api/reports/"+reportID.String()+"/retry", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Abandon is a single attempt with the token in the query string, the same
// request shape a page-unload beacon sends.
func (c *Client) Abandon(ctx context.Context, reportID uuid.UUID) error {
	u := c.cfg.BaseURL + "/api/reports/" + reportID.String() + "/abandon?token=" + url.QueryEscape(c.cfg.Token)
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 300 {
		return &Error{StatusCode: resp.StatusCode, Message: "abandon rejected"}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx = ctxutil.Default(ctx)
	backoff := 500 * time.Millisecond
	for attempt := 0; ; attempt++ {
		resp, err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if !httpx.IsRetryableError(err) || attempt >= c.cfg.MaxRetries {
			return err
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		c.log.Debug("API request retrying", "path", path, "attempt", attempt+1, "sleep", sleepFor.String(), "error", err.Error())
		if serr := httpx.SleepContext(ctx, sleepFor); serr != nil {
			return serr
		}
		backoff *= 2
	}
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
		rdr = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ae := &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var env errorEnvelope
		if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
			ae.Code = env.Error.Code
			ae.Message = env.Error.Message
		}
		return resp, ae
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp, nil
}
