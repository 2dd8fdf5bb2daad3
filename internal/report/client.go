// Package report calls the content service that renders and delivers a
// report document. A scheduled job is a thin wrapper over one RenderAndSend
// call; the scheduler treats any error from it as a job failure.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "reportsched/pkg/logx"
)

// Config configures the content service client.
type Config struct {
	BaseURL string

	// DefaultTimeout applies when a request context carries no deadline.
	DefaultTimeout time.Duration
}

type Client struct {
	base string
	http *http.Client
	log  logx.Logger
}

func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("content service base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("content service base URL: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

// RenderAndSend asks the content service to render the given content for
// renderDate and deliver it. Any non-2xx response is an error; the response
// body (truncated) is included for operators.
func (c *Client) RenderAndSend(ctx context.Context, contentID string, renderDate time.Time) error {
	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		return errors.New("content id is required")
	}

	u := fmt.Sprintf("%s/content/%s/render_and_send?render_date=%s",
		c.base, url.PathEscape(contentID), url.QueryEscape(renderDate.Format(time.RFC3339)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("render_and_send %s: %w", contentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("render_and_send %s: http=%d: %s", contentID, resp.StatusCode, msg)
		}
		return fmt.Errorf("render_and_send %s: http=%d", contentID, resp.StatusCode)
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	c.log.Debug("report delivered",
		logx.String("content", contentID),
		logx.Duration("took", time.Since(start)))
	return nil
}
