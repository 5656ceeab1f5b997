package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"
)

const contentType = "application/json"

// WebhookReporter posts every record as JSON.
type WebhookReporter struct {
	requestURL *url.URL
	token      string
	client     *http.Client
}

func NewWebhookReporter(serverURL, token string) (*WebhookReporter, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" || parsedURL.Host == "" {
		return nil, errors.New("please define the webhook url with a http(s) scheme and a host, e.g. `https://ci.example.com/hooks/tracecheck`")
	}
	return &WebhookReporter{
		requestURL: parsedURL,
		token:      token,
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *WebhookReporter) Report(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := c.decodeResponse(resp); err != nil {
		return fmt.Errorf("webhook %s: %w", c.requestURL.Host, err)
	}
	slog.DebugContext(ctx, "run record posted", slog.String("case", rec.Case), slog.String("id", rec.ID))
	return nil
}

func (c *WebhookReporter) decodeResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/problem+json" {
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
