package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elementalhq/elemental/internal/common/errors"
)

// Client is a thin HTTP client for the elementald control API. Error
// responses are decoded back into AppError so the CLI can map them to
// exit codes.
type Client struct {
	base string
	http *http.Client
}

func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.InternalError("failed to encode request", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return errors.BadRequest(err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.UpstreamUnavailable("elementald", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.InternalError("failed to read response", err)
	}

	if resp.StatusCode >= 400 {
		var appErr errors.AppError
		if err := json.Unmarshal(data, &appErr); err == nil && appErr.Code != "" {
			return &appErr
		}
		return errors.InternalError(
			fmt.Sprintf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data))), nil)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.InternalError("failed to decode response", err)
		}
	}
	return nil
}

func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// Stream opens an SSE endpoint and returns the response body for line-wise
// consumption. The caller closes it.
func (c *Client) Stream(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, errors.BadRequest(err.Error())
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: the stream stays open until the caller cancels.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, errors.UpstreamUnavailable("elementald", err)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		var appErr errors.AppError
		if err := json.Unmarshal(data, &appErr); err == nil && appErr.Code != "" {
			return nil, &appErr
		}
		return nil, errors.InternalError(fmt.Sprintf("server returned %d", resp.StatusCode), nil)
	}
	return resp.Body, nil
}
