package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"

	"taskhub/domain"
)

const maxErrorBody = 4 << 10

// caller performs authenticated JSON calls against the gateway API.
type caller struct {
	baseURL string
	token   string
	hc      *http.Client
}

func newCaller(baseURL, token string, hc *http.Client) caller {
	if hc == nil {
		hc = http.DefaultClient
	}
	return caller{baseURL: strings.TrimRight(baseURL, "/"), token: token, hc: hc}
}

func (c caller) newRequest(ctx context.Context, method, path string, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		data, err := sonic.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// call sends in as JSON and decodes the response into out when out is not
// nil. Failures are classified into the domain error kinds.
func (c caller) call(ctx context.Context, method, path string, in, out any) error {
	op := method + " " + path
	req, err := c.newRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return domain.Transport(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return responseError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Transport(op, err)
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func responseError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if err := sonic.Unmarshal(raw, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return domain.Validationf(op, "%s", msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.Unauthorized(op, msg)
	case http.StatusNotFound:
		return &domain.Error{Kind: domain.ErrNotFound, Op: op, Msg: msg}
	case http.StatusConflict:
		if msg == domain.UserMessage(domain.ErrInactive) {
			return &domain.Error{Kind: domain.ErrInactive, Op: op, Msg: msg}
		}
		return domain.Conflict(op, errors.New(msg))
	default:
		return domain.Transport(op, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}
}
