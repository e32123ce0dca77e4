package services

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

	"ifcscheduler/errs"
)

const (
	jsonContentType    = "application/json"
	jsonAPIContentType = "application/vnd.api+json"
)

// APIError describes a non-2xx response from an APS endpoint.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
	Diagnostic string
}

func (e *APIError) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Diagnostic)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotAcceptable && strings.Contains(strings.ToLower(e.Diagnostic), "shallow copy"):
		return errs.ErrShallowCopy
	case e.StatusCode == http.StatusNotFound:
		return errs.ErrNotFound
	case e.StatusCode == http.StatusUnauthorized:
		return errs.ErrAuthFailure
	case e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500:
		return errs.ErrRemoteUnavailable
	}
	return nil
}

// apsClient is the shared request plumbing for the APS REST clients.
type apsClient struct {
	baseURL string
	client  *http.Client
}

func newAPSClient(baseURL string, client *http.Client) apsClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return apsClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type request struct {
	op          string
	method      string
	url         string
	token       string
	body        any
	contentType string
	headers     map[string]string
}

type response struct {
	status  int
	header  http.Header
	cookies []*http.Cookie
}

// do sends req and decodes a JSON response body into out when out is non-nil.
func (c apsClient) do(ctx context.Context, req request, out any) (*response, error) {
	var body io.Reader
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal body: %w", req.op, err)
		}
		body = bytes.NewReader(b)
	}

	url := req.url
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = c.baseURL + url
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", req.op, err)
	}
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}
	if req.body != nil {
		contentType := req.contentType
		if contentType == "" {
			contentType = jsonContentType
		}
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", req.op, errs.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(req.op, resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: decode response: %w", req.op, err)
		}
	}

	return &response{status: resp.StatusCode, header: resp.Header, cookies: resp.Cookies()}, nil
}

func newAPIError(op string, resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}

	var detail struct {
		Diagnostic string `json:"diagnostic"`
		Reason     string `json:"reason"`
		Detail     string `json:"detail"`
	}
	if json.Unmarshal(raw, &detail) == nil {
		switch {
		case detail.Diagnostic != "":
			apiErr.Diagnostic = detail.Diagnostic
		case detail.Reason != "":
			apiErr.Diagnostic = detail.Reason
		case detail.Detail != "":
			apiErr.Diagnostic = detail.Detail
		}
	}
	return apiErr
}

type link struct {
	Href string `json:"href"`
}
