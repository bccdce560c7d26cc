package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sagemakerruntime"
	"github.com/aws/aws-sdk-go/service/sagemakerruntime/sagemakerruntimeiface"
)

// Invoker sends one invocation body to a running host and returns the
// response body and content type.
type Invoker interface {
	Invoke(ctx context.Context, body []byte, contentType string, accept string) ([]byte, string, error)
}

// RemoteError is a non-success answer from an HTTP host.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote error %d: %s", e.StatusCode, e.Message)
}

// HTTPInvoker posts to a host's /invocations route.
type HTTPInvoker struct {
	client *http.Client
	url    string
}

// NewHTTPInvoker targets baseURL. A URL without a path gets /invocations.
func NewHTTPInvoker(baseURL string, timeout time.Duration) *HTTPInvoker {
	url := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(url, "/invocations") {
		url += "/invocations"
	}
	return &HTTPInvoker{
		client: &http.Client{Timeout: timeout},
		url:    url,
	}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, body []byte, contentType string, accept string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", contentType)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("invoking %s: %w", h.url, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", remoteError(resp.StatusCode, payload)
	}
	return payload, resp.Header.Get("Content-Type"), nil
}

// remoteError decodes the host's error envelope when present.
func remoteError(status int, payload []byte) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Error.Code != "" {
		return &RemoteError{StatusCode: status, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	return &RemoteError{StatusCode: status, Message: strings.TrimSpace(string(payload))}
}

// EndpointInvoker calls a hosted endpoint through the runtime API.
type EndpointInvoker struct {
	api      sagemakerruntimeiface.SageMakerRuntimeAPI
	endpoint string
}

func NewEndpointInvoker(api sagemakerruntimeiface.SageMakerRuntimeAPI, endpoint string) *EndpointInvoker {
	return &EndpointInvoker{api: api, endpoint: endpoint}
}

func (e *EndpointInvoker) Invoke(ctx context.Context, body []byte, contentType string, accept string) ([]byte, string, error) {
	input := &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(e.endpoint),
		Body:         body,
		ContentType:  aws.String(contentType),
	}
	if accept != "" {
		input.Accept = aws.String(accept)
	}
	out, err := e.api.InvokeEndpointWithContext(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("invoking endpoint %s: %w", e.endpoint, err)
	}
	return out.Body, aws.StringValue(out.ContentType), nil
}
