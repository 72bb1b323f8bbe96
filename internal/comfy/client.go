package comfy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/hurricanerix/loom/internal/graph"
)

// maxErrorBody bounds how much of a failed response is read into an error.
const maxErrorBody = 4096

// Sentinel errors for job server operations
var (
	// ErrConnectivity is the parent of every "server unreachable" error
	ErrConnectivity = errors.New("job server unreachable")
	// ErrNotRunning is returned when nothing listens at the configured address
	ErrNotRunning = fmt.Errorf("%w: not running", ErrConnectivity)
	// ErrConnectionTimeout is returned when the server does not answer in time
	ErrConnectionTimeout = fmt.Errorf("%w: connection timeout", ErrConnectivity)
	// ErrConnectionFailed is returned when connection fails for other reasons
	ErrConnectionFailed = fmt.Errorf("%w: connection failed", ErrConnectivity)
	// ErrRequestFailed is returned when the server answers with an error status
	ErrRequestFailed = errors.New("job server request failed")
	// ErrNoPromptID is returned when a submission is accepted without an id
	ErrNoPromptID = errors.New("job server returned no prompt id")
	// ErrNotFound is returned when a history record does not exist yet
	ErrNotFound = errors.New("job server record not found")
)

// Client provides methods to communicate with the job server.
// The endpoint can be redirected while the client is in use.
type Client struct {
	mu          sync.RWMutex
	endpoint    string
	httpClient  *http.Client
	pingTimeout time.Duration
}

// NewClient creates a client for endpoint with default timeouts.
func NewClient(endpoint string) *Client {
	return NewClientWithConfig(endpoint, DefaultTimeout*time.Second, DefaultPingTimeout*time.Second)
}

// NewClientWithConfig creates a client with custom timeouts.
// Parameters:
//   - endpoint: normalized base URL (e.g., "http://localhost:8188")
//   - timeout: per-request timeout for API calls
//   - pingTimeout: timeout for the liveness check
func NewClientWithConfig(endpoint string, timeout, pingTimeout time.Duration) *Client {
	return &Client{
		endpoint:    strings.TrimSuffix(endpoint, "/"),
		httpClient:  &http.Client{Timeout: timeout},
		pingTimeout: pingTimeout,
	}
}

// Endpoint returns the current base URL.
func (c *Client) Endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

// SetEndpoint redirects subsequent requests to endpoint.
func (c *Client) SetEndpoint(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoint = strings.TrimSuffix(endpoint, "/")
}

// Ping checks that the server is reachable. Any 2xx answer from
// /system_stats counts as alive.
//
// Returns ErrNotRunning if nothing listens at the endpoint.
// Returns ErrConnectionTimeout if the server does not answer in time.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, EndpointSystemStats, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: unexpected status %d at %s", ErrConnectivity, resp.StatusCode, c.Endpoint())
	}
	return nil
}

// Submit posts a job graph and returns the server-assigned prompt id.
// clientID ties the prompt's channel events to this client's connection.
func (c *Client) Submit(ctx context.Context, g graph.Graph, clientID string) (string, error) {
	body, err := json.Marshal(PromptRequest{Prompt: g, ClientID: clientID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, EndpointPrompt, bytes.NewReader(body), "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", requestError(resp)
	}

	var pr PromptResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if pr.PromptID == "" {
		return "", ErrNoPromptID
	}
	return pr.PromptID, nil
}

// History fetches the record of one prompt. A prompt that has not
// finished yet yields an empty History, not an error.
func (c *Client) History(ctx context.Context, promptID string) (History, error) {
	resp, err := c.do(ctx, http.MethodGet, EndpointHistory+url.PathEscape(promptID), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, promptID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, requestError(resp)
	}

	h := History{}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return h, nil
}

// Queue fetches the running and pending prompts.
func (c *Client) Queue(ctx context.Context) (QueueStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, EndpointQueue, nil, "")
	if err != nil {
		return QueueStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return QueueStatus{}, requestError(resp)
	}

	var q QueueStatus
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return QueueStatus{}, fmt.Errorf("failed to decode queue: %w", err)
	}
	return q, nil
}

// Upload sends a file to the server's input folder and returns the name the
// server stored it under.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(uploadField, filename)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish form: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, EndpointUpload, &buf, mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", requestError(resp)
	}

	var ur UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if ur.Name == "" {
		return filename, nil
	}
	return ur.Name, nil
}

// Download copies the body at rawURL into w and returns the byte count.
func (c *Client) Download(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, c.classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, requestError(resp)
	}
	return io.Copy(w, resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	endpoint := c.Endpoint()
	req, err := http.NewRequestWithContext(ctx, method, endpoint+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		classified := c.classifyError(err)
		if errors.Is(classified, ErrNotRunning) {
			return nil, fmt.Errorf("%w at %s", classified, endpoint)
		}
		return nil, classified
	}
	return resp, nil
}

// requestError builds an ErrRequestFailed carrying the server's message.
func requestError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var er errorResponse
	if err := json.Unmarshal(data, &er); err == nil && er.Error.Message != "" {
		if er.Error.Details != "" {
			return fmt.Errorf("%w: status %d: %s: %s", ErrRequestFailed, resp.StatusCode, er.Error.Message, er.Error.Details)
		}
		return fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, er.Error.Message)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return fmt.Errorf("%w: unexpected status %d", ErrRequestFailed, resp.StatusCode)
	}
	return fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, text)
}

// classifyError maps transport errors onto the package's sentinels.
func (c *Client) classifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrConnectionTimeout
	}

	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrConnectionTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrNotRunning
	}

	return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}
