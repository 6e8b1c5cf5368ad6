package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/Safehill/safehill-client-go/internal/asset"
	"github.com/Safehill/safehill-client-go/internal/common"
)

// HTTPClient implements API over the service's JSON endpoints with a bearer
// token and bounded retries on transient failures.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client

	retryBase time.Duration
	retryMax  uint64
}

var _ API = (*HTTPClient)(nil)

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPTimeout bounds every request.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.client.Timeout = d }
}

// WithRetryPolicy sets the backoff base and maximum attempt count for
// transient failures.
func WithRetryPolicy(base time.Duration, maxRetries uint64) Option {
	return func(c *HTTPClient) {
		c.retryBase = base
		c.retryMax = maxRetries
	}
}

// NewHTTPClient returns a client for the given service base URL.
func NewHTTPClient(baseURL, token string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:   baseURL,
		token:     token,
		client:    &http.Client{Timeout: 30 * time.Second},
		retryBase: 250 * time.Millisecond,
		retryMax:  3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) ListDescriptors(ctx context.Context, f DescriptorFilter) ([]*asset.Descriptor, error) {
	var out struct {
		Descriptors []*asset.Descriptor `json:"descriptors"`
	}
	if err := c.postJSON(ctx, "/assets/descriptors", f, &out); err != nil {
		return nil, fmt.Errorf("failed to list descriptors: %w", err)
	}
	return out.Descriptors, nil
}

func (c *HTTPClient) CreateAsset(ctx context.Context, in CreateAssetInput) (*CreatedAsset, error) {
	var out CreatedAsset
	if err := c.postJSON(ctx, "/assets/create", in, &out); err != nil {
		return nil, fmt.Errorf("failed to create asset: %w", err)
	}
	return &out, nil
}

// UploadVersion PUTs encrypted bytes to a presigned URL.
func (c *HTTPClient) UploadVersion(ctx context.Context, uploadURL string, data []byte) error {
	return c.withRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := c.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: %v", common.ErrTransient, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}
		return nil
	})
}

func (c *HTTPClient) DownloadVersion(ctx context.Context, globalID string, q asset.Quality) (*EncryptedDownload, error) {
	var out EncryptedDownload
	path := "/assets/" + url.PathEscape(globalID) + "/versions/" + url.PathEscape(string(q))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("failed to download version: %w", err)
	}
	return &out, nil
}

func (c *HTTPClient) ShareAsset(ctx context.Context, in ShareInput) error {
	if err := c.postJSON(ctx, "/assets/share", in, nil); err != nil {
		return fmt.Errorf("failed to share asset: %w", err)
	}
	return nil
}

func (c *HTTPClient) UnshareAsset(ctx context.Context, globalID, recipientID string) error {
	in := map[string]string{"globalId": globalID, "recipientId": recipientID}
	if err := c.postJSON(ctx, "/assets/unshare", in, nil); err != nil {
		return fmt.Errorf("failed to unshare asset: %w", err)
	}
	return nil
}

func (c *HTTPClient) LookupUsers(ctx context.Context, ids []string) ([]*User, error) {
	in := map[string][]string{"userIds": ids}
	var out struct {
		Users []*User `json:"users"`
	}
	if err := c.postJSON(ctx, "/users/lookup", in, &out); err != nil {
		return nil, fmt.Errorf("failed to look up users: %w", err)
	}
	return out.Users, nil
}

func (c *HTTPClient) SetupGroup(ctx context.Context, groupID string, recipientIDs []string) error {
	in := map[string]any{"groupId": groupID, "recipientIds": recipientIDs}
	if err := c.postJSON(ctx, "/groups/setup", in, nil); err != nil {
		return fmt.Errorf("failed to set up group: %w", err)
	}
	return nil
}

func (c *HTTPClient) Invite(ctx context.Context, groupID string, phoneNumbers []string) error {
	in := map[string]any{"groupId": groupID, "phoneNumbers": phoneNumbers}
	if err := c.postJSON(ctx, "/invite", in, nil); err != nil {
		return fmt.Errorf("failed to send invitations: %w", err)
	}
	return nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, path, body, out)
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	return c.withRetry(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: %v", common.ErrTransient, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

func (c *HTTPClient) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(c.retryMax, retry.NewFibonacci(c.retryBase))
	return retry.Do(ctx, backoff, fn)
}

// statusError classifies a non-200 response: server-side and throttling
// statuses are transient and retried, everything else fails immediately.
func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("unexpected status %s: %s", resp.Status, string(b))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %v", common.ErrUnauthorized, err)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return retry.RetryableError(fmt.Errorf("%w: %v", common.ErrTransient, err))
	default:
		return err
	}
}
