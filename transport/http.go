package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dmsync/models"
	"dmsync/syncengine"
)

const (
	defaultHTTPTimeout     = 10 * time.Second
	defaultRetryMaxElapsed = 15 * time.Second
	defaultPageSize        = 200
	maxResponseBytes       = 4 * 1024 * 1024
)

// ErrUnauthorized means the relay refused the bearer token.
var ErrUnauthorized = errors.New("transport: relay rejected credentials")

// StatusError is a non-2xx relay response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("relay returned %d [%s]: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

// HTTPOptions configures a RelayClient.
type HTTPOptions struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	RetryMaxElapsed time.Duration
	PageSize        int
	HTTPClient      *http.Client
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	if o.Timeout <= 0 {
		o.Timeout = defaultHTTPTimeout
	}
	if o.RetryMaxElapsed <= 0 {
		o.RetryMaxElapsed = defaultRetryMaxElapsed
	}
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{
			Timeout: o.Timeout,
			Transport: &http.Transport{
				DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				MaxIdleConns:    16,
				IdleConnTimeout: 90 * time.Second,
			},
		}
	}
	return o
}

// RelayClient is the request/response channel to the relay. It serves as
// the session's poller, fallback sender and read marker.
type RelayClient struct {
	options HTTPOptions
	base    *url.URL
}

// NewRelayClient validates options and returns a client.
func NewRelayClient(options HTTPOptions) (*RelayClient, error) {
	options = options.withDefaults()
	if strings.TrimSpace(options.BaseURL) == "" {
		return nil, errors.New("relay base url is required")
	}
	base, err := url.Parse(strings.TrimRight(options.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse relay base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported relay url scheme %q", base.Scheme)
	}
	return &RelayClient{options: options, base: base}, nil
}

// MessagesPage is the relay's poll response.
type MessagesPage struct {
	Messages []models.Message `json:"messages"`
	Cursor   int64            `json:"cursor"`
	More     bool             `json:"more"`
}

// SendRequest is the relay's send request body.
type SendRequest struct {
	ClientID   string `json:"client_id" validate:"max=128"`
	ReceiverID string `json:"receiver_id" validate:"max=128"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"created_at" validate:"gte=0"`
}

// SendResponse wraps the confirmed record.
type SendResponse struct {
	Message models.Message `json:"message"`
}

// ReadRequest marks messages read up to a created-at bound.
type ReadRequest struct {
	UpTo int64 `json:"up_to" validate:"gt=0"`
}

// ReadResponse reports how many rows changed.
type ReadResponse struct {
	Updated int64 `json:"updated"`
}

// ErrorResponse is the relay's error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// PollSince fetches one page of messages after cursor.
func (c *RelayClient) PollSince(ctx context.Context, cursor int64) (syncengine.PollResult, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(cursor, 10))
	query.Set("limit", strconv.Itoa(c.options.PageSize))

	var page MessagesPage
	if err := c.do(ctx, http.MethodGet, "/v1/messages", query, nil, &page); err != nil {
		return syncengine.PollResult{}, err
	}
	if page.Cursor < cursor {
		page.Cursor = cursor
	}
	return syncengine.PollResult{Messages: page.Messages, Cursor: page.Cursor, More: page.More}, nil
}

// Send persists a message. Client errors wrap syncengine.ErrSendRejected.
func (c *RelayClient) Send(ctx context.Context, message models.Message) (models.Message, error) {
	var response SendResponse
	err := c.do(ctx, http.MethodPost, "/v1/messages", nil, SendRequest{
		ClientID:   message.ClientID,
		ReceiverID: message.ReceiverID,
		Content:    message.Content,
		CreatedAt:  message.CreatedAt,
	}, &response)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && isRejection(statusErr.StatusCode) {
			return models.Message{}, fmt.Errorf("%w: %s", syncengine.ErrSendRejected, statusErr.Message)
		}
		return models.Message{}, err
	}
	return response.Message, nil
}

// MarkRead marks partnerID's messages read up to upTo.
func (c *RelayClient) MarkRead(ctx context.Context, partnerID string, upTo int64) (int64, error) {
	if partnerID == "" {
		return 0, errors.New("partner id is required")
	}
	var response ReadResponse
	path := "/v1/conversations/" + url.PathEscape(partnerID) + "/read"
	if err := c.do(ctx, http.MethodPost, path, nil, ReadRequest{UpTo: upTo}, &response); err != nil {
		return 0, err
	}
	return response.Updated, nil
}

// Health checks the relay health endpoint.
func (c *RelayClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", nil, nil, nil)
}

func isRejection(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		return true
	default:
		return false
	}
}

// do runs one request with exponential backoff. Network failures and 5xx
// responses are retried; other statuses are final.
func (c *RelayClient) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = encoded
	}

	endpoint := *c.base
	endpoint.Path = c.base.Path + path
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}

	operation := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if c.options.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.options.Token)
		}

		resp, err := c.options.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			statusErr := &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
			var errBody ErrorResponse
			if json.Unmarshal(data, &errBody) == nil && errBody.Error != "" {
				statusErr.Code = errBody.Code
				statusErr.Message = errBody.Error
			}
			if resp.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrUnauthorized, statusErr))
			}
			if resp.StatusCode >= 500 {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}

		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = c.options.RetryMaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}
