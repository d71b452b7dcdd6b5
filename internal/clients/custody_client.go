// internal/clients/custody_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"pharmachain/internal/custody"
	"pharmachain/internal/identity"
)

// ErrUnavailable is returned when the custody service cannot be reached or the
// circuit breaker is open.
var ErrUnavailable = errors.New("custody service unavailable")

// Credentials attaches the caller identity to an outgoing mutating request.
type Credentials func(req *http.Request, caller custody.Identity) error

// HeaderCredentials sends the caller as a plain identity header, for services
// running identity.HeaderResolver behind a trusted gateway.
func HeaderCredentials(header string) Credentials {
	if header == "" {
		header = identity.DefaultHeader
	}
	return func(req *http.Request, caller custody.Identity) error {
		if caller != custody.NoIdentity {
			req.Header.Set(header, string(caller))
		}
		return nil
	}
}

// TokenCredentials signs a short-lived bearer token per caller.
func TokenCredentials(secret []byte, ttl time.Duration) Credentials {
	return func(req *http.Request, caller custody.Identity) error {
		if caller == custody.NoIdentity {
			return nil
		}
		token, err := identity.IssueToken(secret, string(caller), ttl)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}

// KeyCredentials sends the raw API key registered for each caller.
func KeyCredentials(keys map[custody.Identity]string) Credentials {
	return func(req *http.Request, caller custody.Identity) error {
		if key, ok := keys[caller]; ok {
			req.Header.Set(identity.APIKeyHeader, key)
		}
		return nil
	}
}

// CustodyClient implements custody.Service over the custody HTTP API.
type CustodyClient struct {
	baseURL     string
	httpClient  *http.Client
	credentials Credentials
	breaker     *gobreaker.CircuitBreaker
	maxTries    uint
	logger      *slog.Logger
}

type Option func(*CustodyClient)

func WithHTTPClient(c *http.Client) Option {
	return func(cc *CustodyClient) { cc.httpClient = c }
}

func WithCredentials(c Credentials) Option {
	return func(cc *CustodyClient) { cc.credentials = c }
}

// WithMaxTries bounds attempts for read-only requests. Mutations are sent once.
func WithMaxTries(n uint) Option {
	return func(cc *CustodyClient) { cc.maxTries = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(cc *CustodyClient) { cc.logger = l }
}

func NewCustodyClient(baseURL string, opts ...Option) *CustodyClient {
	c := &CustodyClient{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		credentials: HeaderCredentials(""),
		maxTries:    3,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "custody",
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only transport failures and 5xx responses count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

var _ custody.Service = (*CustodyClient)(nil)

func (c *CustodyClient) RegisterBatch(ctx context.Context, batchID, mfgDate, expDate string, caller custody.Identity) (*custody.Batch, error) {
	body := map[string]string{"batch_id": batchID, "mfg_date": mfgDate, "exp_date": expDate}
	var b custody.Batch
	if err := c.mutate(ctx, "/batches", body, caller, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *CustodyClient) TransferBatch(ctx context.Context, batchID string, to custody.Identity, location string, caller custody.Identity) (*custody.Batch, error) {
	body := map[string]string{"to": string(to), "location": location}
	var b custody.Batch
	if err := c.mutate(ctx, "/batches/"+url.PathEscape(batchID)+"/transfer", body, caller, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *CustodyClient) ConfirmDelivery(ctx context.Context, batchID string, caller custody.Identity) (*custody.Batch, error) {
	var b custody.Batch
	if err := c.mutate(ctx, "/batches/"+url.PathEscape(batchID)+"/deliver", nil, caller, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *CustodyClient) GetBatch(ctx context.Context, batchID string) (*custody.Batch, error) {
	var b custody.Batch
	if err := c.get(ctx, "/batches/"+url.PathEscape(batchID), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *CustodyClient) GetBatchHistory(ctx context.Context, batchID string) ([]custody.HistoryEntry, error) {
	var history []custody.HistoryEntry
	if err := c.get(ctx, "/batches/"+url.PathEscape(batchID)+"/history", &history); err != nil {
		return nil, err
	}
	return history, nil
}

func (c *CustodyClient) GetTotalBatches(ctx context.Context) (int, error) {
	var resp struct {
		Total int `json:"total"`
	}
	if err := c.get(ctx, "/batches/count", &resp); err != nil {
		return 0, err
	}
	return resp.Total, nil
}

func (c *CustodyClient) GetBatchIDByIndex(ctx context.Context, position int) (string, error) {
	var resp struct {
		BatchID string `json:"batch_id"`
	}
	if err := c.get(ctx, "/batches/index/"+strconv.Itoa(position), &resp); err != nil {
		return "", err
	}
	return resp.BatchID, nil
}

func (c *CustodyClient) BatchExists(ctx context.Context, batchID string) (bool, error) {
	var resp struct {
		Exists bool `json:"exists"`
	}
	if err := c.get(ctx, "/batches/"+url.PathEscape(batchID)+"/exists", &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// ListRecords fetches every batch with its history in index order.
func (c *CustodyClient) ListRecords(ctx context.Context) ([]custody.Record, error) {
	var records []custody.Record
	if err := c.get(ctx, "/batches", &records); err != nil {
		return nil, err
	}
	return records, nil
}

// mutate sends a POST exactly once; a retried transfer could be applied twice.
func (c *CustodyClient) mutate(ctx context.Context, path string, body interface{}, caller custody.Identity, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if err := c.credentials(req, caller); err != nil {
			return nil, err
		}
		return nil, c.do(req, out)
	})
	return breakerError(err)
}

// get retries transport failures and 5xx responses with exponential backoff.
func (c *CustodyClient) get(ctx context.Context, path string, out interface{}) error {
	op := func() (struct{}, error) {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
			if err != nil {
				return nil, err
			}
			return nil, c.do(req, out)
		})
		err = breakerError(err)
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = time.Second
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("retrying custody request", "path", path, "error", err, "next", next)
		}),
	)
	return err
}

func (c *CustodyClient) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return statusError(resp)
}

// statusError maps an error response back to the ledger sentinel it was produced from.
func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body custody.ErrorBody
	_ = json.Unmarshal(data, &body)

	if sentinel := custody.KindError(body.Kind); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, trimKind(body.Error, sentinel))
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", custody.ErrUnauthorized, body.Error)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: unexpected status code: %d", ErrUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

// trimKind drops the "kind: " prefix the server already rendered into msg.
func trimKind(msg string, sentinel error) string {
	prefix := sentinel.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}

func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
