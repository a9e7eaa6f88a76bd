package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/logging"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
	"github.com/ekaya-inc/ekaya-quality/pkg/retry"
)

// DefaultTimeout is the maximum time to wait for a catalog response.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is kept for diagnostics.
const maxErrorBody = 512

// RESTConfig configures the HTTP catalog client.
type RESTConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Retry applies to schema reads only. Nil uses retry.DefaultConfig.
	Retry *retry.Config
}

// RESTClient talks JSON over HTTP to the catalog service.
type RESTClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      *retry.Config
	logger     *zap.Logger
	closeOnce  sync.Once
}

// NewRESTClient creates a catalog client.
func NewRESTClient(cfg RESTConfig, logger *zap.Logger) (*RESTClient, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid catalog base URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rc := cfg.Retry
	if rc == nil {
		rc = retry.DefaultConfig()
	}

	c := &RESTClient{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		retry:      rc,
		logger:     logger.Named("catalog"),
	}
	c.logger.Info("Catalog client configured",
		zap.String("base_url", cfg.BaseURL),
		zap.String("token", logging.RedactToken(cfg.Token)))
	return c, nil
}

var _ Catalog = (*RESTClient)(nil)

type columnPayload struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

func (c *RESTClient) FetchSchema(ctx context.Context, table models.TableRef) ([]models.Column, error) {
	const op = "fetch_schema"
	endpoint, err := buildURL(c.baseURL, "api", "v1", "tables", table.FQN(), "columns")
	if err != nil {
		return nil, &apperrors.CatalogError{Kind: apperrors.CatalogTransport, Op: op, Err: err}
	}

	var response struct {
		Columns []columnPayload `json:"columns"`
	}
	err = retry.DoIfRetryable(ctx, c.retry, func() error {
		return c.do(ctx, op, http.MethodGet, endpoint, nil, &response)
	})
	if err != nil {
		return nil, err
	}

	columns := make([]models.Column, 0, len(response.Columns))
	for i, col := range response.Columns {
		columns = append(columns, models.NewColumn(col.Name, col.Type, col.Nullable, i+1))
	}
	c.logger.Debug("Fetched table schema",
		zap.String("table", table.FQN()),
		zap.Int("columns", len(columns)))
	return columns, nil
}

func (c *RESTClient) PersistProfile(ctx context.Context, resp *models.ProfilingResponse) error {
	endpoint, err := buildURL(c.baseURL, "api", "v1", "tables", resp.Table.FQN(), "profile")
	if err != nil {
		return &apperrors.CatalogError{Kind: apperrors.CatalogTransport, Op: "persist_profile", Err: err}
	}
	return c.do(ctx, "persist_profile", http.MethodPut, endpoint, resp, nil)
}

func (c *RESTClient) PersistSample(ctx context.Context, runID uuid.UUID, table models.TableRef, sample *models.ResultSet) error {
	endpoint, err := buildURL(c.baseURL, "api", "v1", "tables", table.FQN(), "sample")
	if err != nil {
		return &apperrors.CatalogError{Kind: apperrors.CatalogTransport, Op: "persist_sample", Err: err}
	}
	body := struct {
		RunID uuid.UUID `json:"run_id"`
		*models.ResultSet
	}{RunID: runID, ResultSet: sample}
	return c.do(ctx, "persist_sample", http.MethodPut, endpoint, body, nil)
}

func (c *RESTClient) PersistRunStatus(ctx context.Context, summary *models.RunSummary) error {
	endpoint, err := buildURL(c.baseURL, "api", "v1", "runs", summary.RunID.String())
	if err != nil {
		return &apperrors.CatalogError{Kind: apperrors.CatalogTransport, Op: "persist_run_status", Err: err}
	}
	return c.do(ctx, "persist_run_status", http.MethodPut, endpoint, summary, nil)
}

// Close releases idle connections.
func (c *RESTClient) Close() error {
	c.closeOnce.Do(c.httpClient.CloseIdleConnections)
	return nil
}

// do sends one request. in is JSON-encoded when non-nil; out is decoded
// from a 2xx response when non-nil.
func (c *RESTClient) do(ctx context.Context, op, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &apperrors.CatalogError{Kind: apperrors.CatalogTransport, Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return &apperrors.CatalogError{Kind: apperrors.CatalogTransport, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &apperrors.CatalogError{Kind: apperrors.CatalogTransport, Op: op, Err: errors.New(logging.SanitizeError(err))}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		ce := &apperrors.CatalogError{
			Kind:       kindForStatus(resp.StatusCode),
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        errors.New(string(bytes.TrimSpace(msg))),
		}
		c.logger.Debug("Catalog returned error",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("kind", string(ce.Kind)))
		return ce
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &apperrors.CatalogError{Kind: apperrors.CatalogTransport, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func kindForStatus(status int) apperrors.CatalogErrorKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.CatalogAuth
	case http.StatusNotFound:
		return apperrors.CatalogNotFound
	case http.StatusTooManyRequests:
		return apperrors.CatalogRateLimited
	default:
		return apperrors.CatalogTransport
	}
}

// buildURL constructs a URL by parsing the base and joining path segments.
func buildURL(baseURL string, pathSegments ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	segments := append([]string{u.Path}, pathSegments...)
	u.Path = path.Join(segments...)

	return u.String(), nil
}
