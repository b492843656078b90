package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/partsmarket/syncengine/internal/model"
)

const defaultPageSize = 100

// apiClient pulls records from a paginated HTTP API. Requests pass through
// a per-integration token bucket and a circuit breaker; transient failures
// are retried with exponential backoff.
type apiClient struct {
	integrationID string
	cfg           model.APIConfig
	http          *http.Client
	limiter       *rate.Limiter
	breaker       *gobreaker.CircuitBreaker
	maxRetries    uint64

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func newAPIClient(integrationID string, cfg model.APIConfig, timeout time.Duration) *apiClient {
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	return &apiClient{
		integrationID: integrationID,
		cfg:           cfg,
		http:          &http.Client{Timeout: timeout},
		limiter:       rate.NewLimiter(limit, 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "feed-" + integrationID,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		maxRetries: 3,
	}
}

// Test issues the configured test request (or the first endpoint's first
// page) and reports how many records it projects.
func (c *apiClient) Test(ctx context.Context) (TestResult, error) {
	endpoint := c.cfg.TestEndpoint
	if endpoint == "" && len(c.cfg.Endpoints) > 0 {
		endpoint = c.cfg.Endpoints[0]
	}

	doc, _, err := c.getJSON(ctx, c.endpointURL(endpoint, nil))
	if err != nil {
		return TestResult{OK: false, Message: err.Error()}, err
	}
	records := projectRecords(doc, c.cfg.DataPath)
	return TestResult{
		OK:          true,
		Message:     fmt.Sprintf("connected to %s", c.cfg.BaseURL),
		SampleCount: len(records),
	}, nil
}

// List reports one artifact per endpoint, sized by the first page's record
// count as an estimate.
func (c *apiClient) List(ctx context.Context) ([]Artifact, error) {
	var artifacts []Artifact
	for _, endpoint := range c.cfg.Endpoints {
		doc, _, err := c.getJSON(ctx, c.endpointURL(endpoint, nil))
		if err != nil {
			return nil, err
		}
		records := projectRecords(doc, c.cfg.DataPath)
		artifacts = append(artifacts, Artifact{Name: endpoint, Size: int64(len(records))})
	}
	return artifacts, nil
}

// Download is not meaningful for API feeds; records flow through FetchAll.
func (c *apiClient) Download(ctx context.Context, name string, dst io.Writer) (int64, error) {
	return 0, newError(ErrProtocol, false, errors.New("api feeds do not serve files"))
}

// FetchAll walks every endpoint through its pagination and emits raw record
// batches.
func (c *apiClient) FetchAll(ctx context.Context, onBatch func(records []map[string]interface{}) error) (int, error) {
	total := 0
	for _, endpoint := range c.cfg.Endpoints {
		n, err := c.fetchEndpoint(ctx, endpoint, onBatch)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *apiClient) fetchEndpoint(ctx context.Context, endpoint string, onBatch func([]map[string]interface{}) error) (int, error) {
	p := c.cfg.Pagination
	pageSize := p.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	total := 0
	page := 1
	offset := 0
	cursor := ""
	nextURL := ""

	for {
		var reqURL string
		switch p.Kind {
		case model.PageLinkHeader:
			if nextURL != "" {
				reqURL = nextURL
			} else {
				reqURL = c.endpointURL(endpoint, nil)
			}
		case model.PageNumber:
			reqURL = c.endpointURL(endpoint, map[string]string{
				orDefault(p.PageParam, "page"):   strconv.Itoa(page),
				orDefault(p.LimitParam, "limit"): strconv.Itoa(pageSize),
			})
		case model.PageOffset:
			reqURL = c.endpointURL(endpoint, map[string]string{
				orDefault(p.OffsetParam, "offset"): strconv.Itoa(offset),
				orDefault(p.LimitParam, "limit"):   strconv.Itoa(pageSize),
			})
		case model.PageCursor:
			params := map[string]string{}
			if cursor != "" {
				params[orDefault(p.CursorParam, "cursor")] = cursor
			}
			reqURL = c.endpointURL(endpoint, params)
		default: // PageNone
			reqURL = c.endpointURL(endpoint, nil)
		}

		doc, header, err := c.getJSON(ctx, reqURL)
		if err != nil {
			return total, err
		}
		records := projectRecords(doc, c.cfg.DataPath)
		if len(records) > 0 {
			if err := onBatch(records); err != nil {
				return total, err
			}
			total += len(records)
		}

		switch p.Kind {
		case model.PageNumber:
			if len(records) < pageSize {
				return total, nil
			}
			page++
		case model.PageOffset:
			if len(records) < pageSize {
				return total, nil
			}
			offset += len(records)
		case model.PageCursor:
			next, _ := lookupPath(doc, p.CursorPath).(string)
			if next == "" || next == cursor {
				return total, nil
			}
			cursor = next
		case model.PageLinkHeader:
			nextURL = parseLinkNext(header.Get("Link"))
			if nextURL == "" {
				return total, nil
			}
		default:
			return total, nil
		}
	}
}

// getJSON issues one GET through the limiter, breaker and retry stack.
func (c *apiClient) getJSON(ctx context.Context, reqURL string) (interface{}, http.Header, error) {
	var doc interface{}
	var header http.Header

	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(newError(ErrTimeout, false, err))
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doRequest(ctx, reqURL)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) {
				return newError(ErrUnreachable, true, err)
			}
			var fe *Error
			if errors.As(err, &fe) && !fe.Retryable {
				return backoff.Permanent(err)
			}
			return err
		}

		resp := result.(*jsonResponse)
		doc, header = resp.doc, resp.header
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, nil, err
	}
	return doc, header, nil
}

type jsonResponse struct {
	doc    interface{}
	header http.Header
}

func (c *apiClient) doRequest(ctx context.Context, reqURL string) (*jsonResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, newError(ErrConfig, false, err)
	}
	req.Header.Set("Accept", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, newError(ErrTimeout, true, err)
		}
		return nil, newError(ErrUnreachable, true, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, newError(ErrAuth, false, fmt.Errorf("status %d from %s", resp.StatusCode, reqURL))
	case resp.StatusCode == http.StatusNotFound:
		return nil, newError(ErrNotFound, false, fmt.Errorf("status 404 from %s", reqURL))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, newError(ErrUnreachable, true, fmt.Errorf("status %d from %s", resp.StatusCode, reqURL))
	case resp.StatusCode >= 400:
		return nil, newError(ErrProtocol, false, fmt.Errorf("status %d from %s", resp.StatusCode, reqURL))
	}

	var doc interface{}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, newError(ErrProtocol, false, fmt.Errorf("invalid json from %s: %w", reqURL, err))
	}
	return &jsonResponse{doc: doc, header: resp.Header}, nil
}

func (c *apiClient) authorize(ctx context.Context, req *http.Request) error {
	switch c.cfg.AuthType {
	case model.AuthAPIKey:
		header := c.cfg.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, c.cfg.APIKey)
	case model.AuthBasic:
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	case model.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	case model.AuthOAuth2:
		token, err := c.oauthToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// oauthToken fetches and caches a client-credentials token.
func (c *apiClient) oauthToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", newError(ErrConfig, false, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", newError(ErrUnreachable, true, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", newError(ErrAuth, false, fmt.Errorf("token endpoint returned %d", resp.StatusCode))
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", newError(ErrProtocol, false, fmt.Errorf("invalid token response: %w", err))
	}
	if body.AccessToken == "" {
		return "", newError(ErrAuth, false, errors.New("token endpoint returned no access_token"))
	}

	c.token = body.AccessToken
	ttl := time.Duration(body.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.tokenExp = time.Now().Add(ttl - 30*time.Second)
	log.Debug().Str("integration_id", c.integrationID).Msg("OAuth token refreshed")
	return c.token, nil
}

func (c *apiClient) endpointURL(endpoint string, params map[string]string) string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	full := base + "/" + strings.TrimLeft(endpoint, "/")
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		full = endpoint
	}
	if len(params) == 0 {
		return full
	}
	u, err := url.Parse(full)
	if err != nil {
		return full
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// projectRecords walks doc down dataPath and coerces the result to a slice
// of objects.
func projectRecords(doc interface{}, dataPath string) []map[string]interface{} {
	node := doc
	if dataPath != "" {
		node = lookupPath(doc, dataPath)
	}
	list, ok := node.([]interface{})
	if !ok {
		return nil
	}
	records := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			records = append(records, m)
		}
	}
	return records
}

// lookupPath resolves a dot path ("data.items") in decoded JSON.
func lookupPath(doc interface{}, path string) interface{} {
	if path == "" {
		return doc
	}
	node := doc
	for _, key := range strings.Split(path, ".") {
		m, ok := node.(map[string]interface{})
		if !ok {
			return nil
		}
		node = m[key]
	}
	return node
}

// parseLinkNext extracts the rel="next" target from an RFC 5988 Link
// header.
func parseLinkNext(header string) string {
	for _, part := range strings.Split(header, ",") {
		section := strings.Split(part, ";")
		if len(section) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(section[0]), "<>")
		for _, param := range section[1:] {
			if strings.EqualFold(strings.TrimSpace(param), `rel="next"`) {
				return target
			}
		}
	}
	return ""
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
