package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/membership"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/errors"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/retry"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/utils"
)

// PaginationMediaType asks the hub for paginated list responses.
const PaginationMediaType = "application/jupyterhub-pagination+json"

const (
	component = "hub"

	// excerptLimit bounds the payload excerpt attached to decode errors.
	excerptLimit = 256
	// maxPages stops a hub that keeps handing out next links.
	maxPages = 10000
	// maxBodyBytes bounds a single page body.
	maxBodyBytes = 64 << 20
)

// Config holds hub client settings.
type Config struct {
	// URL is the hub base URL, e.g. http://hub:8081.
	URL string
	// Token is sent as "Authorization: token <Token>".
	Token string
	// Timeout bounds a single page request.
	Timeout time.Duration
	// Retry controls retries of a single page request.
	Retry retry.Config
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// Client fetches membership listings from the JupyterHub REST API.
type Client struct {
	baseURL *url.URL
	token   string
	timeout time.Duration
	http    *http.Client
	retryer *retry.Retryer
	logger  *utils.StructuredLogger
}

// NewClient validates cfg and returns a client. A nil logger discards output.
func NewClient(cfg Config, logger *utils.StructuredLogger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "hub URL cannot be empty").
			WithComponent(component)
	}
	base, err := url.Parse(cfg.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("invalid hub URL %q", cfg.URL)).
			WithComponent(component).WithCause(err)
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	logger = logger.WithComponent(component)

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	retryCfg := cfg.Retry
	if retryCfg.MaxAttempts <= 0 {
		retryCfg = retry.DefaultConfig()
	}
	retryer := retry.New(retryCfg)
	if retryCfg.OnRetry == nil {
		retryer = retryer.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			logger.Warn("Retrying hub request", map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   err,
			})
		})
	}

	return &Client{
		baseURL: base,
		token:   cfg.Token,
		timeout: cfg.Timeout,
		http:    httpClient,
		retryer: retryer,
		logger:  logger,
	}, nil
}

// page is one decoded response body.
type page struct {
	items []json.RawMessage
	next  string
}

// paginated is the envelope returned when the pagination media type is honoured.
type paginated struct {
	Items      []json.RawMessage `json:"items"`
	Pagination *struct {
		Next *struct {
			URL    string `json:"url"`
			Offset int    `json:"offset"`
			Limit  int    `json:"limit"`
		} `json:"next"`
	} `json:"_pagination"`
}

type groupItem struct {
	Name  string   `json:"name"`
	Users []string `json:"users"`
}

type userItem struct {
	Name   string   `json:"name"`
	Groups []string `json:"groups"`
}

// FetchAll retrieves every page of src and returns the items in response
// order. Each page is retried independently; a page that still fails aborts
// the whole fetch. No state is shared between calls.
func (c *Client) FetchAll(ctx context.Context, src Source) ([]membership.Record, error) {
	start := time.Now()
	next := c.baseURL.ResolveReference(&url.URL{Path: strings.TrimSuffix(c.baseURL.Path, "/") + src.Path()}).String()

	var records []membership.Record
	seen := make(map[string]struct{})
	pages := 0
	for next != "" {
		if _, dup := seen[next]; dup || pages >= maxPages {
			return nil, errors.NewError(errors.ErrCodeMalformedResponse, "pagination does not terminate").
				WithComponent(component).WithOperation("fetch_all").
				WithDetail("url", next).WithDetail("pages", pages)
		}
		seen[next] = struct{}{}

		var p page
		err := c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			var err error
			p, err = c.fetchPage(ctx, next)
			return err
		})
		if err != nil {
			return nil, err
		}
		pages++

		for _, raw := range p.items {
			rec, err := decodeItem(src, raw)
			if err != nil {
				return nil, err.WithDetail("url", next)
			}
			records = append(records, rec)
		}

		next, err = c.resolveNext(p.next)
		if err != nil {
			return nil, err
		}
	}

	c.logger.Debug("Fetched hub listing", map[string]interface{}{
		"source":   src.String(),
		"pages":    pages,
		"records":  len(records),
		"duration": time.Since(start).String(),
	})
	return records, nil
}

func (c *Client) resolveNext(next string) (string, error) {
	if next == "" {
		return "", nil
	}
	u, err := url.Parse(next)
	if err != nil {
		return "", errors.NewError(errors.ErrCodeMalformedResponse, "invalid pagination link").
			WithComponent(component).WithOperation("fetch_all").
			WithDetail("next", next).WithCause(err)
	}
	return c.baseURL.ResolveReference(u).String(), nil
}

func (c *Client) fetchPage(ctx context.Context, pageURL string) (page, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return page{}, errors.NewError(errors.ErrCodeInternalError, "failed to build hub request").
			WithComponent(component).WithOperation("fetch_page").WithCause(err)
	}
	req.Header.Set("Accept", PaginationMediaType)
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return page{}, errors.NewError(errors.ErrCodeOperationCanceled, "hub request canceled").
				WithComponent(component).WithOperation("fetch_page").WithCause(err)
		}
		return page{}, errors.NewError(errors.ErrCodeUpstreamUnavailable, "hub request failed").
			WithComponent(component).WithOperation("fetch_page").
			WithDetail("url", pageURL).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return page{}, errors.NewError(errors.ErrCodeUpstreamUnavailable, "failed to read hub response").
			WithComponent(component).WithOperation("fetch_page").
			WithDetail("url", pageURL).WithCause(err)
	}

	if err := statusError(resp, pageURL, body); err != nil {
		return page{}, err
	}

	return decodePage(body, pageURL)
}

// statusError classifies a non-2xx response. 5xx and 429 are transient; a
// Retry-After header on them is kept as the minimum wait before the next try.
func statusError(resp *http.Response, pageURL string, body []byte) *errors.ExporterError {
	status := resp.StatusCode
	if status >= 200 && status < 300 {
		return nil
	}
	code := errors.ErrCodeUpstreamRejected
	if status >= 500 || status == http.StatusTooManyRequests {
		code = errors.ErrCodeUpstreamUnavailable
	}
	err := errors.NewError(code, fmt.Sprintf("hub returned HTTP %d", status)).
		WithComponent(component).WithOperation("fetch_page").
		WithDetail("url", pageURL).
		WithDetail("status", status).
		WithDetail("excerpt", excerpt(body))
	if code == errors.ErrCodeUpstreamUnavailable {
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			err.WithDetail(errors.DetailRetryAfter, wait)
		}
	}
	return err
}

// parseRetryAfter reads a Retry-After value given either as delay seconds or
// as an HTTP date. Dates in the past yield zero.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	return max(at.Sub(now), 0), true
}

func decodePage(body []byte, pageURL string) (page, error) {
	trimmed := bytes.TrimSpace(body)
	malformed := func(msg string, cause error) error {
		return errors.NewError(errors.ErrCodeMalformedResponse, msg).
			WithComponent(component).WithOperation("decode_page").
			WithDetail("url", pageURL).
			WithDetail("excerpt", excerpt(body)).
			WithCause(cause)
	}

	if len(trimmed) == 0 {
		return page{}, malformed("empty hub response", nil)
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return page{}, malformed("undecodable hub list", err)
		}
		return page{items: items}, nil
	case '{':
		var env paginated
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return page{}, malformed("undecodable hub page", err)
		}
		if env.Items == nil {
			return page{}, malformed("hub page has no items", nil)
		}
		p := page{items: env.Items}
		if env.Pagination != nil && env.Pagination.Next != nil {
			if env.Pagination.Next.URL == "" {
				return page{}, malformed("hub pagination link has no url", nil)
			}
			p.next = env.Pagination.Next.URL
		}
		return p, nil
	default:
		return page{}, malformed("unexpected hub response", nil)
	}
}

func decodeItem(src Source, raw json.RawMessage) (membership.Record, *errors.ExporterError) {
	malformed := func(msg string, cause error) *errors.ExporterError {
		return errors.NewError(errors.ErrCodeMalformedResponse, msg).
			WithComponent(component).WithOperation("decode_item").
			WithDetail("excerpt", excerpt(raw)).
			WithCause(cause)
	}

	switch src {
	case SourceUsers:
		var item userItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return membership.Record{}, malformed("undecodable user item", err)
		}
		if item.Name == "" {
			return membership.Record{}, malformed("user item has no name", nil)
		}
		return membership.Record{Kind: membership.KindUser, Name: item.Name, Members: item.Groups}, nil
	default:
		var item groupItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return membership.Record{}, malformed("undecodable group item", err)
		}
		if item.Name == "" {
			return membership.Record{}, malformed("group item has no name", nil)
		}
		return membership.Record{Kind: membership.KindGroup, Name: item.Name, Members: item.Users}, nil
	}
}

func excerpt(body []byte) string {
	s := string(body)
	if len(s) > excerptLimit {
		return s[:excerptLimit] + "..."
	}
	return s
}
