package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/5amCurfew/xtap/connection"
	"github.com/5amCurfew/xtap/stream"
	util "github.com/5amCurfew/xtap/util"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

type restSettings struct {
	Path           string            `mapstructure:"path"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	HealthPath     string            `mapstructure:"health_path"`
	BookmarkParam  string            `mapstructure:"bookmark_parameter"`
	LimitParam     string            `mapstructure:"limit_parameter"`
	Headers        map[string]string `mapstructure:"headers"`
	Auth           restAuth          `mapstructure:"auth"`
	Response       restResponse      `mapstructure:"response"`
}

type restAuth struct {
	Strategy string `mapstructure:"strategy"`
	Basic    struct {
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
	} `mapstructure:"basic"`
	Token struct {
		Header      string `mapstructure:"header"`
		HeaderValue string `mapstructure:"header_value"`
	} `mapstructure:"token"`
	OAuth struct {
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		RefreshToken string `mapstructure:"refresh_token"`
		TokenURL     string `mapstructure:"token_url"`
	} `mapstructure:"oauth"`
}

type restResponse struct {
	RecordsPath        []string `mapstructure:"records_path"`
	Pagination         bool     `mapstructure:"pagination"`
	PaginationStrategy string   `mapstructure:"pagination_strategy"`
	PaginationNextPath []string `mapstructure:"pagination_next_path"`
	PaginationQuery    struct {
		QueryParameter string `mapstructure:"query_parameter"`
		QueryValue     int    `mapstructure:"query_value"`
		QueryIncrement int    `mapstructure:"query_increment"`
	} `mapstructure:"pagination_query"`
}

type restConnector struct {
	url      string
	settings restSettings
}

type restSession struct {
	client   *http.Client
	settings restSettings
}

func (s *restSession) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

type restPager struct {
	url      string
	settings restSettings
}

func newREST(baseURL string, settings map[string]interface{}) (connection.Connector, stream.Pager, error) {
	var s restSettings
	if err := decodeSettings(settings, &s); err != nil {
		return nil, nil, err
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, nil, fmt.Errorf("invalid rest URL: %w", err)
	}

	switch s.Auth.Strategy {
	case "", "basic", "token":
	case "oauth":
		if s.Auth.OAuth.TokenURL == "" {
			return nil, nil, fmt.Errorf("missing required field: auth.oauth.token_url")
		}
	default:
		return nil, nil, fmt.Errorf("unsupported auth strategy: %s", s.Auth.Strategy)
	}

	if s.Response.Pagination {
		switch s.Response.PaginationStrategy {
		case "next":
			if len(s.Response.PaginationNextPath) == 0 {
				return nil, nil, fmt.Errorf("missing required field: response.pagination_next_path")
			}
		case "query":
			if s.Response.PaginationQuery.QueryParameter == "" {
				return nil, nil, fmt.Errorf("missing required field: response.pagination_query.query_parameter")
			}
			if s.Response.PaginationQuery.QueryIncrement == 0 {
				s.Response.PaginationQuery.QueryIncrement = 1
			}
		default:
			return nil, nil, fmt.Errorf("unsupported pagination strategy: %s", s.Response.PaginationStrategy)
		}
	}

	u := joinURL(baseURL, s.Path)
	return &restConnector{url: u, settings: s}, &restPager{url: u, settings: s}, nil
}

func (c *restConnector) Connect(ctx context.Context) (connection.Session, error) {
	timeout := 30 * time.Second
	if c.settings.TimeoutSeconds > 0 {
		timeout = time.Duration(c.settings.TimeoutSeconds) * time.Second
	}
	base := &http.Client{Timeout: timeout}
	client := base

	if c.settings.Auth.Strategy == "oauth" {
		conf := &oauth2.Config{
			ClientID:     c.settings.Auth.OAuth.ClientID,
			ClientSecret: c.settings.Auth.OAuth.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: c.settings.Auth.OAuth.TokenURL},
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		ts := conf.TokenSource(tokenCtx, &oauth2.Token{RefreshToken: c.settings.Auth.OAuth.RefreshToken})
		if _, err := ts.Token(); err != nil {
			return nil, classifyTokenError(err)
		}
		client = oauth2.NewClient(tokenCtx, ts)
		client.Timeout = timeout
	}

	session := &restSession{client: client, settings: c.settings}
	if c.settings.HealthPath != "" {
		resp, err := session.get(ctx, joinURL(c.url, c.settings.HealthPath))
		if err != nil {
			return nil, err
		}
		resp.Body.Close()
	}
	log.WithFields(log.Fields{"url": c.url}).Info("rest session established")
	return session, nil
}

func classifyTokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		switch code := retrieveErr.Response.StatusCode; {
		case code == http.StatusTooManyRequests || code >= 500:
			return fmt.Errorf("%w: token refresh: %v", connection.ErrTransient, err)
		default:
			return &connection.AuthError{Err: err}
		}
	}
	return fmt.Errorf("error refreshing access token: %w", err)
}

// get performs a GET and maps failing statuses to the connection error kinds.
// The caller closes the body.
func (s *restSession) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating get request: %w", err)
	}
	for k, v := range s.settings.Headers {
		req.Header.Set(k, v)
	}
	switch s.settings.Auth.Strategy {
	case "basic":
		req.SetBasicAuth(s.settings.Auth.Basic.Username, s.settings.Auth.Basic.Password)
	case "token":
		req.Header.Add(s.settings.Auth.Token.Header, s.settings.Auth.Token.HeaderValue)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error executing request: %w", err)
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}

	defer resp.Body.Close()
	statusMsg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := fmt.Errorf("error response: %d %s", resp.StatusCode, strings.TrimSpace(string(statusMsg)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &connection.AuthError{Err: statusErr}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &connection.RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")), Err: statusErr}
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %v", connection.ErrTransient, statusErr)
	}
	return nil, statusErr
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func (p *restPager) FetchPage(ctx context.Context, session connection.Session, req stream.PageRequest) (stream.Page, error) {
	s, ok := connection.As[*restSession](session)
	if !ok {
		return stream.Page{}, fmt.Errorf("rest pager used with %T session", session)
	}

	target, err := p.pageURL(req)
	if err != nil {
		return stream.Page{}, err
	}
	log.WithFields(log.Fields{"page": target}).Debug("requesting page")

	resp, err := s.get(ctx, target)
	if err != nil {
		return stream.Page{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return stream.Page{}, fmt.Errorf("%w: error reading response body: %v", connection.ErrTransient, err)
	}

	responseMap, err := normaliseResponse(body, p.settings.Response.RecordsPath != nil)
	if err != nil {
		return stream.Page{}, err
	}

	recordsPath := []string{"results"}
	if p.settings.Response.RecordsPath != nil {
		recordsPath = p.settings.Response.RecordsPath
	}
	items, ok := util.GetValueAtPath(recordsPath, responseMap).([]interface{})
	if !ok {
		return stream.Page{}, fmt.Errorf("error: response map does not contain records array at path: %v", recordsPath)
	}

	records := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if recordMap, ok := item.(map[string]interface{}); ok {
			records = append(records, recordMap)
		} else {
			log.WithFields(log.Fields{"item": item}).Warn("encountered non-map element in records array")
		}
	}

	return p.nextPage(req, responseMap, records), nil
}

func (p *restPager) pageURL(req stream.PageRequest) (string, error) {
	response := p.settings.Response
	target := p.url
	if response.Pagination && response.PaginationStrategy == "next" && req.Cursor != "" {
		target = req.Cursor
	}

	parsedURL, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	query := parsedURL.Query()
	if response.Pagination && response.PaginationStrategy == "query" && req.Cursor != "" {
		query.Set(response.PaginationQuery.QueryParameter, req.Cursor)
	}
	// next links usually carry the original parameters already
	if req.Cursor == "" || response.PaginationStrategy != "next" {
		if p.settings.BookmarkParam != "" && !req.After.IsZero() {
			query.Set(p.settings.BookmarkParam, req.After.String())
		}
		if p.settings.LimitParam != "" {
			query.Set(p.settings.LimitParam, strconv.Itoa(req.Limit))
		}
	}
	parsedURL.RawQuery = query.Encode()
	return parsedURL.String(), nil
}

func (p *restPager) nextPage(req stream.PageRequest, responseMap map[string]interface{}, records []map[string]interface{}) stream.Page {
	page := stream.Page{Records: records}
	response := p.settings.Response
	if !response.Pagination {
		page.Done = true
		return page
	}

	switch response.PaginationStrategy {
	case "next":
		nextURL, _ := util.GetValueAtPath(response.PaginationNextPath, responseMap).(string)
		if nextURL == "" {
			page.Done = true
			return page
		}
		page.Next = nextURL
	case "query":
		if len(records) == 0 {
			page.Done = true
			return page
		}
		value := response.PaginationQuery.QueryValue
		if req.Cursor != "" {
			current, _ := strconv.Atoi(req.Cursor)
			value = current + response.PaginationQuery.QueryIncrement
		}
		page.Next = strconv.Itoa(value)
	}
	return page
}

// normaliseResponse accepts either a bare array or an object. A bare object
// without a configured records path is treated as a single record.
func normaliseResponse(response []byte, hasRecordsPath bool) (map[string]interface{}, error) {
	decoder := json.NewDecoder(bytes.NewReader(response))
	decoder.UseNumber()

	var data interface{}
	if err := decoder.Decode(&data); err != nil {
		return nil, fmt.Errorf("error json.Unmarshal of response: %w", err)
	}

	switch d := data.(type) {
	case []interface{}:
		return map[string]interface{}{"results": d}, nil
	case map[string]interface{}:
		if !hasRecordsPath {
			return map[string]interface{}{"results": []interface{}{d}}, nil
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unexpected response type %T", data)
	}
}
