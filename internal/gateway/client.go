// Package gateway talks to the web SQL gateway that fronts the contract
// database. A session logs in once, keeps its cookies in a jar and echoes
// the csrftoken cookie back on every state-changing request.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"irrcontract/internal/logging"

	"golang.org/x/net/publicsuffix"
)

const (
	csrfCookie = "csrftoken"
	csrfHeader = "X-CSRFToken"

	// maxBody caps how much of a response is read.
	maxBody = 256 << 20
)

// ErrNoCSRFToken means the login page did not set a csrftoken cookie.
var ErrNoCSRFToken = errors.New("gateway: no csrftoken cookie")

// StatusError is returned for non-2xx responses and failed envelopes.
type StatusError struct {
	URL  string
	Code int    // HTTP status
	Msg  string // envelope or body message
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("gateway: %s returned %d", e.URL, e.Code)
	}
	return fmt.Sprintf("gateway: %s returned %d: %s", e.URL, e.Code, e.Msg)
}

// Client is an authenticated gateway session.
type Client struct {
	settings Settings
	http     *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its Jar is replaced
// when nil.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// Dial logs in and authenticates, returning a ready session.
func Dial(ctx context.Context, s Settings, opts ...Option) (*Client, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	c := &Client{settings: s, http: &http.Client{Timeout: s.Timeout}}
	for _, opt := range opts {
		opt(c)
	}
	if c.http.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		c.http.Jar = jar
	}

	timer := logging.StartTimer(logging.CategoryGateway, "Dial")
	defer timer.Stop()

	if err := c.login(ctx); err != nil {
		c.http.CloseIdleConnections()
		return nil, err
	}
	if err := c.authenticate(ctx); err != nil {
		c.http.CloseIdleConnections()
		return nil, err
	}
	logging.Gateway("Authenticated as %s on instance %s", s.User, s.InstanceName)
	return c, nil
}

func (c *Client) login(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.settings.LoginURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build login request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if err := checkStatus(c.settings.LoginURL, resp); err != nil {
		return err
	}
	if _, err := c.csrfToken(c.settings.LoginURL); err != nil {
		return err
	}
	logging.GatewayDebug("Login page fetched from %s", c.settings.LoginURL)
	return nil
}

func (c *Client) authenticate(ctx context.Context) error {
	form := url.Values{
		"username": {c.settings.User},
		"password": {c.settings.Password},
	}
	body, err := c.postForm(ctx, c.settings.AuthURL, c.settings.LoginURL, form)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	// Some deployments answer with an envelope, some with a redirect page.
	var env envelope
	if json.Unmarshal(body, &env) == nil && env.Status != 0 {
		return &StatusError{URL: c.settings.AuthURL, Code: http.StatusOK, Msg: env.Msg}
	}
	return nil
}

// csrfToken reads the current csrftoken cookie for rawURL. The server may
// rotate it after authentication, so it is looked up on every request.
func (c *Client) csrfToken(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	for _, ck := range c.http.Jar.Cookies(u) {
		if ck.Name == csrfCookie && ck.Value != "" {
			return ck.Value, nil
		}
	}
	return "", ErrNoCSRFToken
}

// postForm sends a form POST carrying the csrf header. tokenURL names the
// URL whose cookies hold the token.
func (c *Client) postForm(ctx context.Context, target, tokenURL string, form url.Values) ([]byte, error) {
	token, err := c.csrfToken(tokenURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(csrfHeader, token)
	req.Header.Set("Referer", tokenURL)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if err := checkStatus(req.URL.String(), resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			se.Msg = strings.TrimSpace(string(truncate(body, 200)))
		}
		logging.GatewayError("%v", err)
		return nil, err
	}
	return body, nil
}

func checkStatus(u string, resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: u, Code: resp.StatusCode}
	}
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// envelope is the gateway's JSON wrapper.
type envelope struct {
	Status int             `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

func decodeEnvelope(u string, body []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("gateway: %s returned invalid json: %w", u, err)
	}
	if env.Status != 0 {
		logging.GatewayError("%s answered status %d: %s", u, env.Status, env.Msg)
		return nil, &StatusError{URL: u, Code: http.StatusOK, Msg: env.Msg}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, fmt.Errorf("gateway: %s returned no data", u)
	}
	return env.Data, nil
}

// Query runs sql against the configured database and instance.
func (c *Client) Query(ctx context.Context, sql string) (*ResultSet, error) {
	timer := logging.StartTimer(logging.CategoryGateway, "Query")
	defer timer.Stop()

	form := url.Values{
		"db_name":       {c.settings.DBName},
		"instance_name": {c.settings.InstanceName},
		"limit_num":     {"0"},
		"schema_name":   {""},
		"sql_content":   {sql},
		"tb_name":       {""},
	}
	body, err := c.postForm(ctx, c.settings.QueryURL, c.settings.LoginURL, form)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	data, err := decodeEnvelope(c.settings.QueryURL, body)
	if err != nil {
		return nil, err
	}

	var raw rawResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("query: invalid result: %w", err)
	}
	rs, err := raw.toResultSet()
	if err != nil {
		return nil, err
	}
	logging.GatewayDebug("Query returned %d rows x %d columns", rs.Len(), len(rs.Columns))
	return rs, nil
}

// DescribeTable returns the gateway's column description of a table.
func (c *Client) DescribeTable(ctx context.Context, db, table string) (*ResultSet, error) {
	if c.settings.DescURL == "" {
		return nil, fmt.Errorf("describe: DESC_URL not set")
	}
	form := url.Values{
		"db_name":       {db},
		"instance_name": {c.settings.InstanceName},
		"schema_name":   {""},
		"tb_name":       {table},
	}
	body, err := c.postForm(ctx, c.settings.DescURL, c.settings.LoginURL, form)
	if err != nil {
		return nil, fmt.Errorf("describe %s.%s: %w", db, table, err)
	}
	data, err := decodeEnvelope(c.settings.DescURL, body)
	if err != nil {
		return nil, err
	}
	var raw rawResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("describe: invalid result: %w", err)
	}
	return raw.toResultSet()
}

// DataDictionary returns the data dictionary (column names, types,
// comments) of a table.
func (c *Client) DataDictionary(ctx context.Context, db, table string) (*ResultSet, error) {
	if c.settings.DictURL == "" {
		return nil, fmt.Errorf("dictionary: DICT_URL not set")
	}
	u, err := url.Parse(c.settings.DictURL)
	if err != nil {
		return nil, fmt.Errorf("invalid DICT_URL: %w", err)
	}
	q := u.Query()
	q.Set("db_name", db)
	q.Set("instance_name", c.settings.InstanceName)
	q.Set("tb_name", table)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if token, err := c.csrfToken(c.settings.LoginURL); err == nil {
		req.Header.Set(csrfHeader, token)
	}
	body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("dictionary %s.%s: %w", db, table, err)
	}
	data, err := decodeEnvelope(c.settings.DictURL, body)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Desc rawResult `json:"desc"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("dictionary: invalid result: %w", err)
	}
	return wrapper.Desc.toResultSet()
}

// Settings returns the session's settings.
func (c *Client) Settings() Settings {
	return c.settings
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}
