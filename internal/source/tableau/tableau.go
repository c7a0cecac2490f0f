// Package tableau pulls feed extracts from Tableau Server views through the
// REST API using a personal access token.
package tableau

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"mandatory-use-audit/internal/feed"
	"mandatory-use-audit/internal/source"
)

const defaultAPIVersion = "3.19"

type Config struct {
	Server             string
	Site               string
	TokenName          string
	TokenValue         string
	APIVersion         string
	Workbook           string
	InsecureSkipVerify bool
	HTTPClient         *http.Client
}

// Client is safe for concurrent Fetch calls; it signs in once and caches
// view ids.
type Client struct {
	cfg  Config
	http *http.Client
	base string

	mu       sync.Mutex
	token    string
	siteID   string
	workbook string
	views    map[string]string
}

func New(cfg Config) (*Client, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("tableau server is required")
	}
	if cfg.Workbook == "" {
		return nil, fmt.Errorf("tableau workbook is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		}
		httpClient = &http.Client{Transport: transport, Timeout: 5 * time.Minute}
	}
	return &Client{
		cfg:  cfg,
		http: httpClient,
		base: strings.TrimRight(cfg.Server, "/") + "/api/" + cfg.APIVersion,
	}, nil
}

func (c *Client) Name() string { return "tableau" }

// Fetch exports the view named after the feed as CSV, filtered to the
// request window.
func (c *Client) Fetch(ctx context.Context, name feed.Name, req source.Request) (io.ReadCloser, error) {
	viewID, err := c.viewID(ctx, string(name))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	siteID := c.siteID
	c.mu.Unlock()

	query := url.Values{}
	for key, value := range req.Filters() {
		query.Set("vf_"+key, value)
	}
	endpoint := fmt.Sprintf("%s/sites/%s/views/%s/data?%s", c.base, siteID, viewID, query.Encode())

	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Close signs out when a session is open.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return nil
	}
	resp, err := c.doLocked(ctx, http.MethodPost, c.base+"/auth/signout", nil)
	c.token, c.siteID, c.workbook, c.views = "", "", "", nil
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

type signInRequest struct {
	Credentials struct {
		Name   string `json:"personalAccessTokenName"`
		Secret string `json:"personalAccessTokenSecret"`
		Site   struct {
			ContentURL string `json:"contentUrl"`
		} `json:"site"`
	} `json:"credentials"`
}

type signInResponse struct {
	Credentials struct {
		Token string `json:"token"`
		Site  struct {
			ID string `json:"id"`
		} `json:"site"`
	} `json:"credentials"`
}

type namedItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type workbooksResponse struct {
	Workbooks struct {
		Workbook []namedItem `json:"workbook"`
	} `json:"workbooks"`
}

type viewsResponse struct {
	Views struct {
		View []namedItem `json:"view"`
	} `json:"views"`
}

func (c *Client) signInLocked(ctx context.Context) error {
	if c.token != "" {
		return nil
	}
	var body signInRequest
	body.Credentials.Name = c.cfg.TokenName
	body.Credentials.Secret = c.cfg.TokenValue
	body.Credentials.Site.ContentURL = c.cfg.Site

	var out signInResponse
	if err := c.jsonLocked(ctx, http.MethodPost, c.base+"/auth/signin", body, &out); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	if out.Credentials.Token == "" {
		return fmt.Errorf("sign in: %w: empty token", source.ErrUnauthorized)
	}
	c.token = out.Credentials.Token
	c.siteID = out.Credentials.Site.ID
	return nil
}

func (c *Client) viewID(ctx context.Context, view string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.signInLocked(ctx); err != nil {
		return "", err
	}
	if c.views == nil {
		if err := c.loadViewsLocked(ctx); err != nil {
			return "", err
		}
	}
	id, ok := c.views[view]
	if !ok {
		return "", fmt.Errorf("%w: view %q in workbook %q", source.ErrNotFound, view, c.cfg.Workbook)
	}
	return id, nil
}

func (c *Client) loadViewsLocked(ctx context.Context) error {
	query := url.Values{"filter": {"name:eq:" + c.cfg.Workbook}}
	var workbooks workbooksResponse
	endpoint := fmt.Sprintf("%s/sites/%s/workbooks?%s", c.base, c.siteID, query.Encode())
	if err := c.jsonLocked(ctx, http.MethodGet, endpoint, nil, &workbooks); err != nil {
		return fmt.Errorf("find workbook: %w", err)
	}
	for _, wb := range workbooks.Workbooks.Workbook {
		if wb.Name == c.cfg.Workbook {
			c.workbook = wb.ID
			break
		}
	}
	if c.workbook == "" {
		return fmt.Errorf("%w: workbook %q", source.ErrNotFound, c.cfg.Workbook)
	}

	var views viewsResponse
	endpoint = fmt.Sprintf("%s/sites/%s/workbooks/%s/views", c.base, c.siteID, c.workbook)
	if err := c.jsonLocked(ctx, http.MethodGet, endpoint, nil, &views); err != nil {
		return fmt.Errorf("list views: %w", err)
	}
	c.views = make(map[string]string, len(views.Views.View))
	for _, v := range views.Views.View {
		c.views[v.Name] = v.ID
	}
	return nil
}

func (c *Client) jsonLocked(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.doLocked(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	return c.send(ctx, method, endpoint, body, token)
}

func (c *Client) doLocked(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	return c.send(ctx, method, endpoint, body, c.token)
}

func (c *Client) send(ctx context.Context, method, endpoint string, body io.Reader, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("X-Tableau-Auth", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	msg := strings.TrimSpace(string(detail))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s %s: %s", source.ErrUnauthorized, method, req.URL.Path, msg)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s %s: %s", source.ErrNotFound, method, req.URL.Path, msg)
	default:
		return nil, fmt.Errorf("%s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, msg)
	}
}
