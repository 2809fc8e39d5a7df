// Package cloudsync mirrors the settings file to a Hugging Face dataset
// repository. Every operation is best-effort: failures are logged and
// reported through Result, never raised.
package cloudsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/pysugar/settings-vault/internal/util"
	"golang.org/x/oauth2"
)

const (
	// DefaultEndpoint is the public Hugging Face Hub.
	DefaultEndpoint = "https://huggingface.co"
	// DefaultRevision is the branch snapshots are read from and committed to.
	DefaultRevision = "main"

	userAgent = "settings-vault/1.0"
)

// ErrNotConfigured is reported when a repository id or token is missing.
var ErrNotConfigured = errors.New("dataset repository or token not configured")

// Target identifies the remote dataset repository.
type Target struct {
	RepoID string
	Token  string
}

// Enabled reports whether both the repository id and the token are set.
// Nothing touches the network unless this is true.
func (t Target) Enabled() bool {
	return strings.TrimSpace(t.RepoID) != "" && strings.TrimSpace(t.Token) != ""
}

// Op names a sync operation.
type Op string

const (
	OpRestore Op = "restore"
	OpBackup  Op = "backup"
)

// Result is the outcome of one sync attempt.
type Result struct {
	Op   Op
	Path string
	At   time.Time
	Err  error
}

// OK reports whether the attempt succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Options configure a Client. Zero values select the defaults.
type Options struct {
	Endpoint   string
	Revision   string
	HTTPClient *http.Client
	Now        func() time.Time
}

// Client talks to the Hub HTTP API.
type Client struct {
	endpoint   string
	revision   string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a Hub client.
func NewClient(opts Options) *Client {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	revision := strings.TrimSpace(opts.Revision)
	if revision == "" {
		revision = DefaultRevision
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		endpoint:   endpoint,
		revision:   revision,
		httpClient: httpClient,
		now:        now,
	}
}

// remoteName is the file name used in the repository for a local path.
func remoteName(localPath string) string {
	return filepath.ToSlash(filepath.Base(localPath))
}

func (c *Client) datasetURL(repoID string, parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return c.endpoint + "/datasets/" + repoID + "/" + strings.Join(escaped, "/")
}

func (c *Client) apiURL(repoID, action string) string {
	return c.endpoint + "/api/datasets/" + repoID + "/" + action + "/" + url.PathEscape(c.revision)
}

// authorize sets the bearer header on a single request. It is applied per
// request rather than through an oauth2 transport so redirects to other
// hosts (CDN downloads, presigned upload URLs) never carry the token.
func authorize(req *http.Request, token string) error {
	tok, err := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: strings.TrimSpace(token),
		TokenType:   "Bearer",
	}).Token()
	if err != nil {
		return err
	}
	tok.SetAuthHeader(req)
	return nil
}

// StatusError is a non-2xx answer from the Hub.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return &StatusError{
		Method: resp.Request.Method,
		URL:    resp.Request.URL.Redacted(),
		Status: resp.StatusCode,
		Body:   util.TruncateBytes(body),
	}
}

// doJSON sends body (JSON-encoded unless it is already a []byte) and decodes
// the response into out when out is non-nil. token may be empty for
// presigned URLs.
func (c *Client) doJSON(ctx context.Context, method, target, token, contentType string, header map[string]string, body any, out any) error {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	if token != "" {
		if err := authorize(req, token); err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", resp.Request.URL.Redacted(), err)
	}
	return nil
}
