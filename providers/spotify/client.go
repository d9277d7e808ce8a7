package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/ggoodman/mcp-hub-go/credentials"
)

// DefaultAPIBaseURL is the Spotify Web API root.
const DefaultAPIBaseURL = "https://api.spotify.com/v1"

// APIError is a non-2xx answer from the Web API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Spotify API %d: %s", e.Status, e.Message)
}

// Client calls the Web API on behalf of stored accounts.
type Client struct {
	base   string
	http   *http.Client
	tokens *credentials.Refresher
}

// NewClient returns a Client. The http client is expected to handle rate
// limiting, see internal/httpretry.
func NewClient(base string, hc *http.Client, tokens *credentials.Refresher) *Client {
	if base == "" {
		base = DefaultAPIBaseURL
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc, tokens: tokens}
}

// Call sends body as JSON and returns the decoded JSON answer. Empty
// answers decode to nil.
func (c *Client) Call(ctx context.Context, account, method, path string, query url.Values, body any) (any, error) {
	var out any
	if err := c.do(ctx, account, method, path, query, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get decodes the JSON answer of GET path into out.
func (c *Client) Get(ctx context.Context, account, path string, query url.Values, out any) error {
	return c.do(ctx, account, http.MethodGet, path, query, nil, out)
}

// Post sends body as JSON.
func (c *Client) Post(ctx context.Context, account, path string, query url.Values, body, out any) error {
	return c.do(ctx, account, http.MethodPost, path, query, body, out)
}

// Put sends body as JSON.
func (c *Client) Put(ctx context.Context, account, path string, query url.Values, body, out any) error {
	return c.do(ctx, account, http.MethodPut, path, query, body, out)
}

// Delete sends body as JSON.
func (c *Client) Delete(ctx context.Context, account, path string, query url.Values, body, out any) error {
	return c.do(ctx, account, http.MethodDelete, path, query, body, out)
}

// PutImage uploads a base64 encoded JPEG as the request body.
func (c *Client) PutImage(ctx context.Context, account, path, imageBase64 string) error {
	req, err := c.newRequest(ctx, account, http.MethodPut, path, nil, strings.NewReader(imageBase64))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	return c.send(req, nil)
}

func (c *Client) do(ctx context.Context, account, method, path string, query url.Values, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, account, method, path, query, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

// Profile is the subset of GET /me the hub stores with an account.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Profile fetches the profile behind a raw access token, before the
// account is stored.
func (c *Client) Profile(ctx context.Context, accessToken string) (Profile, error) {
	req, err := c.rawRequest(ctx, accessToken, http.MethodGet, "/me", nil, nil)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := c.send(req, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (c *Client) newRequest(ctx context.Context, account, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	token, err := c.tokens.AccessToken(ctx, account)
	if err != nil {
		return nil, err
	}
	return c.rawRequest(ctx, token, method, path, query, body)
}

func (c *Client) rawRequest(ctx context.Context, token, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

// send executes req. Empty or non-JSON success bodies leave out untouched.
func (c *Client) send(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type"))
	isJSON := mediaType == "application/json" && len(data) > 0

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg := http.StatusText(res.StatusCode)
		if isJSON {
			var e struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if json.Unmarshal(data, &e) == nil && e.Error.Message != "" {
				msg = e.Error.Message
			}
		}
		return &APIError{Status: res.StatusCode, Message: msg}
	}

	if res.StatusCode == http.StatusNoContent || !isJSON || out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// extractID accepts a bare id, a spotify: URI or an open.spotify.com URL.
func extractID(input string) string {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "spotify:") {
		return input[strings.LastIndex(input, ":")+1:]
	}
	if strings.HasPrefix(input, "http") {
		if u, err := url.Parse(input); err == nil {
			parts := strings.Split(strings.TrimRight(u.Path, "/"), "/")
			return parts[len(parts)-1]
		}
	}
	return input
}
