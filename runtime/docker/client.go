package docker

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
	"strings"
	"time"
)

// apiVersion pins the Engine API; everything used here is stable well
// before this version.
const apiVersion = "v1.43"

// apiClient is a thin Docker Engine API client. Host is either a unix
// socket path (the default daemon socket) or an http(s) URL for a remote
// daemon.
type apiClient struct {
	http *http.Client
	base string
}

func newAPIClient(host string) *apiClient {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return &apiClient{
			http: &http.Client{},
			base: strings.TrimRight(host, "/") + "/" + apiVersion,
		}
	}
	socketPath := strings.TrimPrefix(host, "unix://")
	return &apiClient{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
		// Hostname is ignored over the socket but must parse.
		base: "http://docker/" + apiVersion,
	}
}

// apiError carries the daemon's status and message.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("docker daemon: status %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var daemonErr struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &daemonErr) != nil || daemonErr.Message == "" {
			daemonErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, &apiError{Status: resp.StatusCode, Message: daemonErr.Message}
	}
	return resp, nil
}

// call posts or gets JSON and decodes the response into out (which may be
// nil when the body is irrelevant).
func (c *apiClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	resp, err := c.do(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusIs reports whether err is a daemon error with one of the given
// HTTP statuses.
func statusIs(err error, statuses ...int) bool {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, s := range statuses {
		if apiErr.Status == s {
			return true
		}
	}
	return false
}

// query builds an escaped query string from key/value pairs.
func query(pairs ...string) string {
	v := url.Values{}
	for i := 0; i+1 < len(pairs); i += 2 {
		v.Set(pairs[i], pairs[i+1])
	}
	return v.Encode()
}

// ping verifies the daemon is reachable. Used during Start so a dead
// daemon fails provisioning instead of the first execution.
func (c *apiClient) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := c.do(ctx, http.MethodGet, "/_ping", "", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
