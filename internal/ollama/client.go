// Package ollama is a client for the serving runtime's HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"modelforge/internal/errs"
	"modelforge/pkg/types"
)

// DefaultTag is appended by the runtime to names registered without a tag.
const DefaultTag = "latest"

// Client talks to an Ollama-compatible runtime.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a client for baseURL. connectTimeout bounds dialing; request
// deadlines come from the caller's context.
func New(baseURL string, connectTimeout time.Duration) *Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: tr},
	}
}

// BaseURL returns the normalized runtime address.
func (c *Client) BaseURL() string { return c.baseURL }

// Version returns the runtime version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v types.VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// ListModels returns the models registered with the runtime.
func (c *Client) ListModels(ctx context.Context) ([]types.RuntimeModel, error) {
	var tags types.TagsResponse
	if err := c.do(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return nil, err
	}
	return tags.Models, nil
}

// HasModel reports whether name is registered, with or without the default tag.
func (c *Client) HasModel(ctx context.Context, name string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if SameModel(m.Name, name) || SameModel(m.Model, name) {
			return true, nil
		}
	}
	return false, nil
}

// CreateModel registers name from a Modelfile. The call blocks until the
// runtime finished creating the model.
func (c *Client) CreateModel(ctx context.Context, name, modelfile string) error {
	var st types.StatusResponse
	err := c.do(ctx, http.MethodPost, "/api/create", types.CreateRequest{Model: name, Modelfile: modelfile, Stream: false}, &st)
	if err != nil {
		if errs.IsTimeout(err) {
			return err
		}
		return errs.Registration(name, err)
	}
	if st.Status != "" && st.Status != "success" {
		return errs.Registration(name, fmt.Errorf("runtime reported status %q", st.Status))
	}
	return nil
}

// Generate runs a single non-streamed completion.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	var out types.GenerateResponse
	if err := c.do(ctx, http.MethodPost, "/api/generate", types.GenerateRequest{Model: model, Prompt: prompt}, &out); err != nil {
		return "", err
	}
	return out.Response, nil
}

// SameModel compares runtime model names, treating "x" and "x:latest" as equal.
func SameModel(a, b string) bool {
	return withTag(a) == withTag(b)
}

func withTag(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ":") {
		return name
	}
	return name + ":" + DefaultTag
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return requestError(ctx, method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e types.ErrorResponse
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, e.Error)
		}
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return requestError(ctx, method, path, fmt.Errorf("decode: %w", err))
	}
	return nil
}

// requestError reports a request that ran past its deadline as a Timeout,
// whether it expired while connecting or while the body was being read.
func requestError(ctx context.Context, method, path string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.Timeout(method+" "+path, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%s %s: %w", method, path, err)
}
