package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/souktech/kyb-onboarding-bfa/internal/infra/resilience"
)

// ============================================================
// HTTP helpers for PostgREST verbs, counts and RPC
// ============================================================

func (c *Client) restURL(path string) string {
	return fmt.Sprintf("%s/rest/v1/%s", c.baseURL, path)
}

// doRequest performs a body-less request and returns the response body.
// A 404 yields a nil body.
func (c *Client) doRequest(ctx context.Context, method, path string) ([]byte, error) {
	resp, err := c.do(ctx, request{method: method, url: c.restURL(path), path: path})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// doCount returns the exact row count matching path's filters.
func (c *Client) doCount(ctx context.Context, path string) (int, error) {
	resp, err := c.do(ctx, request{
		method: http.MethodHead,
		url:    c.restURL(path),
		path:   path,
		prefer: "count=exact",
	})
	if err != nil {
		return 0, err
	}
	n, err := parseContentRange(resp.header.Get("Content-Range"))
	if err != nil {
		return 0, resilience.Permanent(err)
	}
	return n, nil
}

func (c *Client) doPost(ctx context.Context, table string, data any) ([]byte, error) {
	jsonBody, err := json.Marshal(data)
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		url:    c.restURL(table),
		path:   table,
		body:   bytes.NewReader(jsonBody),
		prefer: "return=representation",
	})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

func (c *Client) doPatch(ctx context.Context, path string, data map[string]any) error {
	_, err := c.patch(ctx, path, data, "return=minimal")
	return err
}

// doPatchReturning patches and returns the updated rows, so a filtered
// update can tell whether it matched anything.
func (c *Client) doPatchReturning(ctx context.Context, path string, data map[string]any) ([]byte, error) {
	return c.patch(ctx, path, data, "return=representation")
}

func (c *Client) patch(ctx context.Context, path string, data map[string]any, prefer string) ([]byte, error) {
	jsonBody, err := json.Marshal(data)
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	resp, err := c.do(ctx, request{
		method: http.MethodPatch,
		url:    c.restURL(path),
		path:   path,
		body:   bytes.NewReader(jsonBody),
		prefer: prefer,
	})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

func (c *Client) doDelete(ctx context.Context, path string) error {
	_, err := c.do(ctx, request{method: http.MethodDelete, url: c.restURL(path), path: path})
	return err
}

// doRPC calls a Postgres function. A non-empty bearer runs it as that user so
// auth.uid() resolves inside the function.
func (c *Client) doRPC(ctx context.Context, fn string, args map[string]any, bearer string) ([]byte, error) {
	jsonBody, err := json.Marshal(args)
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	path := "rpc/" + fn
	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		url:    c.restURL(path),
		path:   path,
		body:   bytes.NewReader(jsonBody),
		bearer: bearer,
	})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// isEmpty reports whether a PostgREST body holds no rows.
func isEmpty(body []byte) bool {
	b := bytes.TrimSpace(body)
	return len(b) == 0 || string(b) == "[]" || string(b) == "null"
}
