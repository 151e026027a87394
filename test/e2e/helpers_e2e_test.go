//go:build e2e

// Package e2e_test drives a running engine over plain HTTP. Point
// E2E_BASE_URL at the server and set E2E_SERVICE_TOKEN_SECRET to the
// server's SERVICE_TOKEN_SECRET so the suite can mint owner tokens. The
// flows assert protocol behavior only, so they pass with or without a
// worker draining the queues.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/fairyhunter13/cam-job-engine/internal/adapter/httpserver"
)

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func baseURL() string {
	return getenv("E2E_BASE_URL", "http://localhost:8080")
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

// ownerToken mints a bearer token for the given owner. The suite skips
// when the shared secret is not provided.
func ownerToken(t *testing.T, owner string) string {
	t.Helper()
	secret := os.Getenv("E2E_SERVICE_TOKEN_SECRET")
	if secret == "" {
		t.Skip("E2E_SERVICE_TOKEN_SECRET not set, skipping E2E test")
	}
	tok, err := httpserver.MintServiceToken(secret, owner, time.Hour)
	if err != nil {
		t.Fatalf("mint service token: %v", err)
	}
	return tok
}

// waitForAppReady polls /healthz until the server answers or the deadline
// passes.
func waitForAppReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL() + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("app not ready at %s within %s", baseURL(), timeout)
}

// apiRequest performs one JSON request and decodes the response body into a
// map. An empty body decodes to nil.
func apiRequest(t *testing.T, client *http.Client, method, path, token string, extra http.Header, body any) (int, http.Header, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req, err := http.NewRequest(method, baseURL()+path, &buf)
	if err != nil {
		t.Fatalf("build request %s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp.StatusCode, resp.Header, decoded
}

// uniqueKey builds an idempotency key that does not collide with earlier
// suite runs against the same database.
func uniqueKey(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func jobIDOf(t *testing.T, body map[string]any) int64 {
	t.Helper()
	v, ok := body["job_id"].(float64)
	if !ok || v <= 0 {
		t.Fatalf("job_id missing in response: %#v", body)
	}
	return int64(v)
}

func errorCodeOf(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("error envelope missing: %#v", body)
	}
	code, _ := e["code"].(string)
	return code
}
