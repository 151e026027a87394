// Package objectstore talks to the storage gateway. Artefact bytes never
// transit the engine; the gateway is asked for presigned download URLs
// and digest checks only.
package objectstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

const defaultTimeout = 15 * time.Second

// Gateway is a minimal HTTP client implementing domain.ObjectStore.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
}

var _ domain.ObjectStore = (*Gateway)(nil)

// NewGateway constructs a Gateway with a default timeout.
func NewGateway(baseURL string) *Gateway {
	return &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

type presignRequest struct {
	Bucket     string `json:"bucket"`
	Key        string `json:"key"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type presignResponse struct {
	URL string `json:"url"`
}

type verifyRequest struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	SHA256 string `json:"sha256"`
}

type verifyResponse struct {
	Match bool `json:"match"`
}

// PresignGet returns a short-lived download URL for the object.
func (g *Gateway) PresignGet(ctx domain.Context, bucket, key string, ttl time.Duration) (string, error) {
	var out presignResponse
	err := g.post(ctx, "/v1/presign", presignRequest{
		Bucket:     bucket,
		Key:        key,
		TTLSeconds: int64(ttl / time.Second),
	}, &out)
	if err != nil {
		return "", fmt.Errorf("op=objectstore.PresignGet: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("op=objectstore.PresignGet: empty url: %w", domain.ErrTransient)
	}
	return out.URL, nil
}

// VerifySHA256 asks the gateway to compare the stored object's digest.
func (g *Gateway) VerifySHA256(ctx domain.Context, bucket, key, hexDigest string) (bool, error) {
	var out verifyResponse
	err := g.post(ctx, "/v1/verify", verifyRequest{
		Bucket: bucket,
		Key:    key,
		SHA256: strings.ToLower(hexDigest),
	}, &out)
	if err != nil {
		return false, fmt.Errorf("op=objectstore.VerifySHA256: %w", err)
	}
	return out.Match, nil
}

func (g *Gateway) post(ctx domain.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrTransient)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("gateway status %d: %w", resp.StatusCode, domain.ErrTransient)
	case resp.StatusCode >= 400:
		return fmt.Errorf("gateway status %d: %w", resp.StatusCode, domain.ErrInvalidArgument)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
