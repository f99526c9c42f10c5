// Package storage provides the object-storage capability consumed by the
// artifact pipeline: put bytes under a key, get back a signed, expiring
// URL.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"time"
)

// Store uploads artifact bytes and returns a time-limited URL for them.
type Store interface {
	Put(ctx context.Context, data []byte, key string) (url string, expiresAt time.Time, err error)
}

// SignerStore uploads through a URL-signing service: it asks the signer
// for a presigned upload/download URL pair, PUTs the bytes to the upload
// URL, and hands back the download URL.
type SignerStore struct {
	Client   *http.Client
	Endpoint string
	Token    string
	// TTL requested for signed URLs. Defaults to one hour.
	TTL time.Duration
}

func NewSignerStore(endpoint, token string) *SignerStore {
	return &SignerStore{
		Client:   &http.Client{Timeout: 30 * time.Second},
		Endpoint: endpoint,
		Token:    token,
		TTL:      time.Hour,
	}
}

type signRequest struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	TTLSeconds  int64  `json:"ttl_seconds"`
}

type signResponse struct {
	UploadURL   string    `json:"upload_url"`
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *SignerStore) Put(ctx context.Context, data []byte, key string) (string, time.Time, error) {
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	signed, err := s.sign(ctx, key, contentType)
	if err != nil {
		return "", time.Time{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signed.UploadURL, bytes.NewReader(data))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("upload %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", time.Time{}, fmt.Errorf("upload %s: status %s", key, resp.Status)
	}

	return signed.DownloadURL, signed.ExpiresAt, nil
}

func (s *SignerStore) sign(ctx context.Context, key, contentType string) (signResponse, error) {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	body, err := json.Marshal(signRequest{Key: key, ContentType: contentType, TTLSeconds: int64(ttl.Seconds())})
	if err != nil {
		return signResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint+"/sign", bytes.NewReader(body))
	if err != nil {
		return signResponse{}, fmt.Errorf("build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return signResponse{}, fmt.Errorf("sign %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return signResponse{}, fmt.Errorf("sign %s: status %s: %s", key, resp.Status, msg)
	}

	var signed signResponse
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return signResponse{}, fmt.Errorf("decode sign response: %w", err)
	}
	if signed.UploadURL == "" || signed.DownloadURL == "" {
		return signResponse{}, fmt.Errorf("sign %s: incomplete response", key)
	}
	return signed, nil
}

var _ Store = (*SignerStore)(nil)
