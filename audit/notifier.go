// Package audit notifies a forensic sidecar about code that is about to
// execute. Notification is fire-and-forget: a failed or slow sidecar must
// never block or fail an execution.
package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Notifier receives (session, code hash, code) before each execution.
type Notifier interface {
	Notify(ctx context.Context, sessionID, codeHash, code string) error
}

// CodeHash returns the hex SHA-256 of submitted code.
func CodeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// NopNotifier discards notifications. Used when auditing is disabled.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, sessionID, codeHash, code string) error {
	return nil
}

// LogNotifier records the hash (never the code) in the service log.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, sessionID, codeHash, code string) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("code submitted", "session_id", sessionID, "code_hash", codeHash, "code_bytes", len(code))
	return nil
}

// HTTPNotifier posts the notification to an audit sidecar.
type HTTPNotifier struct {
	Client   *http.Client
	Endpoint string
	Token    string
}

func NewHTTPNotifier(endpoint, token string) *HTTPNotifier {
	return &HTTPNotifier{
		Client:   &http.Client{Timeout: 5 * time.Second},
		Endpoint: endpoint,
		Token:    token,
	}
}

type notification struct {
	SessionID   string    `json:"session_id"`
	CodeHash    string    `json:"code_hash"`
	Code        string    `json:"code"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (n *HTTPNotifier) Notify(ctx context.Context, sessionID, codeHash, code string) error {
	body, err := json.Marshal(notification{
		SessionID:   sessionID,
		CodeHash:    codeHash,
		Code:        code,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.Token)
	}
	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("audit sidecar: status %s", resp.Status)
	}
	return nil
}

var (
	_ Notifier = NopNotifier{}
	_ Notifier = LogNotifier{}
	_ Notifier = (*HTTPNotifier)(nil)
)
