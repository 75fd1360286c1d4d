// Package lxd drives machines through a local REST daemon. Mutations are
// two-phase: the daemon acknowledges with an operation envelope and the
// terminal outcome arrives later on a shared push-event feed.
package lxd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/vmgate/vmgate/internal/logging"
)

// DefaultSocketPath is where a stock daemon install listens.
const DefaultSocketPath = "/var/lib/lxd/unix.socket"

// apiResponse is the daemon's uniform envelope. Sync responses carry their
// result in Metadata; async responses carry an operation there.
type apiResponse struct {
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	StatusCode int             `json:"status_code"`
	Operation  string          `json:"operation"`
	ErrorCode  int             `json:"error_code"`
	Error      string          `json:"error"`
	Metadata   json.RawMessage `json:"metadata"`
}

// apiError is a daemon-reported failure.
type apiError struct {
	Code    int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

func (e *apiError) notFound() bool { return e.Code == http.StatusNotFound }

// operation is the ephemeral unit of work tracked until a terminal status
// (>= 200) is observed on the event feed.
type operation struct {
	ID         string `json:"id"`
	Class      string `json:"class,omitempty"`
	StatusCode int    `json:"status_code"`
	Err        string `json:"err,omitempty"`
}

func (op operation) terminal() bool { return op.StatusCode >= 200 }
func (op operation) succeeded() bool { return op.StatusCode == 200 }

type apiClient struct {
	http       *http.Client
	socketPath string
	logger     *slog.Logger
}

func newAPIClient(socketPath string, logger *slog.Logger) *apiClient {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, "unix", socketPath)
		},
	}
	return &apiClient{
		http:       &http.Client{Transport: transport},
		socketPath: socketPath,
		logger:     logging.Ensure(logger),
	}
}

// do issues one request and decodes the envelope. Error envelopes come back
// as *apiError; the HTTP exchange itself has no per-call timeout beyond the
// caller's context.
func (c *apiClient) do(ctx context.Context, method, apiPath string, body any) (*apiResponse, error) {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, apiPath, err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	url := "http://unix" + path.Clean("/"+apiPath)
	if i := strings.IndexByte(apiPath, '?'); i >= 0 {
		url = "http://unix" + path.Clean("/"+apiPath[:i]) + apiPath[i:]
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, apiPath, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, apiPath, err)
	}
	defer resp.Body.Close()

	envelope := &apiResponse{}
	if err := json.NewDecoder(resp.Body).Decode(envelope); err != nil {
		return nil, fmt.Errorf("decode %s %s response: %w", method, apiPath, err)
	}
	logging.Trace(c.logger, "daemon call",
		"method", method,
		"path", apiPath,
		"status", envelope.StatusCode,
		"elapsed", time.Since(start),
	)

	if envelope.Type == "error" {
		code := envelope.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return nil, &apiError{Code: code, Message: envelope.Error}
	}
	return envelope, nil
}

// decodeMetadata unpacks a sync response's metadata.
func decodeMetadata(envelope *apiResponse, out any) error {
	if len(envelope.Metadata) == 0 {
		return fmt.Errorf("response carries no metadata")
	}
	return json.Unmarshal(envelope.Metadata, out)
}

// decodeOperation unpacks an async response's operation envelope.
func decodeOperation(envelope *apiResponse) (operation, error) {
	var op operation
	if len(envelope.Metadata) > 0 {
		if err := json.Unmarshal(envelope.Metadata, &op); err != nil {
			return operation{}, fmt.Errorf("decode operation: %w", err)
		}
	}
	if op.ID == "" {
		op.ID = path.Base(envelope.Operation)
	}
	if op.ID == "" || op.ID == "." || op.ID == "/" {
		return operation{}, fmt.Errorf("async response carries no operation id")
	}
	if op.StatusCode == 0 {
		op.StatusCode = envelope.StatusCode
	}
	return op, nil
}
