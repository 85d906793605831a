// Package biometric is the boundary to the face recognition service. A
// voter may only vote after a photo taken at login matched the template
// stored at registration.
package biometric

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ballot-ledger/models"

	"github.com/tidwall/gjson"
)

// Verifier enrolls and verifies faces.
type Verifier interface {
	// Enroll extracts a template from photo.
	Enroll(ctx context.Context, photo []byte) (string, error)
	// Verify reports whether photo matches template. An unreachable
	// service returns models.ErrBiometricUnavailable.
	Verify(ctx context.Context, photo []byte, template string) (bool, error)
}

const (
	registerPath = "/api/face-recognition/register"
	verifyPath   = "/api/face-recognition/verify"
)

// Client calls the HTTP face recognition service.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ Verifier = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (int, []byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", models.ErrBiometricUnavailable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: %v", models.ErrBiometricUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return resp.StatusCode, data, fmt.Errorf("%w: status %d", models.ErrBiometricUnavailable, resp.StatusCode)
	}
	return resp.StatusCode, data, nil
}

func (c *Client) Enroll(ctx context.Context, photo []byte) (string, error) {
	_, data, err := c.post(ctx, registerPath, map[string]string{
		"image": base64.StdEncoding.EncodeToString(photo),
	})
	if err != nil {
		return "", err
	}
	res := gjson.ParseBytes(data)
	if !res.Get("success").Bool() {
		msg := res.Get("message").String()
		if msg == "" {
			msg = "face could not be enrolled"
		}
		return "", models.NewValidationError("photo", msg)
	}
	enc := res.Get("faceEncoding")
	if !enc.Exists() {
		return "", fmt.Errorf("%w: response carries no face encoding", models.ErrBiometricUnavailable)
	}
	if enc.Type == gjson.String {
		return enc.String(), nil
	}
	return enc.Raw, nil
}

func (c *Client) Verify(ctx context.Context, photo []byte, template string) (bool, error) {
	_, data, err := c.post(ctx, verifyPath, map[string]string{
		"image":          base64.StdEncoding.EncodeToString(photo),
		"storedEncoding": template,
	})
	if err != nil {
		return false, err
	}
	res := gjson.ParseBytes(data)
	if !res.Get("success").Exists() {
		return false, fmt.Errorf("%w: malformed response", models.ErrBiometricUnavailable)
	}
	return res.Get("success").Bool(), nil
}
