// Package client uploads files through a blobgate server: it asks the sign endpoint for a
// grant, then PUTs the bytes straight to storage with the signed URL.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/asad/blobgate/internal/blobapi"
)

// ErrBlobPathNotFound is returned when the signed URL does not contain the container.
var ErrBlobPathNotFound = errors.New("signed URL does not name the container")

// APIError is a non-2xx answer from the server or the store.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Op, e.Status, e.Message)
}

// Client talks to one blobgate server.
type Client struct {
	// BaseURL is the server root, e.g. "http://localhost:4000".
	BaseURL string

	// Container is the container or bucket segment of signed URLs. Empty means the first
	// path segment, which is the Azure layout.
	Container string

	HTTP *http.Client
}

// New creates a client with a default HTTP client.
func New(baseURL, container string) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Container: container,
		HTTP:      &http.Client{Timeout: 5 * time.Minute},
	}
}

// File is one upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// UploadResult is where the file ended up.
type UploadResult struct {
	PublicURL string `json:"publicUrl"`
	BlobPath  string `json:"blobPath"`
}

// UploadFile signs, then PUTs file under dir (and mediaID when set).
func (c *Client) UploadFile(ctx context.Context, file File, dir, mediaID string) (UploadResult, error) {
	grant, err := c.Sign(ctx, blobapi.UploadRequest{
		Filename:    file.Name,
		ContentType: file.ContentType,
		Dir:         dir,
		MediaID:     mediaID,
	})
	if err != nil {
		return UploadResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, grant.PutURL, bytes.NewReader(file.Data))
	if err != nil {
		return UploadResult{}, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", file.ContentType)
	req.Header.Set("x-ms-blob-type", "BlockBlob")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return UploadResult{}, responseError("upload", resp)
	}

	blobPath, err := BlobPathFromURL(grant.PutURL, c.Container)
	if err != nil {
		return UploadResult{}, err
	}
	return UploadResult{PublicURL: grant.PublicURL, BlobPath: blobPath}, nil
}

// Sign requests an upload grant.
func (c *Client) Sign(ctx context.Context, in blobapi.UploadRequest) (blobapi.SignResponse, error) {
	var grant blobapi.SignResponse
	err := c.postJSON(ctx, "sign", "/api/uploads/sign", in, &grant)
	return grant, err
}

// Delete removes blobPath if it exists.
func (c *Client) Delete(ctx context.Context, blobPath string) error {
	return c.postJSON(ctx, "delete", "/api/uploads/delete", map[string]string{"blobPath": blobPath}, nil)
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// responseError reads the error message out of a JSON {error} body when there is one.
func responseError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(raw))

	var body struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && len(body.Error) > 0 {
		var text string
		if json.Unmarshal(body.Error, &text) == nil {
			msg = text
		} else {
			var coded struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			if json.Unmarshal(body.Error, &coded) == nil && coded.Code != "" {
				msg = coded.Code + ": " + coded.Message
			}
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Op: op, Status: resp.StatusCode, Message: msg}
}

// BlobPathFromURL returns the object key of a signed URL: the unescaped path after the
// container segment. An empty container drops the first segment.
func BlobPathFromURL(signedURL, container string) (string, error) {
	u, err := url.Parse(signedURL)
	if err != nil {
		return "", fmt.Errorf("parse signed URL: %w", err)
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	idx := 0
	if container != "" {
		idx = -1
		for i, seg := range segs {
			if seg == container {
				idx = i
				break
			}
		}
	}
	if idx < 0 || idx+1 >= len(segs) {
		return "", ErrBlobPathNotFound
	}
	return strings.Join(segs[idx+1:], "/"), nil
}
