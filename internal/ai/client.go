// Package ai wraps the AI review collaborator. Request and response
// schemas belong to that service; the orchestrator only forwards
// opaque blobs and reacts to success or a classified error.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/FaizalBasha-123/testpilot-sub001/internal/domain"
)

// Reviewer is the AI collaborator consumed by the orchestrator.
type Reviewer interface {
	BuildContext(ctx context.Context, workspace string) (json.RawMessage, error)
	Review(ctx context.Context, reviewContext json.RawMessage, findings []domain.Finding) (json.RawMessage, error)
	GenerateFix(ctx context.Context, reviewResult json.RawMessage) (json.RawMessage, error)
}

// maxIndexedFiles bounds the workspace index sent to the context
// endpoint; huge trees get a truncated index rather than a huge request.
const maxIndexedFiles = 500

// HTTPReviewer talks to the AI core service over HTTP.
type HTTPReviewer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPReviewer creates a client for the AI core at baseURL.
func NewHTTPReviewer(baseURL string, requestTimeout time.Duration) *HTTPReviewer {
	return &HTTPReviewer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: requestTimeout},
	}
}

type indexedFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// BuildContext indexes the workspace tree and asks the AI core to
// build its review context from it.
func (r *HTTPReviewer) BuildContext(ctx context.Context, workspace string) (json.RawMessage, error) {
	files, truncated, err := indexWorkspace(workspace)
	if err != nil {
		return nil, domain.NewStageError(domain.ErrKindInternal, "index workspace: %v", err)
	}

	payload := map[string]any{
		"files":     files,
		"truncated": truncated,
	}
	return r.post(ctx, "/context", payload)
}

// Review submits the findings with the previously built context.
func (r *HTTPReviewer) Review(ctx context.Context, reviewContext json.RawMessage, findings []domain.Finding) (json.RawMessage, error) {
	payload := map[string]any{
		"context":  reviewContext,
		"findings": findings,
	}
	return r.post(ctx, "/review", payload)
}

// GenerateFix asks the AI core for fix proposals from a review result.
func (r *HTTPReviewer) GenerateFix(ctx context.Context, reviewResult json.RawMessage) (json.RawMessage, error) {
	payload := map[string]any{
		"review": reviewResult,
	}
	return r.post(ctx, "/fix", payload)
}

func (r *HTTPReviewer) post(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.NewStageError(domain.ErrKindInternal, "encode request for %s: %v", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewStageError(domain.ErrKindInternal, "build request for %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, domain.NewStageError(domain.ErrKindAPI, "call ai core %s: %v", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, domain.NewStageError(domain.ErrKindAPI, "read response from %s: %v", path, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return json.RawMessage(raw), nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, domain.NewStageError(domain.ErrKindValidation,
			"ai core rejected %s: %d %s", path, resp.StatusCode, snippet(raw))
	default:
		return nil, domain.NewStageError(domain.ErrKindAPI,
			"ai core %s returned %d %s", path, resp.StatusCode, snippet(raw))
	}
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

func indexWorkspace(workspace string) ([]indexedFile, bool, error) {
	var files []indexedFile
	truncated := false

	err := filepath.WalkDir(workspace, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if len(files) >= maxIndexedFiles {
			truncated = true
			return filepath.SkipAll
		}
		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, indexedFile{Path: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return files, truncated, nil
}

var _ Reviewer = (*HTTPReviewer)(nil)
