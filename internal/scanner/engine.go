// Package scanner wraps the external static-analysis engine behind a
// submit/poll/fetch protocol and a workspace-owning adapter.
package scanner

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/FaizalBasha-123/testpilot-sub001/internal/domain"
)

// EngineStatus is the engine's report for one engine-side job.
type EngineStatus struct {
	Terminal bool   `json:"terminal"`
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
}

// Engine is the external static-analysis collaborator. Implementations
// classify their failures as domain.StageError kinds.
type Engine interface {
	Submit(ctx context.Context, workspace string) (engineJobID string, err error)
	PollStatus(ctx context.Context, engineJobID string) (EngineStatus, error)
	FetchFindings(ctx context.Context, engineJobID string) ([]domain.Finding, error)
}

// HTTPEngine talks to the scan service over HTTP: the workspace is
// posted as a zip, then status and findings are read from the
// engine-side job resource.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEngine creates a client for the scan service at baseURL.
func NewHTTPEngine(baseURL string, requestTimeout time.Duration) *HTTPEngine {
	return &HTTPEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: requestTimeout},
	}
}

func (e *HTTPEngine) Submit(ctx context.Context, workspace string) (string, error) {
	body, contentType, err := zipWorkspace(workspace)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/scan", body)
	if err != nil {
		return "", domain.NewStageError(domain.ErrKindInternal, "build submit request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", domain.NewStageError(domain.ErrKindAPI, "submit workspace to scan engine: %v", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "submit"); err != nil {
		return "", err
	}

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", domain.NewStageError(domain.ErrKindAPI, "decode submit response: %v", err)
	}
	if out.JobID == "" {
		return "", domain.NewStageError(domain.ErrKindAPI, "scan engine returned no job id")
	}
	return out.JobID, nil
}

func (e *HTTPEngine) PollStatus(ctx context.Context, engineJobID string) (EngineStatus, error) {
	var status EngineStatus
	err := e.getJSON(ctx, "/scan/"+engineJobID+"/status", &status)
	return status, err
}

func (e *HTTPEngine) FetchFindings(ctx context.Context, engineJobID string) ([]domain.Finding, error) {
	var out struct {
		Findings []engineFinding `json:"findings"`
	}
	if err := e.getJSON(ctx, "/scan/"+engineJobID+"/findings", &out); err != nil {
		return nil, err
	}

	findings := make([]domain.Finding, 0, len(out.Findings))
	for _, f := range out.Findings {
		findings = append(findings, f.toDomain())
	}
	return findings, nil
}

// engineFinding is the engine's own issue shape, normalized on ingest.
type engineFinding struct {
	Key       string `json:"key"`
	Rule      string `json:"rule"`
	Severity  string `json:"severity"`
	Component string `json:"component"`
	Line      int    `json:"line"`
	Message   string `json:"message"`
	Type      string `json:"type"`
}

func (f engineFinding) toDomain() domain.Finding {
	return domain.Finding{
		Key:       f.Key,
		Rule:      f.Rule,
		Severity:  domain.NormalizeSeverity(f.Severity),
		Component: f.Component,
		Line:      f.Line,
		Message:   f.Message,
		Kind:      domain.NormalizeKind(f.Type),
	}
}

func (e *HTTPEngine) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return domain.NewStageError(domain.ErrKindInternal, "build request for %s: %v", path, err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return domain.NewStageError(domain.ErrKindAPI, "call scan engine %s: %v", path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, path); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return domain.NewStageError(domain.ErrKindAPI, "decode response from %s: %v", path, err)
	}
	return nil
}

func checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return domain.NewStageError(domain.ErrKindValidation,
			"scan engine rejected %s: %d %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return domain.NewStageError(domain.ErrKindAPI,
		"scan engine %s returned %d %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// zipWorkspace packs the workspace tree into an in-memory multipart
// body with a single "file" part.
func zipWorkspace(workspace string) (io.Reader, string, error) {
	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)

	err := filepath.WalkDir(workspace, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err == nil {
		err = zw.Close()
	}
	if err != nil {
		return nil, "", domain.NewStageError(domain.ErrKindInternal, "pack workspace: %v", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "workspace.zip")
	if err == nil {
		_, err = part.Write(zipBuf.Bytes())
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		return nil, "", domain.NewStageError(domain.ErrKindInternal, "build multipart body: %v", err)
	}
	return &body, mw.FormDataContentType(), nil
}

var _ Engine = (*HTTPEngine)(nil)
