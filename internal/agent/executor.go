package agent

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/slicingmelon/go-rawurlparser"
	"github.com/valyala/fasthttp"

	"github.com/armorcode/web-agent-go/internal/config"
	"github.com/armorcode/web-agent-go/internal/logger"
	"github.com/armorcode/web-agent-go/internal/tempstore"
)

const (
	chunkedReadSize    = 100 * 1024
	wholeBodyReadSize  = 500 * 1024
	gzipChunkSize      = 1 * 1024 * 1024
	targetConnectTimeout = 15 * time.Second
)

// Executor is C3, the per-task algorithmic core: apply globalConfig, run the
// target request, stream the body to a scoped temp file, then route it
// inline or to C4's upload path. Grounded on the source's process_task()
// (original_source/web-agent/app/worker.py).
type Executor struct {
	cfg     *config.Store
	clients *Clients
	temp    *tempstore.Root
	logDir  string

	artifactUpload artifactUploadFunc
}

func NewExecutor(cfg *config.Store, clients *Clients, temp *tempstore.Root, logDir string) *Executor {
	return &Executor{cfg: cfg, clients: clients, temp: temp, logDir: logDir}
}

// Execute runs one task end to end and returns the TaskResult still to be
// posted through the inline path (spec invariant #2). It returns nil when
// nothing is left to post: for the fetch-logs special path, and when a large
// body was already posted with its TaskResult by the control-plane
// multipart upload (uploadToAc).
func (e *Executor) Execute(ctx context.Context, task *Task) *TaskResult {
	if task.GlobalConfig != nil {
		e.cfg.ApplyGlobal(e.cfg.Resolve(*task.GlobalConfig))
	}

	if isFetchLogsTask(task) {
		if err := e.uploadLogs(ctx, task); err != nil {
			logger.Error().TaskID(task.TaskID).Msgf("fetch-logs upload failed: %v", err)
		}
		return nil
	}

	headers := cloneHeaders(task.RequestHeaders)
	if strings.Contains(task.URL, "/cxrestapi/auth/identity/connect/token") {
		headers["Content-Type"] = "application/x-www-form-urlencoded"
	}

	body, warn := encodeInput(task.Input)
	if warn != "" {
		logger.Warning().TaskID(task.TaskID).Msgf("%s", warn)
	}

	token := randomToken()
	outFile, err := e.temp.Create(task.TaskID, token, ".txt")
	if err != nil {
		return internalError(task.TaskID, err)
	}
	outPath := outFile.Name()
	defer func() {
		outFile.Close()
		tempstore.Remove(outPath)
	}()

	statusCode, respHeaders, err := e.streamTarget(ctx, task, headers, body, outFile)
	if err != nil {
		return networkError(task.TaskID, err)
	}

	return e.routeResult(ctx, task, statusCode, respHeaders, outPath)
}

func isFetchLogsTask(task *Task) bool {
	return strings.Contains(task.URL, "agent/fetch-logs") && strings.Contains(task.TaskID, "fetchLogs")
}

// streamTarget issues the target HTTP request via fasthttp and streams the
// body to outFile in 100 KiB chunks (chunked transfer-encoding) or 500 KiB
// chunks (everything else), matching the source's iter_content sizes.
func (e *Executor) streamTarget(ctx context.Context, task *Task, headers map[string]string, body []byte, outFile *os.File) (int, map[string]string, error) {
	parsed, err := rawurlparser.RawURLParseWithError(task.URL)
	if err != nil {
		return 0, nil, fmt.Errorf("parse target url: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(strings.ToUpper(task.Method))
	requestURI := parsed.Scheme + "://" + parsed.Host + parsed.Path
	if parsed.Query != "" {
		requestURI += "?" + parsed.Query
	}
	req.SetRequestURI(requestURI)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if len(body) > 0 {
		req.SetBody(body)
	}

	deadline := effectiveTargetDeadline(task)
	doCtx, cancel := context.WithTimeout(ctx, deadline+targetConnectTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- e.clients.Target.DoTimeout(req, resp, deadline) }()

	select {
	case err := <-errCh:
		if err != nil {
			return 0, nil, err
		}
	case <-doCtx.Done():
		return 0, nil, doCtx.Err()
	}

	respHeaders := make(map[string]string)
	resp.Header.VisitAll(func(k, v []byte) {
		respHeaders[string(k)] = string(v)
	})

	chunkSize := wholeBodyReadSize
	if strings.EqualFold(respHeaders["Transfer-Encoding"], "chunked") {
		chunkSize = chunkedReadSize
	}
	if err := streamBody(outFile, resp.BodyStream(), chunkSize); err != nil {
		return 0, nil, err
	}

	return resp.StatusCode(), respHeaders, nil
}

// streamBody copies the target response stream to disk in chunkSize reads
// (100 KiB for chunked transfer-encoding, 500 KiB otherwise, matching the
// source's iter_content sizes) without ever materializing the full body in
// memory — the client's StreamResponseBody:true makes resp.BodyStream() a
// live reader rather than an already-buffered byte slice. The loop is written
// out rather than using io.CopyBuffer, which hands the copy to an
// *os.File's ReadFrom and ignores the buffer size.
func streamBody(w io.Writer, r io.Reader, chunkSize int) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func effectiveTargetDeadline(task *Task) time.Duration {
	if task.ExpiryTsMs <= 0 {
		return defaultTaskDeadline
	}
	remaining := time.Until(time.UnixMilli(task.ExpiryTsMs))
	if remaining < 5*time.Second {
		return 5 * time.Second
	}
	return remaining
}

// routeResult implements the size-based routing of spec §4.3: small bodies
// go inline as base64, large ones go through the gzip-then-upload path.
func (e *Executor) routeResult(ctx context.Context, task *Task, statusCode int, respHeaders map[string]string, outPath string) *TaskResult {
	info, err := os.Stat(outPath)
	if err != nil {
		return internalError(task.TaskID, err)
	}

	result := &TaskResult{
		TaskID:          task.TaskID,
		StatusCode:      statusCode,
		ResponseHeaders: respHeaders,
	}

	if info.Size() <= config.MaxInlineBytes {
		if info.Size() == 0 {
			return result
		}
		raw, err := os.ReadFile(outPath)
		if err != nil {
			return internalError(task.TaskID, err)
		}
		result.ResponseBase64 = true
		result.Output = base64.StdEncoding.EncodeToString(raw)
		return result
	}

	zipPath, zipErr := e.temp.SiblingPath(outPath, ".gz")
	uploadPath := outPath
	zipped := false
	if zipErr == nil {
		if err := gzipFile(outPath, zipPath); err == nil {
			uploadPath = zipPath
			zipped = true
		}
	}
	defer tempstore.Remove(zipPath)

	result.ResponseZipped = zipped
	return e.uploadArtifact(ctx, task, result, uploadPath, respHeaders)
}

// uploadArtifact is a thin indirection so routeResult can call into the C4
// uploader without an import cycle; wired concretely by agent.go via
// SetArtifactUploadHook.
func (e *Executor) uploadArtifact(ctx context.Context, task *Task, result *TaskResult, path string, headers map[string]string) *TaskResult {
	if e.artifactUpload == nil {
		return internalError(task.TaskID, fmt.Errorf("artifact upload path not wired"))
	}
	return e.artifactUpload(ctx, task, result, path, headers)
}

// artifactUploadFunc lets agent.go wire C3's large-body path to C4 without a
// package import cycle (C4 needs C3's gzip output, C3 needs C4's upload).
type artifactUploadFunc func(ctx context.Context, task *Task, result *TaskResult, path string, targetHeaders map[string]string) *TaskResult

func (e *Executor) SetArtifactUploadHook(fn artifactUploadFunc) { e.artifactUpload = fn }

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	defer gw.Close()

	buf := make([]byte, gzipChunkSize)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if _, werr := gw.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return gw.Close()
}

func encodeInput(raw []byte) ([]byte, string) {
	if len(raw) == 0 {
		return nil, ""
	}
	var asString string
	if err := jsonUnmarshalString(raw, &asString); err == nil {
		return []byte(asString), ""
	}
	return raw, "input is not a JSON string; passing raw bytes through"
}

func cloneHeaders(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func randomToken() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// uploadLogs implements the agent/fetch-logs special path: zip the log
// directory and multipart-upload it; no TaskResult is ever posted (spec
// §4.3 "Special path").
func (e *Executor) uploadLogs(ctx context.Context, task *Task) error {
	token := randomToken()
	zipPath := filepath.Join(e.temp.Dir(), "logs_"+task.TaskID+"_"+token+".zip")
	defer tempstore.Remove(zipPath)

	if err := zipDirectory(e.logDir, zipPath); err != nil {
		return fmt.Errorf("zip log directory: %w", err)
	}

	cfg := e.cfg.Snapshot()
	uploadURL := cfg.ServerURL + "/api/http-teleport/upload-logs"
	if cfg.EnvName != "" {
		uploadURL += "?envName=" + cfg.EnvName
	}

	var buf bytes.Buffer
	boundary, err := writeMultipart(&buf, zipPath, task, "application/zip")
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Ac-Agent", "ArmorCode/"+config.AgentVersion)
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)

	resp, err := e.clients.Upload.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		logger.Error().TaskID(task.TaskID).Msgf("upload-logs returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func zipDirectory(dir, dst string) error {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	return filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(rel)
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
}

func jsonUnmarshalString(raw []byte, out *string) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) < 2 || trimmed[0] != '"' {
		return fmt.Errorf("not a json string")
	}
	unquoted, err := strconv.Unquote(string(trimmed))
	if err != nil {
		return err
	}
	*out = unquoted
	return nil
}
