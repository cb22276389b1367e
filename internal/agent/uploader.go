package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/projectdiscovery/gcache"
	"github.com/projectdiscovery/retryablehttp-go"

	"github.com/armorcode/web-agent-go/internal/config"
	"github.com/armorcode/web-agent-go/internal/logger"
	"github.com/armorcode/web-agent-go/internal/ratelimit"
)

const (
	putResultTimeout    = 30 * time.Second
	uploadResultTimeout = 300 * time.Second
	uploadURLTimeout    = 25 * time.Second
	objectPutTimeout    = 120 * time.Second

	retryMaxAttempts       = 5
	concurrentRetryMarker  = "Too many concurrent requests"
	defaultRateLimitRetry  = 2 * time.Second
	maxRateLimitRetryDelay = 60 * time.Second
	maxConcurrentJitter    = 10 * time.Second
)

// Uploader is C4: it posts a TaskResult back to the control plane, choosing
// among the inline, control-plane-artifact and object-storage-artifact paths
// per spec §4.4, grounded on the source's upload_response()/get_s3_upload_url()
// pair (original_source/web-agent/app/worker.py, workerV2.py).
type Uploader struct {
	cfg     *config.Store
	clients *Clients
	limiter *ratelimit.Limiter
	gate    *ratelimit.ConcurrencyGate

	// seen dedups recently-posted taskIds, a belt-and-braces guard against
	// double-posting the same result on top of the at-most-once contract C2
	// already provides (spec invariant #1).
	seen gcache.Cache[string, bool]
}

func NewUploader(cfg *config.Store, clients *Clients, limiter *ratelimit.Limiter, gate *ratelimit.ConcurrencyGate) *Uploader {
	return &Uploader{
		cfg:     cfg,
		clients: clients,
		limiter: limiter,
		gate:    gate,
		seen:    gcache.New[string, bool](4096).LRU().Build(),
	}
}

// Upload posts result for task through the inline put-result path; the
// size/uploadToAc routing already happened in C3 via uploadArtifactHook. A
// nil result (the fetch-logs special path, or a result already posted by the
// upload-result multipart call) is a no-op.
func (u *Uploader) Upload(ctx context.Context, task *Task, result *TaskResult) error {
	if result == nil {
		return nil
	}
	if dup, _ := u.seen.Get(task.TaskID); dup {
		logger.Warning().TaskID(task.TaskID).Msgf("duplicate result suppressed")
		return nil
	}

	// Large-body results were already routed to the control-plane multipart
	// endpoint or rewritten with an s3Url by uploadArtifactHook; in every
	// case a non-nil result here still needs posting via the inline path.
	err := u.putResult(ctx, result)
	if err == nil {
		_ = u.seen.Set(task.TaskID, true)
	}
	return err
}

// uploadArtifactHook implements artifactUploadFunc; wired into Executor by
// agent.go. It routes through either the control-plane multipart endpoint
// or pre-signed object storage, per uploadToAc.
func (u *Uploader) uploadArtifactHook(ctx context.Context, task *Task, result *TaskResult, path string, targetHeaders map[string]string) *TaskResult {
	cfg := u.cfg.Snapshot()
	if cfg.UploadToAC {
		if err := u.uploadResultMultipart(ctx, task, result, path); err != nil {
			logger.Error().TaskID(task.TaskID).Msgf("upload-result failed: %v", err)
			return agentError(task.TaskID, "Agent Side Error: ", err)
		}
		return nil // posted as part of the multipart call itself
	}
	return u.uploadToObjectStorage(ctx, task, result, path, targetHeaders)
}

// putResult posts the inline TaskResult JSON (spec §4.4 inline path).
func (u *Uploader) putResult(ctx context.Context, result *TaskResult) error {
	cfg := u.cfg.Snapshot()
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return u.retryPost(ctx, cfg.ServerURL+"/api/http-teleport/put-result", "application/json", bytes.NewReader(body), putResultTimeout)
}

// uploadResultMultipart posts the (possibly gzipped) artifact plus the
// TaskResult JSON to the control plane (spec §4.4 artifact/control-plane path).
func (u *Uploader) uploadResultMultipart(ctx context.Context, task *Task, result *TaskResult, path string) error {
	var buf bytes.Buffer
	ext := "txt"
	contentType := "text/plain"
	if result.ResponseZipped {
		ext = "zip"
		contentType = "application/zip"
	}
	fileName := fmt.Sprintf("%s_%s.%s", task.TaskID, randomToken(), ext)
	boundary, err := writeMultipartFile(&buf, path, fileName, contentType, result)
	if err != nil {
		return err
	}

	return u.retryPost(ctx, u.cfg.Snapshot().ServerURL+"/api/http-teleport/upload-result", "multipart/form-data; boundary="+boundary, &buf, uploadResultTimeout)
}

// uploadToObjectStorage implements the three-step object-storage artifact
// path: GET upload-url, PUT the body, then re-post the rewritten result
// through the inline path (spec §4.4).
func (u *Uploader) uploadToObjectStorage(ctx context.Context, task *Task, result *TaskResult, path string, targetHeaders map[string]string) *TaskResult {
	putURL, getURL, err := u.getUploadURL(ctx, task.TaskID)
	if err != nil {
		logger.Error().TaskID(task.TaskID).Msgf("upload-url failed: %v", err)
		return agentError(task.TaskID, "Error: ", fmt.Errorf("failed to upload result to s3"))
	}

	if err := u.putObject(ctx, putURL, path, targetHeaders); err != nil {
		logger.Error().TaskID(task.TaskID).Msgf("object PUT failed: %v", err)
		return agentError(task.TaskID, "Error: ", fmt.Errorf("failed to upload result to s3"))
	}

	result.ResponseBase64 = false
	result.Output = ""
	result.S3URL = getURL
	return result
}

func (u *Uploader) getUploadURL(ctx context.Context, taskID string) (putURL, getURL string, err error) {
	cfg := u.cfg.Snapshot()
	fileName := taskID + "_" + randomToken()
	reqCtx, cancel := context.WithTimeout(ctx, uploadURLTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodGet,
		cfg.ServerURL+"/api/http-teleport/upload-url?fileName="+fileName, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Ac-Agent", "ArmorCode/"+config.AgentVersion)

	release, err := u.gate.Acquire(reqCtx)
	defer release()
	if err != nil {
		return "", "", err
	}
	if err := u.limiter.Throttle(reqCtx); err != nil {
		return "", "", err
	}

	resp, err := u.clients.Control.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("upload-url returned %d", resp.StatusCode)
	}

	var decoded uploadURLResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", "", err
	}
	if decoded.Data == nil {
		return "", "", fmt.Errorf("upload-url returned no data")
	}
	return decoded.Data.PutURL, decoded.Data.GetURL, nil
}

// putObject PUTs the file body to the pre-signed URL, with no auth header
// (the URL itself is the credential) and Content-Type/Content-Encoding
// copied from the target response when present (spec §6).
func (u *Uploader) putObject(ctx context.Context, putURL, path string, targetHeaders map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reqCtx, cancel := context.WithTimeout(ctx, objectPutTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, putURL, f)
	if err != nil {
		return err
	}
	if ct := headerLookup(targetHeaders, "Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if ce := headerLookup(targetHeaders, "Content-Encoding"); ce != "" {
		req.Header.Set("Content-Encoding", ce)
	}
	if strings.HasSuffix(path, ".gz") {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := u.clients.Upload.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("object PUT returned %d", resp.StatusCode)
	}
	return nil
}

func headerLookup(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// retryPost implements spec §4.4's retry schedule: 1s,2s,4s,8s,16s capped at
// 60s, with 429/504 retryable and 429's server-supplied delay honored, up to
// retryMaxAttempts tries.
func (u *Uploader) retryPost(ctx context.Context, url, contentType string, body io.Reader, timeout time.Duration) error {
	payload, err := readAllReusable(body)
	if err != nil {
		return err
	}

	delay := 1 * time.Second
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		if err := u.limiter.Throttle(ctx); err != nil {
			return err
		}
		release, err := u.gate.Acquire(ctx)
		if err != nil {
			release()
			return err
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, buildErr := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
		if buildErr != nil {
			cancel()
			release()
			return buildErr
		}
		cfg := u.cfg.Snapshot()
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
		req.Header.Set("Ac-Agent", "ArmorCode/"+config.AgentVersion)
		req.Header.Set("Content-Type", contentType)

		resp, doErr := u.clients.Upload.Do(req)
		release()
		if doErr != nil {
			cancel()
			if attempt == retryMaxAttempts-1 {
				return doErr
			}
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			delay = minDuration(delay*2, maxRateLimitRetryDelay)
			continue
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		if resp.StatusCode == http.StatusOK {
			return nil
		}
		if !isRetryableStatus(resp.StatusCode) {
			logger.Warning().Msgf("post to %s returned %d, dropping", url, resp.StatusCode)
			return fmt.Errorf("non-retryable status %d", resp.StatusCode)
		}
		if attempt == retryMaxAttempts-1 {
			return fmt.Errorf("exhausted retries, last status %d", resp.StatusCode)
		}

		wait := nextRetryDelay(resp, respBody, delay)
		if !sleepCtx(ctx, wait) {
			return ctx.Err()
		}
		delay = minDuration(delay*2, maxRateLimitRetryDelay)
	}
	return fmt.Errorf("exhausted retries")
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusGatewayTimeout
}

// nextRetryDelay picks the retry wait per spec §4.4: a concurrency-flavored
// 429 gets a uniform random [0,10)s delay; any other 429 honors
// X-Rate-Limit-Retry-After-Seconds (clamped); everything else uses the
// caller's exponential schedule.
func nextRetryDelay(resp *http.Response, body []byte, fallback time.Duration) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests {
		return fallback
	}
	if bytes.Contains(body, []byte(concurrentRetryMarker)) {
		return time.Duration(rand.Int63n(int64(maxConcurrentJitter)))
	}
	raw := resp.Header.Get("X-Rate-Limit-Retry-After-Seconds")
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if secs < 0 {
		return defaultRateLimitRetry
	}
	d := time.Duration(secs) * time.Second
	if d > maxRateLimitRetryDelay {
		return maxRateLimitRetryDelay
	}
	return d
}

func readAllReusable(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}

// writeMultipartFile builds a multipart body with a file part and a task
// JSON part (minus the body fields), matching spec §3's ArtifactUpload shape.
func writeMultipartFile(buf *bytes.Buffer, path, fileName, contentType string, result *TaskResult) (boundary string, err error) {
	w := multipart.NewWriter(buf)
	defer w.Close()

	part, err := w.CreatePart(map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName)},
		"Content-Type":        {contentType},
	})
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}

	slim := *result
	slim.Output = ""
	taskJSON, err := json.Marshal(slim)
	if err != nil {
		return "", err
	}
	taskPart, err := w.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="task"`},
		"Content-Type":        {"application/json"},
	})
	if err != nil {
		return "", err
	}
	if _, err := taskPart.Write(taskJSON); err != nil {
		return "", err
	}

	boundary = w.Boundary()
	if err := w.Close(); err != nil {
		return "", err
	}
	return boundary, nil
}

// writeMultipart is the fetch-logs-specific variant used by executor.go: the
// same file+task shape but with a fixed application/zip content type and no
// statusCode/output body (the source never posts a result for this path).
func writeMultipart(buf *bytes.Buffer, zipPath string, task *Task, contentType string) (string, error) {
	w := multipart.NewWriter(buf)
	defer w.Close()

	part, err := w.CreatePart(map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename="%s"`, filepath.Base(zipPath))},
		"Content-Type":        {contentType},
	})
	if err != nil {
		return "", err
	}
	f, err := os.Open(zipPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}

	taskJSON, err := json.Marshal(task)
	if err != nil {
		return "", err
	}
	taskPart, err := w.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="task"`},
		"Content-Type":        {"application/json"},
	})
	if err != nil {
		return "", err
	}
	if _, err := taskPart.Write(taskJSON); err != nil {
		return "", err
	}

	boundary := w.Boundary()
	return boundary, w.Close()
}
