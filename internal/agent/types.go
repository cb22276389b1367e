// Package agent implements the seven cooperating components of spec.md §2:
// the task fetcher (C1), worker pool (C2), task executor (C3), result
// uploader (C4), rate limiter (C5, internal/ratelimit), watchdog (C6),
// metrics sink (C7, internal/metrics) and the wiring that runs them as one
// process.
package agent

import (
	"encoding/json"

	"github.com/armorcode/web-agent-go/internal/config"
)

// Task is the descriptor received from the control plane (spec §3).
type Task struct {
	TaskID         string            `json:"taskId"`
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	RequestHeaders map[string]string `json:"requestHeaders,omitempty"`
	Input          json.RawMessage   `json:"input,omitempty"`
	ExpiryTsMs     int64             `json:"expiryTsMs,omitempty"`
	GlobalConfig   *config.RawGlobalConfig `json:"globalConfig,omitempty"`
}

// TaskResult is returned to the control plane. The body carriers are
// mutually exclusive (spec invariant #4): at most one of
// {ResponseBase64+Output, ResponseZipped+S3URL} is set.
type TaskResult struct {
	TaskID          string            `json:"taskId"`
	StatusCode      int               `json:"statusCode"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`

	ResponseBase64 bool   `json:"responseBase64,omitempty"`
	Output         string `json:"output,omitempty"`

	ResponseZipped bool   `json:"responseZipped,omitempty"`
	S3URL          string `json:"s3Url,omitempty"`
}

// agentError builds the fixed-prefix TaskResult the control plane classifies
// failures from (spec §4.3 "Failure mapping", §7 taxonomy #3/#4).
func agentError(taskID string, prefix string, err error) *TaskResult {
	return &TaskResult{
		TaskID:     taskID,
		StatusCode: 500,
		Output:     prefix + err.Error(),
	}
}

func networkError(taskID string, err error) *TaskResult {
	return agentError(taskID, "Agent Side Error: Network error: ", err)
}

func internalError(taskID string, err error) *TaskResult {
	return agentError(taskID, "Agent Side Error: Error: ", err)
}

// uploadURLResponse is the decoded body of GET upload-url (spec §4.4/§6).
type uploadURLResponse struct {
	Data *struct {
		PutURL string `json:"putUrl"`
		GetURL string `json:"getUrl"`
	} `json:"data"`
}

// getTaskResponse is the decoded body of GET get-task (spec §4.1).
type getTaskResponse struct {
	Data *Task `json:"data"`
}
