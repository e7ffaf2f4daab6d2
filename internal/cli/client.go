package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultAPIURL — адрес API планировщика по умолчанию.
const DefaultAPIURL = "http://localhost:8081"

// --- Response types (дублируются из api/dto.go, CLI не зависит от internal/api) ---

// StepResultResponse — результат шага из API.
type StepResultResponse struct {
	Name       string `json:"name"`
	Outcome    string `json:"outcome"`
	Attempts   int    `json:"attempts"`
	ExitCode   int    `json:"exit_code"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	OutputTail string `json:"output_tail,omitempty"`
}

// RunResponse — run из API.
type RunResponse struct {
	ID          string               `json:"id"`
	PipelineID  string               `json:"pipeline_id"`
	Trigger     string               `json:"trigger"`
	LogicalTime string               `json:"logical_time"`
	Status      string               `json:"status"`
	StartedAt   string               `json:"started_at"`
	FinishedAt  string               `json:"finished_at,omitempty"`
	DurationMs  int64                `json:"duration_ms,omitempty"`
	Steps       []StepResultResponse `json:"steps"`
	Error       string               `json:"error,omitempty"`
}

// PipelineResponse — pipeline и состояние планировщика из API.
type PipelineResponse struct {
	Spec       map[string]any `json:"spec"`
	NextDueAt  string         `json:"next_due_at,omitempty"`
	ActiveRuns int            `json:"active_runs"`
	IsLeader   bool           `json:"is_leader"`
}

// TriggerRunResponse — принятый ручной запуск.
type TriggerRunResponse struct {
	PipelineID  string `json:"pipeline_id"`
	Trigger     string `json:"trigger"`
	LogicalTime string `json:"logical_time"`
}

// --- Request types ---

// TriggerRunRequest — ручной запуск. Пустой LogicalTime — текущее время.
type TriggerRunRequest struct {
	LogicalTime string `json:"logical_time,omitempty"`
}

// ListRunsOpts — параметры фильтрации runs.
type ListRunsOpts struct {
	Status string
	Limit  int
	Offset int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для API dbtflow-scheduler.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetPipeline возвращает pipeline и состояние планировщика.
func (c *Client) GetPipeline() (*PipelineResponse, error) {
	var p PipelineResponse
	err := c.get("/api/v1/pipeline", &p)
	return &p, err
}

// ListRuns возвращает список runs с фильтрацией.
func (c *Client) ListRuns(opts ListRunsOpts) ([]RunResponse, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}

	var runs []RunResponse
	err := c.list("/api/v1/runs", params, &runs)
	return runs, err
}

// GetRun возвращает run по ID.
func (c *Client) GetRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.get("/api/v1/runs/"+url.PathEscape(id), &run)
	return &run, err
}

// TriggerRun запрашивает ручной запуск.
func (c *Client) TriggerRun(req TriggerRunRequest) (*TriggerRunResponse, error) {
	var resp TriggerRunResponse
	err := c.post("/api/v1/runs", req, &resp)
	return &resp, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
