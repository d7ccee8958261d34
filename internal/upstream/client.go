package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.trai.ch/zerr"

	"healthboard/internal/domain"
)

var (
	// ErrUnavailable covers network failures and non-2xx responses other than 404.
	ErrUnavailable = zerr.New("upstream unavailable")
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = zerr.New("upstream resource not found")
	// ErrMalformed is returned when a response body has an unexpected shape.
	ErrMalformed = zerr.New("malformed upstream response")
)

// Client is a minimal upstream task-tracking API client.
type Client struct {
	BaseURL    string
	APIKey     string
	Username   string
	Password   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, apiKey, username, password string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		Username: username,
		Password: password,
		Timeout:  15 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream %s %s: status=%d body=%s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Unwrap maps the status onto the error taxonomy.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return ErrUnavailable
}

// Request performs one call and returns the raw JSON body. An empty 2xx body
// yields a nil message.
func (c *Client) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	endpoint := c.base() + "/" + strings.TrimLeft(path, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, zerr.Wrap(err, "encode request body")
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, &buf)
	if err != nil {
		return nil, zerr.Wrap(err, "build upstream request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("apikey", c.APIKey)
	}
	if c.Username != "" || c.Password != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(ErrUnavailable, err.Error()), "path", path)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(ErrUnavailable, err.Error()), "path", path)
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, zerr.With(zerr.Wrap(ErrMalformed, "response is not json"), "path", path)
	}
	return json.RawMessage(data), nil
}

// httpClient never assigns to c; Request runs from many goroutines at once.
func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodGet, path, nil)
}

func (c *Client) put(ctx context.Context, path string, body any) error {
	_, err := c.Request(ctx, http.MethodPut, path, body)
	return err
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func idPath(format string, id int) string {
	return fmt.Sprintf(format, url.PathEscape(fmt.Sprint(id)))
}

// ListProjects returns the project list.
func (c *Client) ListProjects(ctx context.Context) ([]domain.Project, error) {
	raw, err := c.get(ctx, "/projects")
	if err != nil {
		return nil, err
	}
	return decodeList[domain.Project](raw, "projects")
}

// GetProject returns one project detail record.
func (c *Client) GetProject(ctx context.Context, id int) (domain.Project, error) {
	raw, err := c.get(ctx, idPath("/projects/%s", id))
	if err != nil {
		return domain.Project{}, err
	}
	return decodeOne[domain.Project](raw, "project")
}

// ProjectMessages returns the messages posted on a project.
func (c *Client) ProjectMessages(ctx context.Context, id int) ([]domain.Message, error) {
	raw, err := c.get(ctx, idPath("/projects/%s/messages", id))
	if err != nil {
		return nil, err
	}
	return decodeList[domain.Message](raw, "messages")
}

// ProjectTasks returns every task of a project, completed ones included.
func (c *Client) ProjectTasks(ctx context.Context, id int) ([]domain.TaskRef, error) {
	raw, err := c.get(ctx, idPath("/projects/%s/tasks", id)+"?status=all")
	if err != nil {
		return nil, err
	}
	return decodeList[domain.TaskRef](raw, "tasks")
}

func (c *Client) GetTask(ctx context.Context, id int) (domain.Task, error) {
	raw, err := c.get(ctx, idPath("/tasks/%s", id))
	if err != nil {
		return domain.Task{}, err
	}
	return decodeOne[domain.Task](raw, "task")
}

func (c *Client) TaskMessages(ctx context.Context, id int) ([]domain.Message, error) {
	raw, err := c.get(ctx, idPath("/tasks/%s/messages", id))
	if err != nil {
		return nil, err
	}
	return decodeList[domain.Message](raw, "messages")
}

// StatusOptions returns the custom project statuses.
func (c *Client) StatusOptions(ctx context.Context) ([]domain.StatusOption, error) {
	raw, err := c.get(ctx, "/settings/projects/statuses")
	if err != nil {
		return nil, err
	}
	return decodeList[domain.StatusOption](raw, "statuses", "projectstatuses")
}

func (c *Client) ProjectRequests(ctx context.Context) ([]domain.ProjectRequest, error) {
	raw, err := c.get(ctx, "/projectrequests")
	if err != nil {
		return nil, err
	}
	return decodeList[domain.ProjectRequest](raw, "projectrequests")
}

func (c *Client) GetProjectRequest(ctx context.Context, id int) (domain.ProjectRequest, error) {
	raw, err := c.get(ctx, idPath("/projectrequests/%s", id))
	if err != nil {
		return domain.ProjectRequest{}, err
	}
	return decodeOne[domain.ProjectRequest](raw, "projectrequest")
}

func (c *Client) Contacts(ctx context.Context) ([]domain.Contact, error) {
	raw, err := c.get(ctx, "/contacts")
	if err != nil {
		return nil, err
	}
	return decodeList[domain.Contact](raw, "contacts")
}

// UpdateProjectStatus sets a project's custom status.
func (c *Client) UpdateProjectStatus(ctx context.Context, id, statusID int) error {
	return c.put(ctx, idPath("/projects/%s", id), map[string]any{"statusId": statusID})
}

// UpdateTask sends a partial task update. Only non-empty fields are sent.
func (c *Client) UpdateTask(ctx context.Context, id int, fields map[string]string) error {
	body := map[string]any{}
	for k, v := range fields {
		if strings.TrimSpace(v) != "" {
			body[k] = v
		}
	}
	if len(body) == 0 {
		return zerr.With(zerr.New("task update has no fields"), "task", id)
	}
	return c.put(ctx, idPath("/tasks/%s", id), body)
}

// CompleteTask marks a task complete on date (YYYY-MM-DD).
func (c *Client) CompleteTask(ctx context.Context, id int, date string) error {
	return c.put(ctx, idPath("/tasks/%s/complete", id), map[string]any{"completedate": date})
}

func (c *Client) ReactivateTask(ctx context.Context, id int) error {
	return c.put(ctx, idPath("/tasks/%s/reactivate", id), map[string]any{})
}

// ApproveProjectRequest approves a request; body carries the assignee data.
func (c *Client) ApproveProjectRequest(ctx context.Context, id int, body map[string]any) error {
	if body == nil {
		body = map[string]any{}
	}
	return c.put(ctx, idPath("/projectrequests/%s/approve", id), body)
}

func (c *Client) DeclineProjectRequest(ctx context.Context, id int, reason string) error {
	return c.put(ctx, idPath("/projectrequests/%s/decline", id), map[string]any{"reason": reason})
}
