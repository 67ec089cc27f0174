package buglinesdk

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
)

// Client is a minimal Bugline HTTP API client.
type Client struct {
	BaseURL      string
	AccessToken  string
	RefreshToken string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// User represents an account (partial).
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	IsActive bool   `json:"is_active"`
}

// Project represents a project.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"created_by"`
	IsArchived  bool   `json:"is_archived"`
}

// Issue represents a tracked issue.
type Issue struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	Status       string  `json:"status"`
	Priority     string  `json:"priority"`
	ReporterID   string  `json:"reporter_id"`
	AssigneeID   *string `json:"assignee_id,omitempty"`
	CommentCount int     `json:"comment_count"`
}

// Comment represents a comment on an issue.
type Comment struct {
	ID       string `json:"id"`
	IssueID  string `json:"issue_id"`
	AuthorID string `json:"author_id"`
	Content  string `json:"content"`
}

// Tokens is the auth token pair returned by login and refresh.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Page wraps list responses.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

// APIError wraps non-2xx responses, surfacing the envelope fields.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// Login authenticates with a username or email and stores the token pair on
// the client.
func (c *Client) Login(ctx context.Context, login, password string) (Tokens, error) {
	body := map[string]string{"username": login, "password": password}
	var resp struct {
		Tokens
		User User `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return Tokens{}, err
	}
	c.AccessToken = resp.AccessToken
	c.RefreshToken = resp.RefreshToken
	return resp.Tokens, nil
}

// Refresh rotates the stored refresh token.
func (c *Client) Refresh(ctx context.Context) (Tokens, error) {
	body := map[string]string{"refresh_token": c.RefreshToken}
	var resp Tokens
	if err := c.do(ctx, http.MethodPost, "auth/refresh", body, &resp); err != nil {
		return Tokens{}, err
	}
	c.AccessToken = resp.AccessToken
	c.RefreshToken = resp.RefreshToken
	return resp, nil
}

// Me returns the current account.
func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "auth/me", nil, &resp)
	return resp, err
}

// CreateProject creates a project.
func (c *Client) CreateProject(ctx context.Context, name, description string) (Project, error) {
	body := map[string]string{"name": name, "description": description}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

// Projects lists projects.
func (c *Client) Projects(ctx context.Context) (Page[Project], error) {
	var resp Page[Project]
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

// CreateIssue reports an issue in a project.
func (c *Client) CreateIssue(ctx context.Context, projectID, title, priority string) (Issue, error) {
	body := map[string]string{"title": title}
	if priority != "" {
		body["priority"] = priority
	}
	var resp Issue
	endpoint := fmt.Sprintf("projects/%s/issues", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Issues lists issues in a project, optionally filtered by status.
func (c *Client) Issues(ctx context.Context, projectID, status string) (Page[Issue], error) {
	endpoint := fmt.Sprintf("projects/%s/issues", url.PathEscape(projectID))
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp Page[Issue]
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetIssueStatus requests a status transition.
func (c *Client) SetIssueStatus(ctx context.Context, issueID, status string) (Issue, error) {
	body := map[string]string{"status": status}
	var resp Issue
	endpoint := fmt.Sprintf("issues/%s", url.PathEscape(issueID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// Transitions returns the valid next statuses for an issue.
func (c *Client) Transitions(ctx context.Context, issueID string) ([]string, error) {
	var resp struct {
		Transitions []string `json:"valid_transitions"`
	}
	endpoint := fmt.Sprintf("issues/%s/transitions", url.PathEscape(issueID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Transitions, err
}

// AddComment comments on an issue.
func (c *Client) AddComment(ctx context.Context, issueID, content string) (Comment, error) {
	body := map[string]string{"content": content}
	var resp Comment
	endpoint := fmt.Sprintf("issues/%s/comments", url.PathEscape(issueID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/api/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		var envelope struct {
			Error struct {
				Code      string `json:"code"`
				Message   string `json:"message"`
				RequestID string `json:"request_id"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.RequestID = envelope.Error.RequestID
		} else {
			apiErr.Message = string(b)
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
