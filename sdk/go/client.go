package thesislinesdk

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

// Client is a minimal Thesisline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Authenticate by setting APIKey,
// or call ExchangeAPIKey to trade it for a short-lived bearer token.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Topic         string `json:"topic"`
	CitationStyle string `json:"citation_style"`
	Status        string `json:"status"`
	StatusNote    string `json:"status_note,omitempty"`
	Owner         string `json:"owner,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// Job represents a queued or finished pipeline run.
type Job struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Note      string `json:"note,omitempty"`
	Attempts  int    `json:"attempts"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// CreateProjectResult pairs the new project with the job queued for it,
// when one was requested.
type CreateProjectResult struct {
	Project Project `json:"project"`
	Job     *Job    `json:"job,omitempty"`
}

// Research is the persisted research summary.
type Research struct {
	Summary           string `json:"summary"`
	Gaps              string `json:"gaps,omitempty"`
	Recommendations   string `json:"recommendations,omitempty"`
	TotalSourcesFound int    `json:"total_sources_found"`
	PDFSourcesCount   int    `json:"pdf_sources_count"`
	WebSourcesCount   int    `json:"web_sources_count"`
	CreatedAt         string `json:"created_at"`
}

// Source represents a graded research source (partial).
type Source struct {
	ID             string   `json:"id"`
	Position       int      `json:"position"`
	Title          string   `json:"title"`
	SourceType     string   `json:"source_type"`
	Authors        []string `json:"authors,omitempty"`
	URL            *string  `json:"url,omitempty"`
	DOI            *string  `json:"doi,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	RelevanceScore float64  `json:"relevance_score,omitempty"`
}

// OutlineSection is a node of the outline tree.
type OutlineSection struct {
	Title       string           `json:"title"`
	SectionType string           `json:"section_type,omitempty"`
	WordCount   int              `json:"word_count,omitempty"`
	Position    int              `json:"position"`
	Subsections []OutlineSection `json:"subsections,omitempty"`
}

// Section is a written section with its nested subsections.
type Section struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	SectionType string    `json:"section_type,omitempty"`
	Content     string    `json:"content"`
	WordCount   int       `json:"word_count"`
	Position    int       `json:"position"`
	Subsections []Section `json:"subsections,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id,omitempty"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload"`
}

// Webhook represents a registered event receiver. The secret is write-only.
type Webhook struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	Events    []string `json:"events,omitempty"`
	CreatedAt string   `json:"created_at"`
}

// Token is a bearer credential from the token exchange.
type Token struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedProjects wraps project listings with a cursor.
type PaginatedProjects struct {
	Items      []Project `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with an id cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

// ExchangeAPIKey trades the configured API key for a bearer token and
// stores it on the client for subsequent calls.
func (c *Client) ExchangeAPIKey(ctx context.Context) (Token, error) {
	body := map[string]any{"api_key": c.APIKey}
	var resp Token
	if err := c.do(ctx, http.MethodPost, "v1/auth/token", body, &resp); err != nil {
		return Token{}, err
	}
	c.BearerToken = resp.Token
	return resp, nil
}

// CreateProject holds the parameters for creating a project. Run defaults
// to true on the server; set the pointer to override.
type CreateProject struct {
	Topic         string
	Name          string
	CitationStyle string
	Run           *bool
}

// CreateProject creates a project and returns it together with the queued
// job, when a run was requested.
func (c *Client) CreateProject(ctx context.Context, req CreateProject) (CreateProjectResult, error) {
	body := map[string]any{"topic": req.Topic}
	if req.Name != "" {
		body["name"] = req.Name
	}
	if req.CitationStyle != "" {
		body["citation_style"] = req.CitationStyle
	}
	if req.Run != nil {
		body["run"] = *req.Run
	}
	var resp CreateProjectResult
	err := c.do(ctx, http.MethodPost, "v1/projects", body, &resp)
	return resp, err
}

// Projects returns the first page of the caller's projects.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	page, err := c.ProjectsPage(ctx, "", 0, "")
	return page.Items, err
}

// ProjectsPage returns a paginated project listing.
func (c *Client) ProjectsPage(ctx context.Context, status string, limit int, cursor string) (PaginatedProjects, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v1/projects"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedProjects
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(id, ""), nil, &resp)
	return resp, err
}

// DeleteProject removes a project and its artifacts.
func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.projectPath(id, ""), nil, nil)
}

// Run queues a pipeline run for the project.
func (c *Client) Run(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.projectPath(id, "run"), nil, &resp)
	return resp, err
}

// Jobs lists the project's pipeline runs, newest first.
func (c *Client) Jobs(ctx context.Context, id string) ([]Job, error) {
	var resp []Job
	err := c.do(ctx, http.MethodGet, c.projectPath(id, "jobs"), nil, &resp)
	return resp, err
}

// Research fetches the persisted research summary.
func (c *Client) Research(ctx context.Context, id string) (Research, error) {
	var resp Research
	err := c.do(ctx, http.MethodGet, c.projectPath(id, "research"), nil, &resp)
	return resp, err
}

// Sources lists the graded sources in their research order.
func (c *Client) Sources(ctx context.Context, id string) ([]Source, error) {
	var resp []Source
	err := c.do(ctx, http.MethodGet, c.projectPath(id, "sources"), nil, &resp)
	return resp, err
}

// Outline fetches the outline tree.
func (c *Client) Outline(ctx context.Context, id string) ([]OutlineSection, error) {
	var resp []OutlineSection
	err := c.do(ctx, http.MethodGet, c.projectPath(id, "outline"), nil, &resp)
	return resp, err
}

// Sections fetches the written sections with nested subsections.
func (c *Client) Sections(ctx context.Context, id string) ([]Section, error) {
	var resp []Section
	err := c.do(ctx, http.MethodGet, c.projectPath(id, "sections"), nil, &resp)
	return resp, err
}

// EventsPage returns events after the given id cursor, oldest first.
func (c *Client) EventsPage(ctx context.Context, after int64, limit int, projectID string) (PaginatedEvents, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	endpoint := "v1/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateWebhook registers an event receiver. Pass nil events to receive
// everything.
func (c *Client) CreateWebhook(ctx context.Context, hookURL, secret string, events []string) (Webhook, error) {
	body := map[string]any{"url": hookURL}
	if secret != "" {
		body["secret"] = secret
	}
	if len(events) > 0 {
		body["events"] = events
	}
	var resp Webhook
	err := c.do(ctx, http.MethodPost, "v1/webhooks", body, &resp)
	return resp, err
}

// Webhooks lists the registered receivers.
func (c *Client) Webhooks(ctx context.Context) ([]Webhook, error) {
	var resp []Webhook
	err := c.do(ctx, http.MethodGet, "v1/webhooks", nil, &resp)
	return resp, err
}

// DeleteWebhook removes a receiver.
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v1/webhooks/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(id, sub string) string {
	p := "v1/projects/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + strings.TrimLeft(sub, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
