package server

import (
	"encoding/json"

	"thesisline/internal/config"
	"thesisline/internal/domain"
)

// Request payloads

type TokenRequest struct {
	APIKey string `json:"api_key"`
}

type CreateProjectRequest struct {
	Topic         string  `json:"topic"`
	Name          *string `json:"name,omitempty"`
	CitationStyle *string `json:"citation_style,omitempty"`
	Run           *bool   `json:"run,omitempty"`
}

type CreateWebhookRequest struct {
	URL    string   `json:"url" format:"uri"`
	Secret *string  `json:"secret,omitempty"`
	Events []string `json:"events,omitempty"`
}

// Response payloads

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type ProjectResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Topic         string `json:"topic"`
	CitationStyle string `json:"citation_style"`
	Status        string `json:"status" enum:"pending,researching,outlined,writing,completed,failed"`
	StatusNote    string `json:"status_note,omitempty"`
	Owner         string `json:"owner,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type JobResponse struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Kind        string  `json:"kind"`
	Status      string  `json:"status" enum:"queued,running,done,failed"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	Error       *string `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type CreateProjectResponse struct {
	Project ProjectResponse `json:"project"`
	Job     *JobResponse    `json:"job,omitempty"`
}

type ResearchResponse struct {
	ProjectID         string `json:"project_id"`
	Summary           string `json:"summary"`
	Gaps              string `json:"gaps,omitempty"`
	Recommendations   string `json:"recommendations,omitempty"`
	TotalSourcesFound int    `json:"total_sources_found"`
	PDFSourcesCount   int    `json:"pdf_sources_count"`
	WebSourcesCount   int    `json:"web_sources_count"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

type SourceResponse struct {
	ID              string   `json:"id"`
	Position        int      `json:"position"`
	Title           string   `json:"title"`
	SourceType      string   `json:"source_type"`
	Authors         []string `json:"authors,omitempty"`
	PublicationYear *int     `json:"publication_year,omitempty"`
	URL             *string  `json:"url,omitempty"`
	DOI             *string  `json:"doi,omitempty"`
	Abstract        string   `json:"abstract,omitempty"`
	KeyFindings     string   `json:"key_findings,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	RelevanceScore  float64  `json:"relevance_score"`
	RelevanceReason string   `json:"relevance_reason,omitempty"`
	CitationText    string   `json:"citation_text,omitempty"`
}

type OutlineNodeResponse struct {
	Title       string                `json:"title"`
	SectionType string                `json:"section_type,omitempty"`
	WordCount   int                   `json:"word_count,omitempty"`
	Position    int                   `json:"position"`
	Subsections []OutlineNodeResponse `json:"subsections,omitempty"`
}

type SubsectionResponse struct {
	Title       string `json:"title"`
	SectionType string `json:"section_type,omitempty"`
	Content     string `json:"content"`
	WordCount   int    `json:"word_count"`
	Position    int    `json:"position"`
}

type SectionResponse struct {
	Title       string               `json:"title"`
	SectionType string               `json:"section_type,omitempty"`
	Content     string               `json:"content"`
	WordCount   int                  `json:"word_count"`
	Position    int                  `json:"position"`
	Subsections []SubsectionResponse `json:"subsections,omitempty"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id,omitempty"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// WebhookResponse never echoes the secret back.
type WebhookResponse struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	Events    []string `json:"events,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type ProjectConfigResponse struct {
	Provider providerConfigSection `json:"provider"`
	Pipeline pipelineConfigSection `json:"pipeline"`
	Fetch    fetchConfigSection    `json:"fetch"`
}

type providerConfigSection struct {
	BaseURL       string `json:"base_url"`
	ResearchModel string `json:"research_model"`
	OutlineModel  string `json:"outline_model"`
	WriterModel   string `json:"writer_model"`
}

type pipelineConfigSection struct {
	MinSources        int    `json:"min_sources"`
	MaxAttempts       int    `json:"max_attempts"`
	StageTimeout      string `json:"stage_timeout"`
	WriterConcurrency int    `json:"writer_concurrency"`
}

type fetchConfigSection struct {
	Timeout   string `json:"timeout"`
	MaxBytes  int64  `json:"max_bytes"`
	UserAgent string `json:"user_agent"`
}

type paginatedProjects struct {
	Items      []ProjectResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor int64           `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func jobResponse(j domain.Job) JobResponse {
	return JobResponse{
		ID:          j.ID,
		ProjectID:   j.ProjectID,
		Kind:        j.Kind,
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

func researchResponse(r domain.Research) ResearchResponse {
	return ResearchResponse{
		ProjectID:         r.ProjectID,
		Summary:           r.Summary,
		Gaps:              r.Gaps,
		Recommendations:   r.Recommendations,
		TotalSourcesFound: r.TotalSourcesFound,
		PDFSourcesCount:   r.PDFSourcesCount,
		WebSourcesCount:   r.WebSourcesCount,
		CreatedAt:         r.CreatedAt,
	}
}

func mapSources(items []domain.Source) []SourceResponse {
	res := make([]SourceResponse, 0, len(items))
	for _, s := range items {
		res = append(res, SourceResponse{
			ID:              s.ID,
			Position:        s.Position,
			Title:           s.Title,
			SourceType:      s.SourceType,
			Authors:         s.Authors,
			PublicationYear: s.PublicationYear,
			URL:             s.URL,
			DOI:             s.DOI,
			Abstract:        s.Abstract,
			KeyFindings:     s.KeyFindings,
			Summary:         s.Summary,
			RelevanceScore:  s.RelevanceScore,
			RelevanceReason: s.RelevanceReason,
			CitationText:    s.CitationText,
		})
	}
	return res
}

// outlineTree nests subsection rows under their parents. Rows arrive from
// the repo ordered by position, parents before their children.
func outlineTree(rows []domain.OutlineSection) []OutlineNodeResponse {
	tops := []OutlineNodeResponse{}
	index := map[string]int{}
	for _, row := range rows {
		node := OutlineNodeResponse{
			Title:       row.Title,
			SectionType: row.SectionType,
			WordCount:   row.WordCount,
			Position:    row.Position,
		}
		if row.ParentID == nil {
			index[row.ID] = len(tops)
			tops = append(tops, node)
			continue
		}
		if i, ok := index[*row.ParentID]; ok {
			tops[i].Subsections = append(tops[i].Subsections, node)
		}
	}
	return tops
}

// sectionTree groups written subsections under their parent's title.
func sectionTree(rows []domain.Section) []SectionResponse {
	tops := []SectionResponse{}
	index := map[string]int{}
	for _, row := range rows {
		if row.ParentTitle != "" {
			continue
		}
		index[row.Title] = len(tops)
		tops = append(tops, SectionResponse{
			Title:       row.Title,
			SectionType: row.SectionType,
			Content:     row.Content,
			WordCount:   row.WordCount,
			Position:    row.Position,
		})
	}
	for _, row := range rows {
		if row.ParentTitle == "" {
			continue
		}
		i, ok := index[row.ParentTitle]
		if !ok {
			continue
		}
		tops[i].Subsections = append(tops[i].Subsections, SubsectionResponse{
			Title:       row.Title,
			SectionType: row.SectionType,
			Content:     row.Content,
			WordCount:   row.WordCount,
			Position:    row.Position,
		})
	}
	return tops
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		ProjectID: e.ProjectID,
		ActorID:   e.ActorID,
		Payload:   decodeJSONMap(e.Payload),
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

func webhookResponse(w domain.Webhook) WebhookResponse {
	return WebhookResponse{
		ID:        w.ID,
		URL:       w.URL,
		Events:    w.Events,
		CreatedAt: w.CreatedAt,
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	return ProjectConfigResponse{
		Provider: providerConfigSection{
			BaseURL:       cfg.Provider.BaseURL,
			ResearchModel: cfg.Provider.ResearchModel,
			OutlineModel:  cfg.Provider.OutlineModel,
			WriterModel:   cfg.Provider.WriterModel,
		},
		Pipeline: pipelineConfigSection{
			MinSources:        cfg.Pipeline.MinSources,
			MaxAttempts:       cfg.Pipeline.MaxAttempts,
			StageTimeout:      cfg.Pipeline.StageTimeout.String(),
			WriterConcurrency: cfg.Pipeline.WriterConcurrency,
		},
		Fetch: fetchConfigSection{
			Timeout:   cfg.Fetch.Timeout.String(),
			MaxBytes:  cfg.Fetch.MaxBytes,
			UserAgent: cfg.Fetch.UserAgent,
		},
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
