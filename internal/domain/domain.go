package domain

type Project struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Topic         string `json:"topic"`
	CitationStyle string `json:"citation_style"`
	Status        string `json:"status" enum:"pending,researching,outlined,writing,completed,failed"`
	StatusNote    string `json:"status_note,omitempty"`
	Owner         string `json:"owner"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type Source struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	Position        int      `json:"position"`
	Title           string   `json:"title"`
	SourceType      string   `json:"source_type" enum:"academic,book,article,website,report,other"`
	Authors         []string `json:"authors"`
	PublicationYear *int     `json:"publication_year,omitempty"`
	URL             *string  `json:"url,omitempty"`
	DOI             *string  `json:"doi,omitempty"`
	Abstract        string   `json:"abstract,omitempty"`
	KeyFindings     string   `json:"key_findings,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	FullContent     string   `json:"full_content,omitempty"`
	RelevanceScore  float64  `json:"relevance_score"`
	RelevanceReason string   `json:"relevance_reason,omitempty"`
	CitationText    string   `json:"citation_text,omitempty"`
}

type Research struct {
	ProjectID         string `json:"project_id"`
	Summary           string `json:"summary"`
	Gaps              string `json:"gaps,omitempty"`
	Recommendations   string `json:"recommendations,omitempty"`
	TotalSourcesFound int    `json:"total_sources_found"`
	PDFSourcesCount   int    `json:"pdf_sources_count"`
	WebSourcesCount   int    `json:"web_sources_count"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

type OutlineSection struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Title       string  `json:"title"`
	SectionType string  `json:"section_type"`
	WordCount   int     `json:"word_count"`
	Position    int     `json:"position"`
	ParentID    *string `json:"parent_id,omitempty"`
}

type Section struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	SectionType string `json:"section_type"`
	ParentTitle string `json:"parent_title,omitempty"`
	Content     string `json:"content"`
	WordCount   int    `json:"word_count"`
	Position    int    `json:"position"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Job struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Kind        string  `json:"kind"`
	Status      string  `json:"status" enum:"queued,running,done,failed"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	LeaseUntil  *string `json:"lease_until,omitempty" format:"date-time"`
	Error       *string `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Webhook struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	Secret    string   `json:"secret,omitempty"`
	Events    []string `json:"events,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}
