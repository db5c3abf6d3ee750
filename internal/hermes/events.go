package hermes

import "time"

// Subjects published or consumed by the service.
const (
	SubjectAnalysisRequested = "swarm.spotlight.analysis.requested"
	SubjectAnalysisStarted   = "swarm.spotlight.analysis.started"
	SubjectAnalysisProgress  = "swarm.spotlight.analysis.progress"
	SubjectAnalysisCompleted = "swarm.spotlight.analysis.completed"
	SubjectAnalysisFailed    = "swarm.spotlight.analysis.failed"
	SubjectAnalysisCancelled = "swarm.spotlight.analysis.cancelled"

	SubjectAgentRegistered = "swarm.agent.spotlight.registered"
)

// AnalysisRequested asks the service to start a run. Target and Method use
// their text names; empty values take the defaults.
type AnalysisRequested struct {
	RequestID string `json:"request_id,omitempty"`
	User      string `json:"user"`
	System    string `json:"system,omitempty"`
	Target    string `json:"target,omitempty"`
	Method    string `json:"method,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type AnalysisStarted struct {
	AnalysisID string    `json:"analysis_id"`
	RequestID  string    `json:"request_id,omitempty"`
	Method     string    `json:"method"`
	Target     string    `json:"target"`
	Phrases    int       `json:"phrases"`
	Budget     int       `json:"budget"`
	StartedAt  time.Time `json:"started_at"`
}

type AnalysisProgress struct {
	AnalysisID string `json:"analysis_id"`
	Completed  int    `json:"completed"`
	Total      int    `json:"total"`
}

// PhraseScore is one entry of a completed analysis summary.
type PhraseScore struct {
	Index      int     `json:"index"`
	Text       string  `json:"text"`
	Raw        float64 `json:"raw"`
	Normalized float64 `json:"normalized"`
	Failed     bool    `json:"failed,omitempty"`
}

type AnalysisCompleted struct {
	AnalysisID   string        `json:"analysis_id"`
	RequestID    string        `json:"request_id,omitempty"`
	Calls        int           `json:"calls"`
	FailedProbes int           `json:"failed_probes"`
	DurationMS   int64         `json:"duration_ms"`
	Scores       []PhraseScore `json:"scores"`
}

type AnalysisFailed struct {
	AnalysisID string `json:"analysis_id"`
	RequestID  string `json:"request_id,omitempty"`
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
}

type AnalysisCancelled struct {
	AnalysisID string `json:"analysis_id"`
	RequestID  string `json:"request_id,omitempty"`
	Completed  int    `json:"completed"`
	Total      int    `json:"total"`
}
