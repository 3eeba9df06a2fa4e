package model

// User roles accepted at the gateway boundary.
const (
	RoleEmployee        = "EMPLOYEE"
	RoleManager         = "MANAGER"
	RoleAdmin           = "ADMIN"
	RoleIncidentManager = "INCIDENT_MANAGER"
)

// Channels a turn can originate from.
const (
	ChannelWeb    = "WEB"
	ChannelMobile = "MOBILE"
)

// Domains the classifier and retrieval layer understand.
const (
	DomainPolicy    = "POLICY"
	DomainIncident  = "INCIDENT"
	DomainEducation = "EDUCATION"
	DomainGeneral   = "GENERAL"
)

// Routes the pipeline can take after classification.
const (
	RouteRagInternal     = "RAG_INTERNAL"
	RouteBackendAPI      = "BACKEND_API"
	RouteMixedBackendRag = "MIXED_BACKEND_RAG"
	RouteLLMOnly         = "LLM_ONLY"
	RouteClarify         = "CLARIFY"
	RouteSystemHelp      = "SYSTEM_HELP"
	RouteUnknown         = "UNKNOWN"
	RouteError           = "ERROR"
)

// Intents produced by the rule-based classifier.
const (
	IntentPolicyQA       = "POLICY_QA"
	IntentIncidentReport = "INCIDENT_REPORT"
	IntentEducationQA    = "EDUCATION_QA"
	IntentEduStatus      = "EDU_STATUS"
	IntentBackendStatus  = "BACKEND_STATUS"
	IntentSystemHelp     = "SYSTEM_HELP"
	IntentGeneralChat    = "GENERAL_CHAT"
	IntentUnknown        = "UNKNOWN"
)

// Message is a single chat message in a turn's history.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Turn is the full input of one chat turn. The gateway holds no state
// beyond the turn itself.
type Turn struct {
	ConversationID string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	UserRole       string    `json:"user_role"`
	Department     string    `json:"department,omitempty"`
	DomainHint     string    `json:"domain,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	Messages       []Message `json:"messages"`
}

// CurrentQuery returns the content of the last user message, or "" when
// the turn carries none.
func (t *Turn) CurrentQuery() string {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == "user" {
			return t.Messages[i].Content
		}
	}
	return ""
}

// PiiTag marks one detected entity inside masked text.
type PiiTag struct {
	Entity string `json:"entity"`
	Label  string `json:"label"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

// PiiMaskResult is the outcome of one masking pass.
type PiiMaskResult struct {
	Original string   `json:"-"` // never serialised
	Masked   string   `json:"masked"`
	HasPII   bool     `json:"has_pii"`
	Tags     []PiiTag `json:"tags,omitempty"`
}

// IntentResult is the classifier output for one query.
type IntentResult struct {
	Intent        string  `json:"intent"`
	SubIntentID   string  `json:"sub_intent_id,omitempty"`
	Domain        string  `json:"domain"`
	Route         string  `json:"route"`
	Confidence    float64 `json:"confidence"`
	NeedsClarify  bool    `json:"needs_clarify"`
	ClarifyPrompt string  `json:"clarify_prompt,omitempty"`
}

// Source is one retrieved chunk attributed to a document. Ordering is by
// descending Score.
type Source struct {
	DocID        string  `json:"doc_id"`
	Title        string  `json:"title,omitempty"`
	Page         int     `json:"page,omitempty"`
	Score        float64 `json:"score"`
	Snippet      string  `json:"snippet"`
	ArticleLabel string  `json:"article_label,omitempty"`
	ArticlePath  string  `json:"article_path,omitempty"`
	SourceType   string  `json:"source_type,omitempty"`
}

// Retriever identifiers reported in answer metadata.
const (
	RetrieverMilvus          = "MILVUS"
	RetrieverRAGFlow         = "RAGFLOW"
	RetrieverRAGFlowFallback = "RAGFLOW_FALLBACK"
	RetrieverMilvusFallback  = "MILVUS_FALLBACK"
)

// AnswerMeta carries the per-turn observability block of a ChatAnswer.
type AnswerMeta struct {
	Route            string `json:"route"`
	Intent           string `json:"intent"`
	Domain           string `json:"domain"`
	UsedModel        string `json:"used_model,omitempty"`
	RagUsed          bool   `json:"rag_used"`
	RagSourceCount   int    `json:"rag_source_count"`
	LatencyMs        int64  `json:"latency_ms"`
	RagLatencyMs     int64  `json:"rag_latency_ms,omitempty"`
	LLMLatencyMs     int64  `json:"llm_latency_ms,omitempty"`
	HasPIIInput      bool   `json:"has_pii_input"`
	HasPIIOutput     bool   `json:"has_pii_output"`
	Masked           bool   `json:"masked"`
	RagGapCandidate  bool   `json:"rag_gap_candidate"`
	RetrieverUsed    string `json:"retriever_used,omitempty"`
	ErrorType        string `json:"error_type,omitempty"`
	PersonalizationQ string `json:"personalization_q,omitempty"`
}

// ChatAnswer is the terminal output of one chat turn.
type ChatAnswer struct {
	Answer  string     `json:"answer"`
	Sources []Source   `json:"sources"`
	Meta    AnswerMeta `json:"meta"`
}
