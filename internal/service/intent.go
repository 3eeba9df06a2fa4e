package service

import (
	"strings"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
)

// Classifier maps a user query to (intent, domain, route) using
// priority-ordered keyword rules and a routing table. Optionally a
// sub-intent Q code is attached for personalised backend queries.
type Classifier struct {
	clarifyThreshold float64
}

// NewClassifier creates a Classifier with the given clarify threshold.
func NewClassifier(clarifyThreshold float64) *Classifier {
	return &Classifier{clarifyThreshold: clarifyThreshold}
}

// Keyword rule sets, highest priority first. Multi-syllable terms only:
// a standalone common function-word syllable (such as "해") in any of
// these sets shunts ordinary policy questions off the RAG path.
var (
	incidentKeywords = []string{
		"사고", "유출", "침해", "보안사고", "해킹", "랜섬웨어", "분실",
		"신고", "제보", "incident", "breach",
	}

	eduStatusKeywords = []string{
		"내 교육", "나의 교육", "내 수료", "나의 수료", "내 이수", "나의 이수",
		"내가 들은", "수강 현황", "이수율",
	}

	educationKeywords = []string{
		"교육", "훈련", "퀴즈", "수료", "이수", "강의", "학습", "시험",
	}

	hrKeywords = []string{
		"연차", "휴가", "복지", "포인트", "근태", "출퇴근", "급여", "연장근무",
		"재택", "경조", "건강검진",
	}

	systemHelpKeywords = []string{
		"사용법", "도움말", "어떻게 써", "어떻게 사용", "기능 설명", "help",
	}

	smallTalkKeywords = []string{
		"안녕", "고마워", "감사", "잘 지내", "반가워", "수고",
	}
)

// routeKey indexes the routing table.
type routeKey struct {
	role   string
	domain string
	intent string
}

// routingTable maps (role, domain, intent) to a route. The wildcard ""
// matches any role; lookups try the exact role first, then the wildcard.
var routingTable = map[routeKey]string{
	{"", model.DomainIncident, model.IntentIncidentReport}: model.RouteMixedBackendRag,
	{"", model.DomainPolicy, model.IntentPolicyQA}:         model.RouteRagInternal,
	{"", model.DomainEducation, model.IntentEducationQA}:   model.RouteRagInternal,
	{"", model.DomainEducation, model.IntentEduStatus}:     model.RouteBackendAPI,
	{"", model.DomainGeneral, model.IntentBackendStatus}:   model.RouteBackendAPI,
	{"", model.DomainGeneral, model.IntentSystemHelp}:      model.RouteSystemHelp,
	{"", model.DomainGeneral, model.IntentGeneralChat}:     model.RouteLLMOnly,
	{"", model.DomainGeneral, model.IntentUnknown}:         model.RouteUnknown,

	// Incident managers get grounded incident answers even for plain
	// policy phrasing.
	{model.RoleIncidentManager, model.DomainIncident, model.IntentPolicyQA}: model.RouteMixedBackendRag,
}

// subIntentTable maps HR keywords to personalisation Q codes (§Q1…Q20).
var subIntentTable = []struct {
	keyword string
	q       string
}{
	{"연차", "Q11"},
	{"휴가", "Q11"},
	{"복지 포인트", "Q14"},
	{"복지포인트", "Q14"},
	{"포인트", "Q14"},
	{"근태", "Q12"},
	{"출퇴근", "Q12"},
	{"연장근무", "Q13"},
	{"급여", "Q15"},
	{"재택", "Q16"},
	{"경조", "Q17"},
	{"건강검진", "Q18"},
}

const clarifyPromptKo = "질문을 조금 더 구체적으로 말씀해 주시겠어요? 예: \"연차휴가 이월 규정 알려줘\""

// Classify runs the rule chain and routing table for one query.
func (c *Classifier) Classify(query, userRole, domainHint, department string) model.IntentResult {
	q := strings.ToLower(strings.TrimSpace(query))

	intent, domain, subIntent, confidence := c.match(q, domainHint)

	route := lookupRoute(userRole, domain, intent)

	// Personalised sub-intents always resolve through the backend.
	if subIntent != "" {
		route = model.RouteBackendAPI
	}

	result := model.IntentResult{
		Intent:      intent,
		SubIntentID: subIntent,
		Domain:      domain,
		Route:       route,
		Confidence:  confidence,
	}

	if confidence < c.clarifyThreshold || intent == model.IntentUnknown {
		result.NeedsClarify = true
		result.ClarifyPrompt = clarifyPromptKo
		result.Route = model.RouteClarify
	}

	return result
}

// match applies the priority-ordered keyword rules.
func (c *Classifier) match(q, domainHint string) (intent, domain, subIntent string, confidence float64) {
	switch {
	case containsAny(q, incidentKeywords):
		return model.IntentIncidentReport, model.DomainIncident, "", 0.9

	case containsAny(q, eduStatusKeywords):
		// Possessive phrasing ("내/나의 …") signals an own-status lookup
		// rather than a question about the curriculum.
		return model.IntentEduStatus, model.DomainEducation, "", 0.85

	case containsAny(q, educationKeywords):
		return model.IntentEducationQA, model.DomainEducation, "", 0.8

	case containsAny(q, hrKeywords):
		if sub := matchSubIntent(q); sub != "" && isOwnStatusQuery(q) {
			return model.IntentBackendStatus, model.DomainGeneral, sub, 0.85
		}
		// HR keyword without possessive phrasing is a policy question.
		return model.IntentPolicyQA, model.DomainPolicy, "", 0.8

	case containsAny(q, systemHelpKeywords):
		return model.IntentSystemHelp, model.DomainGeneral, "", 0.85

	case containsAny(q, smallTalkKeywords):
		return model.IntentGeneralChat, model.DomainGeneral, "", 0.75

	case domainHint == model.DomainPolicy || domainHint == "":
		if len([]rune(q)) < 2 {
			return model.IntentUnknown, model.DomainGeneral, "", 0.2
		}
		return model.IntentPolicyQA, model.DomainPolicy, "", 0.6

	case domainHint == model.DomainEducation:
		return model.IntentEducationQA, model.DomainEducation, "", 0.6

	case domainHint == model.DomainIncident:
		return model.IntentIncidentReport, model.DomainIncident, "", 0.6
	}

	return model.IntentUnknown, model.DomainGeneral, "", 0.3
}

// isOwnStatusQuery detects possessive pronouns that indicate the user is
// asking about their own balance or record.
func isOwnStatusQuery(q string) bool {
	own := []string{"내 ", "나의 ", "제 ", "저의 ", "남은", "얼마나", "며칠", "몇 일", "몇일", "잔여"}
	return containsAny(q, own)
}

func matchSubIntent(q string) string {
	for _, e := range subIntentTable {
		if strings.Contains(q, e.keyword) {
			return e.q
		}
	}
	return ""
}

func lookupRoute(role, domain, intent string) string {
	if r, ok := routingTable[routeKey{role, domain, intent}]; ok {
		return r
	}
	if r, ok := routingTable[routeKey{"", domain, intent}]; ok {
		return r
	}
	return model.RouteUnknown
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
