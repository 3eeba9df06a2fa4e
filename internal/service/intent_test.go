package service

import (
	"testing"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
)

func newTestClassifier() *Classifier {
	return NewClassifier(0.55)
}

func TestClassify_PolicyQuestion(t *testing.T) {
	c := newTestClassifier()

	result := c.Classify("연차휴가 규정 알려줘", model.RoleEmployee, model.DomainPolicy, "")

	if result.Intent != model.IntentPolicyQA {
		t.Errorf("intent = %s, want POLICY_QA", result.Intent)
	}
	if result.Route != model.RouteRagInternal {
		t.Errorf("route = %s, want RAG_INTERNAL", result.Route)
	}
	if result.NeedsClarify {
		t.Error("policy question should not need clarification")
	}
}

func TestClassify_IncidentReport(t *testing.T) {
	c := newTestClassifier()

	result := c.Classify("개인정보 유출 사고를 신고하려고 합니다", model.RoleEmployee, "", "")

	if result.Intent != model.IntentIncidentReport {
		t.Errorf("intent = %s, want INCIDENT_REPORT", result.Intent)
	}
	if result.Domain != model.DomainIncident {
		t.Errorf("domain = %s, want INCIDENT", result.Domain)
	}
	if result.Route != model.RouteMixedBackendRag {
		t.Errorf("route = %s, want MIXED_BACKEND_RAG", result.Route)
	}
}

func TestClassify_OwnLeaveBalance(t *testing.T) {
	c := newTestClassifier()

	result := c.Classify("내 연차 며칠 남았어?", model.RoleEmployee, "", "")

	if result.Intent != model.IntentBackendStatus {
		t.Errorf("intent = %s, want BACKEND_STATUS", result.Intent)
	}
	if result.SubIntentID != "Q11" {
		t.Errorf("sub_intent = %s, want Q11", result.SubIntentID)
	}
	if result.Route != model.RouteBackendAPI {
		t.Errorf("route = %s, want BACKEND_API", result.Route)
	}
}

func TestClassify_WelfarePoints(t *testing.T) {
	c := newTestClassifier()

	result := c.Classify("남은 복지포인트 알려줘", model.RoleEmployee, "", "")

	if result.SubIntentID != "Q14" {
		t.Errorf("sub_intent = %s, want Q14", result.SubIntentID)
	}
	if result.Route != model.RouteBackendAPI {
		t.Errorf("route = %s, want BACKEND_API", result.Route)
	}
}

func TestClassify_LeavePolicyWithoutPossessive(t *testing.T) {
	// The HR keyword alone is a policy question; only possessive phrasing
	// flips it to a personalised lookup.
	c := newTestClassifier()

	result := c.Classify("연차 이월 규정이 어떻게 되나요", model.RoleEmployee, "", "")

	if result.Intent != model.IntentPolicyQA {
		t.Errorf("intent = %s, want POLICY_QA", result.Intent)
	}
	if result.Route != model.RouteRagInternal {
		t.Errorf("route = %s, want RAG_INTERNAL", result.Route)
	}
}

func TestClassify_EduStatusPossessive(t *testing.T) {
	c := newTestClassifier()

	result := c.Classify("내 교육 이수율 보여줘", model.RoleEmployee, "", "")

	if result.Intent != model.IntentEduStatus {
		t.Errorf("intent = %s, want EDU_STATUS", result.Intent)
	}
	if result.Route != model.RouteBackendAPI {
		t.Errorf("route = %s, want BACKEND_API", result.Route)
	}
}

func TestClassify_EducationQuestion(t *testing.T) {
	c := newTestClassifier()

	result := c.Classify("정보보호 교육은 언제까지 들어야 하나요", model.RoleEmployee, "", "")

	if result.Intent != model.IntentEducationQA {
		t.Errorf("intent = %s, want EDUCATION_QA", result.Intent)
	}
	if result.Route != model.RouteRagInternal {
		t.Errorf("route = %s, want RAG_INTERNAL", result.Route)
	}
}

func TestClassify_SystemHelp(t *testing.T) {
	c := newTestClassifier()

	result := c.Classify("이 챗봇 사용법 알려줘", model.RoleEmployee, "", "")

	if result.Intent != model.IntentSystemHelp {
		t.Errorf("intent = %s, want SYSTEM_HELP", result.Intent)
	}
	if result.Route != model.RouteSystemHelp {
		t.Errorf("route = %s, want SYSTEM_HELP", result.Route)
	}
}

func TestClassify_SmallTalk(t *testing.T) {
	c := newTestClassifier()

	result := c.Classify("안녕하세요!", model.RoleEmployee, "", "")

	if result.Intent != model.IntentGeneralChat {
		t.Errorf("intent = %s, want GENERAL_CHAT", result.Intent)
	}
	if result.Route != model.RouteLLMOnly {
		t.Errorf("route = %s, want LLM_ONLY", result.Route)
	}
}

func TestClassify_TooShortNeedsClarify(t *testing.T) {
	c := newTestClassifier()

	result := c.Classify("뭐", model.RoleEmployee, "", "")

	if !result.NeedsClarify {
		t.Error("single-syllable query should need clarification")
	}
	if result.Route != model.RouteClarify {
		t.Errorf("route = %s, want CLARIFY", result.Route)
	}
	if result.ClarifyPrompt == "" {
		t.Error("clarify prompt must be set")
	}
}

func TestClassify_NoBareFunctionWordKeywords(t *testing.T) {
	// Keyword sets must not contain standalone common function-word
	// syllables; one bare "해" would match nearly every Korean sentence
	// and shunt policy questions off the RAG path.
	for _, set := range [][]string{incidentKeywords, eduStatusKeywords, educationKeywords, hrKeywords, systemHelpKeywords} {
		for _, kw := range set {
			if len([]rune(kw)) < 2 {
				t.Errorf("keyword %q is a single syllable", kw)
			}
		}
	}
}
