package handler

import (
	"net/http"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
	"github.com/ctrlf-ai/ai-gateway/internal/model"
	"github.com/ctrlf-ai/ai-gateway/internal/service"
	"github.com/ctrlf-ai/ai-gateway/internal/telemetry"
)

// validateTurn applies the request-schema checks shared by the sync and
// streaming chat endpoints.
func validateTurn(turn *model.Turn) error {
	if turn.UserID == "" {
		return apperr.Validation("user_id is required")
	}
	switch turn.UserRole {
	case model.RoleEmployee, model.RoleManager, model.RoleAdmin, model.RoleIncidentManager:
	case "":
		return apperr.Validation("user_role is required")
	default:
		return apperr.Validation("user_role must be one of EMPLOYEE, MANAGER, ADMIN, INCIDENT_MANAGER")
	}
	if turn.Channel != "" && turn.Channel != model.ChannelWeb && turn.Channel != model.ChannelMobile {
		return apperr.Validation("channel must be WEB or MOBILE")
	}
	if len(turn.Messages) == 0 {
		return apperr.Validation("messages must not be empty")
	}
	for _, m := range turn.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return apperr.Validation("message role must be user or assistant")
		}
	}
	return nil
}

// Chat handles POST /ai/chat/messages — the synchronous chat turn.
func Chat(pipeline *service.ChatPipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var turn model.Turn
		if err := decodeJSON(w, r, &turn); err != nil {
			respondError(w, err)
			return
		}
		if err := validateTurn(&turn); err != nil {
			respondError(w, err)
			return
		}

		if tc := telemetry.FromContext(r.Context()); tc != nil {
			tc.Identify(turn.ConversationID, turn.UserID, turn.Department)
		}

		answer, err := pipeline.Run(r.Context(), &turn)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, answer)
	}
}
