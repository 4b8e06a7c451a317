package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/bakerst/bakerst/internal/brainerrors"
	"github.com/bakerst/bakerst/internal/scheduler"
	"github.com/bakerst/bakerst/internal/store"
)

const defaultListLimit = 50

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.ListConversations(r.Context(), defaultListLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conversations": orEmpty(conversations)})
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conversation, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	messages, err := s.store.GetMessages(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conversation,
		"messages":     orEmpty(messages),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		Status: r.URL.Query().Get("status"),
		Type:   r.URL.Query().Get("type"),
		Source: r.URL.Query().Get("source"),
		Limit:  defaultListLimit,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, brainerrors.Validationf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": orEmpty(jobs)})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	skills, err := s.store.ListSkills(r.Context(), false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"skills": orEmpty(skills)})
}

func (s *Server) handleCreateSkill(w http.ResponseWriter, r *http.Request) {
	var skill store.Skill
	if err := json.NewDecoder(r.Body).Decode(&skill); err != nil {
		s.writeError(w, brainerrors.Validationf("invalid request body: %v", err))
		return
	}
	if err := s.store.CreateSkill(r.Context(), &skill); err != nil {
		s.writeError(w, err)
		return
	}
	s.connectSkill(r.Context(), &skill)
	s.writeJSON(w, http.StatusCreated, &skill)
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	skill, err := s.store.GetSkill(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, skill)
}

func (s *Server) handleUpdateSkill(w http.ResponseWriter, r *http.Request) {
	var skill store.Skill
	if err := json.NewDecoder(r.Body).Decode(&skill); err != nil {
		s.writeError(w, brainerrors.Validationf("invalid request body: %v", err))
		return
	}
	skill.ID = r.PathValue("id")
	if err := s.store.UpdateSkill(r.Context(), &skill); err != nil {
		s.writeError(w, err)
		return
	}

	// Reconcile the live connection with the new row.
	if s.skills != nil {
		if err := s.skills.DisconnectSkill(skill.ID); err != nil {
			s.logger.Debug("skill was not connected", "skill_id", skill.ID, "error", err)
		}
	}
	s.connectSkill(r.Context(), &skill)
	s.writeJSON(w, http.StatusOK, &skill)
}

func (s *Server) handleDeleteSkill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.skills != nil {
		if err := s.skills.DisconnectSkill(id); err != nil {
			s.logger.Debug("skill was not connected", "skill_id", id, "error", err)
		}
	}
	if err := s.store.DeleteSkill(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// connectSkill connects an enabled tiered skill, logging failures instead of
// failing the request. Tier 0 skills have no server to connect.
func (s *Server) connectSkill(ctx context.Context, skill *store.Skill) {
	if s.skills == nil || !skill.Enabled || skill.Tier < 1 {
		return
	}
	if err := s.skills.ConnectAndRegister(ctx, skill); err != nil {
		s.logger.Warn("skill connection failed", "skill_id", skill.ID, "error", err)
	}
}

type scheduleRequest struct {
	Name     *string           `json:"name,omitempty"`
	Schedule *string           `json:"schedule,omitempty"`
	Type     *string           `json:"type,omitempty"`
	Config   map[string]string `json:"config,omitempty"`
	Enabled  *bool             `json:"enabled,omitempty"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.scheduler.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"schedules": orEmpty(schedules)})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, brainerrors.Validationf("invalid request body: %v", err))
		return
	}

	sched := &store.Schedule{Config: req.Config}
	if req.Name != nil {
		sched.Name = *req.Name
	}
	if req.Schedule != nil {
		sched.Schedule = *req.Schedule
	}
	if req.Type != nil {
		sched.Type = *req.Type
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}

	created, err := s.scheduler.Create(r.Context(), sched)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.scheduler.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, brainerrors.Validationf("invalid request body: %v", err))
		return
	}

	sched, err := s.scheduler.Update(r.Context(), r.PathValue("id"), scheduler.Update{
		Name:     req.Name,
		Schedule: req.Schedule,
		Type:     req.Type,
		Config:   req.Config,
		Enabled:  req.Enabled,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.scheduler.Trigger(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":  jobID,
		"status": "dispatched",
	})
}

// handleRegistrySearch proxies the upstream MCP registry search.
func (s *Server) handleRegistrySearch(w http.ResponseWriter, r *http.Request) {
	payload, err := s.registry.Search(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// orEmpty keeps list responses as [] rather than null.
func orEmpty[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
