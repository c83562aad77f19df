package gateway

import (
	"net/http"

	"github.com/stefanodecillis/opengate/internal/models"
)

func (s *Server) handleCreateQuestion(w http.ResponseWriter, r *http.Request) {
	var input models.CreateQuestion
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	if input.Question == "" {
		writeError(w, models.ValidationErr("question text is required"))
		return
	}
	identity := identityFrom(r)
	question, pending, err := s.cfg.Store.CreateQuestion(r.Context(), r.PathValue("id"), &input, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishForTask(r, "task.question_asked", question.TaskID, identity.AuthorID(), question)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusCreated, question)
}

func (s *Server) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	questions, err := s.cfg.Store.ListQuestions(r.Context(), taskID, queryParam(r, "status"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, questions)
}

// questionForTask loads a question and checks it belongs to the task in the
// URL.
func (s *Server) questionForTask(r *http.Request) (*models.Question, error) {
	if _, err := s.cfg.Store.GetTask(r.Context(), r.PathValue("id")); err != nil {
		return nil, err
	}
	question, err := s.cfg.Store.GetQuestion(r.Context(), r.PathValue("qid"))
	if err != nil {
		return nil, err
	}
	if question.TaskID != r.PathValue("id") {
		return nil, models.NotFoundErr("question for this task")
	}
	return question, nil
}

func (s *Server) handleGetQuestion(w http.ResponseWriter, r *http.Request) {
	question, err := s.questionForTask(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, question)
}

func (s *Server) handleResolveQuestion(w http.ResponseWriter, r *http.Request) {
	var input models.ResolveQuestion
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	if input.Resolution == "" {
		writeError(w, models.ValidationErr("resolution is required"))
		return
	}
	identity := identityFrom(r)
	question, pending, err := s.cfg.Store.ResolveQuestion(r.Context(), r.PathValue("id"), r.PathValue("qid"), input.Resolution, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishForTask(r, "task.question_resolved", question.TaskID, identity.AuthorID(), question)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusOK, question)
}

func (s *Server) handleListReplies(w http.ResponseWriter, r *http.Request) {
	question, err := s.questionForTask(r)
	if err != nil {
		writeError(w, err)
		return
	}
	replies, err := s.cfg.Store.ListReplies(r.Context(), question.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replies)
}

func (s *Server) handleCreateReply(w http.ResponseWriter, r *http.Request) {
	var input models.CreateReply
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	if input.Body == "" {
		writeError(w, models.ValidationErr("reply body is required"))
		return
	}
	identity := identityFrom(r)
	reply, pending, err := s.cfg.Store.CreateReply(r.Context(), r.PathValue("id"), r.PathValue("qid"), &input, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	eventType := "task.question_replied"
	if reply.IsResolution {
		eventType = "task.question_resolved"
	}
	s.publishForTask(r, eventType, r.PathValue("id"), identity.AuthorID(), reply)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusCreated, reply)
}

func (s *Server) handleDismissQuestion(w http.ResponseWriter, r *http.Request) {
	var input models.DismissQuestion
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	if input.Reason == "" {
		writeError(w, models.ValidationErr("dismissal reason is required"))
		return
	}
	identity := identityFrom(r)
	question, pending, err := s.cfg.Store.DismissQuestion(r.Context(), r.PathValue("id"), r.PathValue("qid"), input.Reason, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishForTask(r, "task.question_dismissed", question.TaskID, identity.AuthorID(), question)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusOK, question)
}

func (s *Server) handleAssignQuestion(w http.ResponseWriter, r *http.Request) {
	var input models.AssignQuestion
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}
	identity := identityFrom(r)
	question, pending, err := s.cfg.Store.AssignQuestion(r.Context(), r.PathValue("id"), r.PathValue("qid"), &input, identity)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishForTask(r, "task.question_assigned", question.TaskID, identity.AuthorID(), question)
	s.dispatch(r, pending)
	writeJSON(w, http.StatusOK, question)
}

func (s *Server) handleMyQuestions(w http.ResponseWriter, r *http.Request) {
	identity, err := requireAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	questions, err := s.cfg.Store.QuestionsForAgent(r.Context(), identity.ID, queryParam(r, "status"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, questions)
}

func (s *Server) handleProjectQuestions(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if _, err := s.cfg.Store.GetProject(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}
	unrouted := false
	if v := queryParam(r, "unrouted"); v != nil {
		unrouted = *v == "true" || *v == "1"
	}
	questions, err := s.cfg.Store.QuestionsForProject(r.Context(), projectID, queryParam(r, "status"), unrouted)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, questions)
}
