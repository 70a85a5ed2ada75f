package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"gridvid/internal/intake"
	"gridvid/internal/model"
	"gridvid/internal/progress"
	"gridvid/internal/runctl"
	"gridvid/internal/scheduler"
	"gridvid/internal/settings"

	"go.uber.org/zap"
)

const maxBodyBytes = 8 << 20

type badRequest struct{ err error }

func (e badRequest) Error() string { return e.err.Error() }
func (e badRequest) Unwrap() error { return e.err }

type startBatchRequest struct {
	Items           json.RawMessage `json:"items"`
	AccountIDs      []string        `json:"account_ids"`
	Concurrency     int             `json:"concurrency"`
	Policy          string          `json:"policy"`
	MaxItemAttempts int             `json:"max_item_attempts"`
}

type startBatchResponse struct {
	RunID  string        `json:"run_id"`
	Status runctl.Status `json:"status"`
}

type concurrencyRequest struct {
	Concurrency int `json:"concurrency"`
}

type eventsResponse struct {
	Counts model.Counts     `json:"counts"`
	Events []progress.Event `json:"events"`
}

func (s *Server) startBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if len(bytes.TrimSpace(req.Items)) == 0 {
		s.fail(w, badRequest{errors.New("items are required")})
		return
	}
	items, err := intake.ParseItems(bytes.NewReader(req.Items), intake.FormatJSON)
	if err != nil {
		s.fail(w, badRequest{err})
		return
	}
	if req.Concurrency < 0 {
		s.fail(w, badRequest{fmt.Errorf("concurrency must be >= 1, got %d", req.Concurrency)})
		return
	}

	start := runctl.StartRequest{Items: items, AccountIDs: req.AccountIDs, Concurrency: req.Concurrency}
	if req.Policy != "" || req.MaxItemAttempts > 0 {
		p, err := scheduler.PolicyByName(req.Policy, req.MaxItemAttempts)
		if err != nil {
			s.fail(w, badRequest{err})
			return
		}
		start.Policy = &p
	}

	if st := s.opts.Controller.Status(); st.State != scheduler.StateRunning && st.State != scheduler.StatePaused {
		s.opts.Events.Reset()
	}
	runID, err := s.opts.Controller.Start(s.opts.BaseContext, start)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startBatchResponse{RunID: runID, Status: s.opts.Controller.Status()})
}

func (s *Server) batchStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Controller.Status())
}

func (s *Server) batchItems(w http.ResponseWriter, r *http.Request) {
	mf, ok := s.opts.Controller.Manifest()
	if !ok {
		s.fail(w, runctl.ErrNoActiveBatch)
		return
	}
	writeJSON(w, http.StatusOK, mf)
}

func (s *Server) batchEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.fail(w, badRequest{fmt.Errorf("invalid limit %q", raw)})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		Counts: s.opts.Events.Counts(),
		Events: s.opts.Events.Events(limit),
	})
}

func (s *Server) pauseBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Controller.Pause(); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Controller.Status())
}

func (s *Server) resumeBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Controller.Resume(); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Controller.Status())
}

func (s *Server) stopBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Controller.Stop(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Controller.Status())
}

func (s *Server) setConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.Concurrency < 1 {
		s.fail(w, badRequest{fmt.Errorf("concurrency must be >= 1, got %d", req.Concurrency)})
		return
	}
	if err := s.opts.Controller.SetConcurrency(req.Concurrency); err != nil {
		s.fail(w, err)
		return
	}
	if s.opts.SettingsPath != "" {
		cur, err := settings.Read(s.opts.SettingsPath)
		if err == nil {
			cur.MaxConcurrency = req.Concurrency
			_, err = settings.Update(s.opts.SettingsPath, cur)
		}
		if err != nil {
			s.log.Warn("persist concurrency", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, s.opts.Controller.Status())
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	if s.opts.Accounts == nil {
		writeJSON(w, http.StatusOK, []model.Account{})
		return
	}
	list, err := s.opts.Accounts.GetAll(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest{fmt.Errorf("decode request body: %w", err)}
	}
	return nil
}

func statusFor(err error) int {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, runctl.ErrAlreadyRunning), errors.Is(err, runctl.ErrNoActiveBatch):
		return http.StatusConflict
	case errors.Is(err, model.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrNoAccounts), errors.Is(err, scheduler.ErrDuplicateItem):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
