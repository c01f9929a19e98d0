package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/foundry/internal/failure"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/onboard"
	"github.com/seantiz/foundry/internal/secrets"
)

// createAccountRequest is the JSON body for POST /v1/accounts.
type createAccountRequest struct {
	Label       string `json:"label"`
	TokenID     string `json:"token_id"`
	TokenSecret string `json:"token_secret"`

	// Deploy starts onboarding right away. Defaults to true.
	Deploy *bool `json:"deploy"`
}

// accountView is an account with its live onboarding flag and, when it
// failed, the catalog entry for its failure.
type accountView struct {
	*model.Account
	Onboarding bool          `json:"onboarding"`
	Failure    *failure.Info `json:"failure,omitempty"`
}

func (s *Server) view(a *model.Account) accountView {
	v := accountView{Account: a, Onboarding: s.deps.Onboard.InProgress(a.ID)}
	if a.FailureType != "" {
		info := failure.Describe(failure.Parse(a.FailureType))
		v.Failure = &info
	}
	return v
}

type listAccountsResponse struct {
	Accounts []accountView `json:"accounts"`
	Total    int           `json:"total"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}
	req.Label = strings.TrimSpace(req.Label)
	if req.Label == "" || req.TokenID == "" || req.TokenSecret == "" {
		s.writeError(w, http.StatusBadRequest, failure.CodeInvalidRequest, "label, token_id and token_secret are required")
		return
	}

	id := model.NewID()
	a := &model.Account{
		ID:        id,
		Label:     req.Label,
		SecretRef: secrets.AccountRef(id),
		Status:    model.StatusPending,
	}
	creds := secrets.Credentials{TokenID: req.TokenID, TokenSecret: req.TokenSecret}
	if err := s.deps.Vault.PutCredentials(r.Context(), a.SecretRef, creds); err != nil {
		s.logger.Error("seal account credentials", "error", err)
		s.writeError(w, http.StatusInternalServerError, failure.CodeInternal, "failed to store credentials")
		return
	}
	if err := s.deps.Store.CreateAccount(r.Context(), a); err != nil {
		s.writeStoreError(w, err, "account", "create account")
		return
	}
	s.logger.Info("account created", "account_id", id, "label", a.Label)

	if req.Deploy == nil || *req.Deploy {
		if err := s.deps.Onboard.DeployAccountAsync(r.Context(), id); err != nil {
			s.logger.Error("start onboarding", "account_id", id, "error", err)
		}
	}

	created, err := s.deps.Store.GetAccount(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "account", "get account")
		return
	}
	s.writeJSON(w, http.StatusCreated, s.view(created))
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Store.ListAccounts(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "account", "list accounts")
		return
	}

	status := r.URL.Query().Get("status")
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		if status != "" && a.Status != status {
			continue
		}
		views = append(views, s.view(a))
	}
	s.writeJSON(w, http.StatusOK, listAccountsResponse{Accounts: views, Total: len(views)})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Store.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err, "account", "get account")
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(a))
}

func (s *Server) handleDeployAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.startOnboarding(w, r, id) {
		return
	}
	s.writeAccepted(w, r, id)
}

// startOnboarding schedules onboarding for id and writes the error reply
// when it cannot start.
func (s *Server) startOnboarding(w http.ResponseWriter, r *http.Request, id string) bool {
	err := s.deps.Onboard.DeployAccountAsync(r.Context(), id)
	switch {
	case err == nil:
		return true
	case errors.Is(err, onboard.ErrInProgress):
		s.writeError(w, http.StatusConflict, failure.CodeInProgress, err.Error())
	case errors.Is(err, onboard.ErrDisabled):
		s.writeError(w, http.StatusConflict, failure.CodeConflict, "account is disabled; enable it first")
	default:
		s.writeStoreError(w, err, "account", "start onboarding")
	}
	return false
}

// writeAccepted replies 202 with the current view of account id.
func (s *Server) writeAccepted(w http.ResponseWriter, r *http.Request, id string) {
	a, err := s.deps.Store.GetAccount(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "account", "get account")
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.view(a))
}

type deployAllResponse struct {
	Started []string `json:"started"`
}

func (s *Server) handleDeployAll(w http.ResponseWriter, r *http.Request) {
	started, err := s.deps.Onboard.DeployAllAccounts(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "account", "deploy accounts")
		return
	}
	if started == nil {
		started = []string{}
	}
	s.writeJSON(w, http.StatusAccepted, deployAllResponse{Started: started})
}

// handleEnableAccount returns a disabled account to pending and, unless
// ?deploy=false, starts onboarding it again.
func (s *Server) handleEnableAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.EnableAccount(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "account", "enable account")
		return
	}
	s.logger.Info("account enabled", "account_id", id)

	if r.URL.Query().Get("deploy") != "false" && !s.startOnboarding(w, r, id) {
		return
	}
	s.writeAccepted(w, r, id)
}

func (s *Server) handleDisableAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.UpdateAccountStatus(r.Context(), id, model.StatusDisabled); err != nil {
		s.writeStoreError(w, err, "account", "disable account")
		return
	}
	s.logger.Info("account disabled", "account_id", id)

	a, err := s.deps.Store.GetAccount(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "account", "get account")
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(a))
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// A run still in flight finds the record gone at its next store write
	// and stops there.
	if err := s.deps.Store.DeleteAccount(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "account", "delete account")
		return
	}
	s.logger.Info("account deleted", "account_id", id)
	w.WriteHeader(http.StatusNoContent)
}

type warmupStateResponse struct {
	AccountID string               `json:"account_id"`
	Models    []*model.WarmupState `json:"models"`
}

func (s *Server) handleGetWarmupState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetAccount(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "account", "get account")
		return
	}
	states, err := s.deps.Store.ListWarmupStates(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "account", "list warmup state")
		return
	}
	if states == nil {
		states = []*model.WarmupState{}
	}
	s.writeJSON(w, http.StatusOK, warmupStateResponse{AccountID: id, Models: states})
}

// handlePutSecret seals a shared secret. The body is {"value": "..."}.
func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if !s.decodeJSON(w, r, &req, false) {
		return
	}
	if req.Value == "" {
		s.writeError(w, http.StatusBadRequest, failure.CodeInvalidRequest, "value is required")
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.deps.Vault.Put(r.Context(), secrets.SharedRef(name), []byte(req.Value)); err != nil {
		s.logger.Error("seal shared secret", "name", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, failure.CodeInternal, "failed to store secret")
		return
	}
	s.logger.Info("shared secret stored", "name", name)
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteSecret removes a shared secret. Unknown names succeed.
func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.deps.Vault.Delete(r.Context(), secrets.SharedRef(name)); err != nil {
		s.logger.Error("delete shared secret", "name", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, failure.CodeInternal, "failed to delete secret")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
