package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/quota/account"
	"github.com/xraph/quota/assistant"
	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/payment"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/referral"
)

// ──────────────────────────────────────────────────
// Request and response bodies
// ──────────────────────────────────────────────────

type ensureAccountRequest struct {
	UserID     int64  `json:"user_id"`
	ReferrerID *int64 `json:"referrer_id,omitempty"`
	// StartParam is the raw bot deep-link parameter, used when
	// ReferrerID is absent.
	StartParam string `json:"start_param,omitempty"`
}

type modeRequest struct {
	Mode account.Mode `json:"mode"`
}

type askRequest struct {
	Prompt    string `json:"prompt"`
	Image     []byte `json:"image,omitempty"`
	ImageMIME string `json:"image_mime,omitempty"`
}

type askResponse struct {
	Granted bool               `json:"granted"`
	Source  entitlement.Source `json:"source,omitempty"`
	Answer  string             `json:"answer,omitempty"`
}

type creditsRequest struct {
	Credits int64 `json:"credits"`
}

type subscriptionRequest struct {
	Plan string `json:"plan"`
}

type catalogResponse struct {
	Plans  []plan.Plan  `json:"plans"`
	TopUps []plan.TopUp `json:"top_ups"`
}

// ──────────────────────────────────────────────────
// Public
// ──────────────────────────────────────────────────

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Store().Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) catalog(w http.ResponseWriter, _ *http.Request) {
	c := s.engine.Catalog()
	respondJSON(w, http.StatusOK, catalogResponse{Plans: c.Plans(), TopUps: c.TopUps()})
}

// ──────────────────────────────────────────────────
// Accounts
// ──────────────────────────────────────────────────

func (s *Server) ensureAccount(w http.ResponseWriter, r *http.Request) {
	var req ensureAccountRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	referrer := req.ReferrerID
	if referrer == nil && req.StartParam != "" {
		if inviter, ok := referral.ParseStartParam(req.StartParam); ok {
			referrer = &inviter
		}
	}

	a, err := s.engine.EnsureAccount(r.Context(), req.UserID, referrer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) availability(w http.ResponseWriter, r *http.Request) {
	uid, ok := userParam(w, r)
	if !ok {
		return
	}
	av, err := s.engine.AvailableUnits(r.Context(), uid, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, av)
}

func (s *Server) consume(w http.ResponseWriter, r *http.Request) {
	uid, ok := userParam(w, r)
	if !ok {
		return
	}
	res, err := s.engine.TryConsume(r.Context(), uid, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Granted {
		status = http.StatusPaymentRequired
	}
	respondJSON(w, status, res)
}

func (s *Server) setMode(w http.ResponseWriter, r *http.Request) {
	uid, ok := userParam(w, r)
	if !ok {
		return
	}
	var req modeRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, err := s.engine.SetMode(r.Context(), uid, req.Mode)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) referrals(w http.ResponseWriter, r *http.Request) {
	uid, ok := userParam(w, r)
	if !ok {
		return
	}
	sum, err := s.engine.ReferralSummary(r.Context(), uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

// ask admits the request, then calls the assistant. A failed completion
// keeps the unit debited.
func (s *Server) ask(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		respondError(w, http.StatusNotImplemented, "assistant is not configured")
		return
	}
	uid, ok := userParam(w, r)
	if !ok {
		return
	}
	var req askRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" && len(req.Image) == 0 {
		respondError(w, http.StatusBadRequest, "prompt or image is required")
		return
	}

	a, err := s.engine.GetAccount(r.Context(), uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if a.Mode == account.ModePhoto && len(req.Image) == 0 {
		respondError(w, http.StatusConflict, "photo expected in photo mode")
		return
	}

	res, err := s.engine.TryConsume(r.Context(), uid, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !res.Granted {
		respondJSON(w, http.StatusPaymentRequired, askResponse{})
		return
	}

	answer, err := s.assistant.Complete(r.Context(), assistant.Request{
		Prompt:    req.Prompt,
		Image:     req.Image,
		ImageMIME: req.ImageMIME,
	})
	if err != nil {
		s.logger.Warn("api: assistant failed",
			"request_id", requestIDFrom(r.Context()),
			"user_id", uid,
			"error", err,
		)
		respondError(w, http.StatusBadGateway, "assistant unavailable")
		return
	}
	respondJSON(w, http.StatusOK, askResponse{Granted: true, Source: res.Source, Answer: answer})
}

// ──────────────────────────────────────────────────
// Payments
// ──────────────────────────────────────────────────

func (s *Server) settlePayment(w http.ResponseWriter, r *http.Request) {
	var req payment.SettleRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.engine.SettlePayment(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadySettled {
		status = http.StatusOK
	}
	respondJSON(w, status, res)
}

// ──────────────────────────────────────────────────
// Admin
// ──────────────────────────────────────────────────

func (s *Server) grantCredits(w http.ResponseWriter, r *http.Request) {
	uid, ok := userParam(w, r)
	if !ok {
		return
	}
	var req creditsRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, err := s.engine.GrantBonusCredits(r.Context(), uid, req.Credits)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) activateSubscription(w http.ResponseWriter, r *http.Request) {
	uid, ok := userParam(w, r)
	if !ok {
		return
	}
	var req subscriptionRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, err := s.engine.ActivateSubscription(r.Context(), uid, req.Plan, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.AdminStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func userParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	uid, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || uid <= 0 {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return uid, true
}
