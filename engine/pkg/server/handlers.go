package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/walletfanout/engine/pkg/fanout"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
	"github.com/malbeclabs/walletfanout/engine/pkg/pda"
	"github.com/malbeclabs/walletfanout/engine/pkg/teardown"
	"github.com/malbeclabs/walletfanout/engine/pkg/trigger"
)

const maxRequestBody = 1 << 16

var errNotConfigured = errors.New("not configured")

type InitFanoutRequest struct {
	Name        string           `json:"name"`
	Authority   solana.PublicKey `json:"authority"`
	CronJob     solana.PublicKey `json:"cron_job"`
	Schedule    string           `json:"schedule"`
	TotalShares uint32           `json:"total_shares"`
}

type InitFanoutResponse struct {
	Address string `json:"address"`
}

type UpsertShareRequest struct {
	Wallet solana.PublicKey `json:"wallet"`
	Shares uint32           `json:"shares"`
}

type DepositRequest struct {
	Amount uint64 `json:"amount,string"`
}

type NeedsClaimResponse struct {
	Fanout     string `json:"fanout"`
	NeedsClaim bool   `json:"needs_claim"`
}

type BalancesResponse struct {
	Fanout   string               `json:"fanout"`
	Balances []fanout.MintBalance `json:"balances"`
}

type ClaimRunView struct {
	RunID   string `json:"run_id"`
	At      string `json:"at"`
	Claimed int    `json:"claimed"`
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

// ProgressEvent is one line of a teardown stream.
type ProgressEvent struct {
	Fanout    string `json:"fanout"`
	Stage     string `json:"stage"`
	Claimed   int    `json:"claimed"`
	Closed    int    `json:"closed"`
	Remaining int    `json:"remaining"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`
}

func progressEvent(p teardown.Progress) ProgressEvent {
	ev := ProgressEvent{
		Fanout:    p.Fanout.String(),
		Stage:     p.Stage.String(),
		Claimed:   p.Claimed,
		Closed:    p.Closed,
		Remaining: p.Remaining,
		Done:      p.Done,
	}
	if p.Err != nil {
		ev.Error = p.Err.Error()
	}
	return ev
}

func (s *Server) handleInitFanout(w http.ResponseWriter, r *http.Request) {
	var req InitFanoutRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.authorize(w, r, req.Authority) {
		return
	}
	addr, err := s.svc.InitFanout(r.Context(), fanout.InitFanoutRequest{
		Name:        req.Name,
		Authority:   req.Authority,
		CronJob:     req.CronJob,
		Schedule:    req.Schedule,
		TotalShares: req.TotalShares,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, InitFanoutResponse{Address: addr.String()})
}

func (s *Server) handleGetFanout(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.fanoutAddress(w, r)
	if !ok {
		return
	}
	snap, err := s.svc.Snapshot(r.Context(), addr)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.View())
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.authorizedFanout(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Reconcile(r.Context(), addr)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleNeedsClaim(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.fanoutAddress(w, r)
	if !ok {
		return
	}
	stale, err := s.svc.NeedsClaim(r.Context(), addr)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NeedsClaimResponse{Fanout: addr.String(), NeedsClaim: stale})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.fanoutAddress(w, r)
	if !ok {
		return
	}
	balances, err := s.svc.Balances(r.Context(), addr)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalancesResponse{Fanout: addr.String(), Balances: balances})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.fanoutAddress(w, r)
	if !ok {
		return
	}
	// Claims only move tokens to share holders, so anyone may run them.
	res, err := s.svc.ClaimAll(r.Context(), addr)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClaimHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotImplemented, fmt.Sprintf("claim history %v", errNotConfigured))
		return
	}
	addr, ok := s.fanoutAddress(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.cfg.History.ClaimRuns(r.Context(), addr, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]ClaimRunView, 0, len(runs))
	for _, run := range runs {
		out = append(out, ClaimRunView{
			RunID:   run.RunID.String(),
			At:      run.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			Claimed: run.Claimed,
			Skipped: run.Skipped,
			Error:   run.Error,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTeardown streams progress as newline-delimited JSON. The teardown
// runs to completion even if the client goes away.
func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.authorizedFanout(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	clientGone := false
	for p := range s.svc.Teardown(context.WithoutCancel(r.Context()), addr) {
		if clientGone {
			continue
		}
		if err := enc.Encode(progressEvent(p)); err != nil {
			s.log.Warn("server: teardown client went away", "fanout", addr, "error", err)
			clientGone = true
			continue
		}
		flusher.Flush()
	}
}

func (s *Server) handleUpsertShare(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.authorizedFanout(w, r)
	if !ok {
		return
	}
	index, ok := shareIndex(w, r)
	if !ok {
		return
	}
	var req UpsertShareRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.UpsertShare(r.Context(), addr, index, req.Wallet, req.Shares)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemoveShare(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.authorizedFanout(w, r)
	if !ok {
		return
	}
	index, ok := shareIndex(w, r)
	if !ok {
		return
	}
	if err := s.svc.RemoveShare(r.Context(), addr, index); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableMint(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.authorizedFanout(w, r)
	if !ok {
		return
	}
	mint, ok := mintParam(w, r)
	if !ok {
		return
	}
	res, err := s.svc.EnableMint(r.Context(), addr, mint)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDisableMint(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.authorizedFanout(w, r)
	if !ok {
		return
	}
	mint, ok := mintParam(w, r)
	if !ok {
		return
	}
	if err := s.svc.DisableMint(r.Context(), addr, mint); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncInflow(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.fanoutAddress(w, r)
	if !ok {
		return
	}
	mint, ok := mintParam(w, r)
	if !ok {
		return
	}
	if err := s.svc.SyncInflow(r.Context(), addr, mint); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.fanoutAddress(w, r)
	if !ok {
		return
	}
	mint, ok := mintParam(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.Deposit(r.Context(), addr, mint, req.Amount); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Notifier == nil {
		writeError(w, http.StatusNotImplemented, fmt.Sprintf("trigger listener %v", errNotConfigured))
		return
	}
	var n trigger.Notification
	if !s.decode(w, r, &n) {
		return
	}
	if n.At.IsZero() {
		n.At = s.cfg.Clock.Now()
	}
	if err := s.cfg.Notifier.Notify(n); err != nil {
		if errors.Is(err, trigger.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) fanoutAddress(w http.ResponseWriter, r *http.Request) (solana.PublicKey, bool) {
	addr, err := s.svc.Address(chi.URLParam(r, "name"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return solana.PublicKey{}, false
	}
	return addr, true
}

// authorizedFanout resolves the fanout and checks the request was signed by
// its authority.
func (s *Server) authorizedFanout(w http.ResponseWriter, r *http.Request) (solana.PublicKey, bool) {
	addr, ok := s.fanoutAddress(w, r)
	if !ok {
		return solana.PublicKey{}, false
	}
	if !s.cfg.RequireSignatures {
		return addr, true
	}
	authority, err := s.svc.Authority(r.Context(), addr)
	if err != nil {
		s.writeServiceError(w, r, err)
		return solana.PublicKey{}, false
	}
	if !s.authorize(w, r, authority) {
		return solana.PublicKey{}, false
	}
	return addr, true
}

func shareIndex(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "share index must be an unsigned 32-bit integer")
		return 0, false
	}
	return uint32(index), true
}

func mintParam(w http.ResponseWriter, r *http.Request) (solana.PublicKey, bool) {
	mint, err := solana.PublicKeyFromBase58(chi.URLParam(r, "mint"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid mint: %v", err))
		return solana.PublicKey{}, false
	}
	return mint, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pda.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvariantViolation), errors.Is(err, ledger.ErrInconsistent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("server: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.log.Debug("server: request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
