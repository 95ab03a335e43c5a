package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/notifyd/consts"
	"github.com/migadu/notifyd/helpers"
	"github.com/migadu/notifyd/logger"
	"github.com/migadu/notifyd/mailbox"
	"github.com/migadu/notifyd/session"
)

// Request/Response types

type WaitSetAccountRequest struct {
	ID        string  `json:"id"`
	Types     string  `json:"types,omitempty"`
	Folders   []int64 `json:"folders,omitempty"`
	SyncToken int64   `json:"token,omitempty"`
}

type CreateWaitSetRequest struct {
	Types         string                  `json:"types"`
	AllAccounts   bool                    `json:"all_accounts"`
	AllowMultiple bool                    `json:"allow_multiple"`
	Accounts      []WaitSetAccountRequest `json:"accounts"`
}

type CreateWaitSetResponse struct {
	ID     string                 `json:"id"`
	Seq    string                 `json:"seq"`
	Errors []session.WaitSetError `json:"errors,omitempty"`
}

type WaitRequest struct {
	Seq     string                  `json:"seq"`
	Block   bool                    `json:"block"`
	Timeout string                  `json:"timeout,omitempty"`
	Types   string                  `json:"types,omitempty"` // interest used when an all-accounts waitset is recreated
	Add     []WaitSetAccountRequest `json:"add,omitempty"`
	Update  []WaitSetAccountRequest `json:"update,omitempty"`
	Remove  []string                `json:"remove,omitempty"`
}

type WaitResponse struct {
	ID       string                 `json:"id"`
	Seq      string                 `json:"seq"`
	Canceled bool                   `json:"canceled,omitempty"`
	Accounts []string               `json:"accounts"`
	Errors   []session.WaitSetError `json:"errors,omitempty"`
}

// toAccounts converts request members. Non-administrators may only name
// their own account; other entries are reported as PERMISSION_DENIED.
func toAccounts(auth session.AuthContext, reqs []WaitSetAccountRequest) ([]session.WaitSetAccount, []session.WaitSetError, error) {
	var (
		accounts []session.WaitSetAccount
		denied   []session.WaitSetError
	)
	for _, a := range reqs {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return nil, nil, errors.New("account id is required")
		}
		if !auth.IsAdmin && id != auth.AccountID {
			denied = append(denied, session.WaitSetError{AccountID: id, Code: session.CodePermissionDenied})
			continue
		}
		interests, err := mailbox.ParseItemTypes(a.Types)
		if err != nil {
			return nil, nil, err
		}
		accounts = append(accounts, session.WaitSetAccount{
			AccountID: id,
			Interests: interests,
			Folders:   a.Folders,
			SyncToken: a.SyncToken,
		})
	}
	return accounts, denied, nil
}

func canAccess(auth session.AuthContext, ws session.WaitSet) bool {
	if auth.IsAdmin {
		return true
	}
	return !ws.IsAllAccounts() && ws.Owner() == auth.AccountID
}

// waitSetError maps engine errors to HTTP statuses.
func (s *Server) waitSetError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consts.ErrWaitSetNotFound), errors.Is(err, consts.ErrWaitSetDestroyed):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, consts.ErrNotPermitted):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, consts.ErrInvalidSequence), errors.Is(err, consts.ErrInvalidInterest),
		errors.Is(err, consts.ErrNotAllAccounts):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, consts.ErrResyncFailed), errors.Is(err, consts.ErrResyncBufferOverflow):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		logger.Error("HTTP API: waitset operation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

func (s *Server) handleCreateWaitSet(w http.ResponseWriter, r *http.Request) {
	var req CreateWaitSetRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	auth := authContext(r)
	if req.AllAccounts && !auth.IsAdmin {
		s.writeError(w, http.StatusForbidden, "All-accounts waitsets require administrator access")
		return
	}

	interest, err := mailbox.ParseItemTypes(req.Types)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	accounts, denied, err := toAccounts(auth, req.Accounts)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ws, errs, err := s.waitsets.Create(r.Context(), session.CreateRequest{
		Owner:           ownerOf(auth),
		AllowMultiple:   req.AllowMultiple,
		DefaultInterest: interest,
		AllAccounts:     req.AllAccounts,
		Accounts:        accounts,
	})
	if err != nil {
		s.waitSetError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, CreateWaitSetResponse{
		ID:     ws.ID(),
		Seq:    ws.Info().CurrentSeqNo,
		Errors: append(denied, errs...),
	})
}

func (s *Server) handleListWaitSets(w http.ResponseWriter, r *http.Request) {
	auth := authContext(r)
	owner := r.URL.Query().Get("owner")
	if !auth.IsAdmin {
		owner = auth.AccountID
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"waitsets": s.waitsets.List(owner),
		"counts":   s.waitsets.Counts(),
	})
}

func (s *Server) handleGetWaitSet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, err := s.waitsets.Info(id)
	if err != nil {
		s.waitSetError(w, err)
		return
	}
	auth := authContext(r)
	if !auth.IsAdmin && (info.Type != "some" || info.Owner != auth.AccountID) {
		s.writeError(w, http.StatusForbidden, consts.ErrNotPermitted.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDestroyWaitSet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.waitsets.Destroy(authContext(r), id); err != nil {
		s.waitSetError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// waitTimeout returns the requested wait bounded by the configured maximum.
func (s *Server) waitTimeout(raw string) (time.Duration, error) {
	d, err := helpers.DurationOrDefault(raw, s.defaultWait)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		d = s.defaultWait
	}
	return min(d, s.maxWait), nil
}

// resolveWaitSet finds the waitset of a wait request. An all-accounts id
// that is no longer registered is recreated from the client's sequence.
func (s *Server) resolveWaitSet(ctx context.Context, auth session.AuthContext, id string, req *WaitRequest) (session.WaitSet, error) {
	ws, err := s.waitsets.Lookup(id)
	if err == nil || !errors.Is(err, consts.ErrWaitSetNotFound) || !strings.HasPrefix(id, session.AllAccountsPrefix) {
		return ws, err
	}
	if !auth.IsAdmin {
		return nil, consts.ErrNotPermitted
	}
	interest, err := mailbox.ParseItemTypes(req.Types)
	if err != nil {
		return nil, err
	}
	if interest == mailbox.TypeNone {
		interest = mailbox.TypeAll
	}
	return s.waitsets.LookupOrCreateForAllAccounts(ctx, ownerOf(auth), id, interest, req.Seq)
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	var req WaitRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	auth := authContext(r)

	timeout, err := s.waitTimeout(req.Timeout)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid timeout")
		return
	}
	add, deniedAdd, err := toAccounts(auth, req.Add)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	update, deniedUpdate, err := toAccounts(auth, req.Update)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	ws, err := s.resolveWaitSet(ctx, auth, id, &req)
	if err != nil {
		s.waitSetError(w, err)
		return
	}
	if !canAccess(auth, ws) {
		s.waitSetError(w, consts.ErrNotPermitted)
		return
	}

	cb := session.NewChanCallback()
	errs, err := ws.DoWait(ctx, cb, req.Seq, add, update, req.Remove)
	if err != nil {
		s.waitSetError(w, err)
		return
	}
	resp := WaitResponse{ID: ws.ID(), Seq: req.Seq, Accounts: []string{}}
	resp.Errors = append(append(deniedAdd, deniedUpdate...), errs...)

	var timer <-chan time.Time
	if req.Block {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	} else {
		expired := make(chan time.Time)
		close(expired)
		timer = expired
	}

	select {
	case d := <-cb.C():
		resp.fill(d)
	case <-timer:
		s.finishWait(ws, cb, &resp)
	case <-ctx.Done():
		s.finishWait(ws, cb, &resp)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// finishWait retires a callback that saw no data. A delivery that raced the
// timeout is still reported.
func (s *Server) finishWait(ws session.WaitSet, cb *session.ChanCallback, resp *WaitResponse) {
	if ws.DoneWaiting(cb) {
		return
	}
	select {
	case d := <-cb.C():
		resp.fill(d)
	default:
	}
}

func (resp *WaitResponse) fill(d session.Delivery) {
	resp.Seq = d.Seq
	resp.Canceled = d.Cancelled
	if d.Accounts != nil {
		resp.Accounts = d.Accounts
	}
}
