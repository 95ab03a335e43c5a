package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/notifyd/consts"
	"github.com/migadu/notifyd/logger"
	"github.com/migadu/notifyd/mailbox"
	"github.com/migadu/notifyd/server/idgen"
	"github.com/migadu/notifyd/session"
)

const sessionPrefix = "Session-"

type ChangeJSON struct {
	ItemID   int64  `json:"item_id"`
	FolderID int64  `json:"folder_id"`
	Type     string `json:"type"`
	Op       string `json:"op"`
}

type CreateSessionRequest struct {
	Account string `json:"account"`
	Admin   bool   `json:"admin"`
}

type CreateSessionResponse struct {
	ID           string `json:"id"`
	Account      string `json:"account"`
	Type         string `json:"type"`
	LastChangeID int64  `json:"change_id"`
}

type NotificationJSON struct {
	Sequence     int          `json:"seq"`
	LastChangeID int64        `json:"change_id"`
	Changes      []ChangeJSON `json:"changes"`
}

type NotificationsResponse struct {
	Sequence      int                `json:"seq"`
	Refresh       bool               `json:"refresh"`
	LastChangeID  int64              `json:"change_id"`
	Notifications []NotificationJSON `json:"notifications"`
}

type CommitRequest struct {
	Changes []ChangeJSON `json:"changes"`
}

type CommitResponse struct {
	ChangeID int64  `json:"change_id"`
	CommitID string `json:"commit_id"`
	Types    string `json:"types"`
}

type MaintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

func toChangeJSON(changes []mailbox.Change) []ChangeJSON {
	out := make([]ChangeJSON, 0, len(changes))
	for _, c := range changes {
		out = append(out, ChangeJSON{ItemID: c.ItemID, FolderID: c.FolderID, Type: c.Type.String(), Op: c.Op.String()})
	}
	return out
}

func fromChangeJSON(changes []ChangeJSON) ([]mailbox.Change, error) {
	out := make([]mailbox.Change, 0, len(changes))
	for _, c := range changes {
		typ, err := mailbox.ParseItemTypes(c.Type)
		if err != nil {
			return nil, err
		}
		if typ == mailbox.TypeNone {
			return nil, errors.New("change type is required")
		}
		op, err := mailbox.ParseChangeOp(c.Op)
		if err != nil {
			return nil, err
		}
		out = append(out, mailbox.Change{ItemID: c.ItemID, FolderID: c.FolderID, Type: typ, Op: op})
	}
	return out, nil
}

// mailboxError maps mailbox lookup and commit errors to HTTP statuses.
func (s *Server) mailboxError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mailbox.ErrNoSuchAccount):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, mailbox.ErrWrongHost):
		s.writeError(w, http.StatusMisdirectedRequest, err.Error())
	case errors.Is(err, mailbox.ErrMaintenanceMode):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, mailbox.ErrNoChanges), errors.Is(err, consts.ErrInvalidInterest):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("HTTP API: mailbox operation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	auth := authContext(r)
	if req.Account == "" {
		req.Account = auth.AccountID
	}
	if req.Account == "" {
		s.writeError(w, http.StatusBadRequest, "Account is required")
		return
	}
	if !auth.IsAdmin && (req.Admin || req.Account != auth.AccountID) {
		s.writeError(w, http.StatusForbidden, consts.ErrNotPermitted.Error())
		return
	}

	mbox, err := s.mailboxes.GetMailboxByAccountID(r.Context(), req.Account, mailbox.FetchAutoCreate)
	if err != nil {
		s.mailboxError(w, err)
		return
	}
	typ := session.TypeClient
	if req.Admin {
		typ = session.TypeAdmin
	}
	ns := session.NewNotificationSession(idgen.New(sessionPrefix), typ, mbox, s.maxQueuedPerQueue)
	if err := s.sessions.Register(ns); err != nil {
		mbox.RemoveListener(ns)
		logger.Error("HTTP API: failed to register session", "account", req.Account, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	logger.Info("Notification session created", "session", ns.SessionID(), "account", req.Account, "type", typ.String())
	s.writeJSON(w, http.StatusCreated, CreateSessionResponse{
		ID:           ns.SessionID(),
		Account:      req.Account,
		Type:         typ.String(),
		LastChangeID: mbox.LastChangeID(),
	})
}

// lookupSession finds a notification session the caller may use.
func (s *Server) lookupSession(r *http.Request) (*session.NotificationSession, error) {
	id := mux.Vars(r)["id"]
	auth := authContext(r)
	for _, typ := range []session.Type{session.TypeClient, session.TypeAdmin} {
		found, ok := s.sessions.LookupByID(typ, id)
		if !ok {
			continue
		}
		ns, ok := found.(*session.NotificationSession)
		if !ok {
			break
		}
		if !auth.IsAdmin && (typ == session.TypeAdmin || ns.AccountID() != auth.AccountID) {
			return nil, consts.ErrNotPermitted
		}
		return ns, nil
	}
	return nil, consts.ErrSessionNotFound
}

func (s *Server) sessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, consts.ErrNotPermitted) {
		s.writeError(w, http.StatusForbidden, err.Error())
		return
	}
	s.writeError(w, http.StatusNotFound, err.Error())
}

// handleNotifications acknowledges up to ?seq= and returns the outstanding
// batches. With ?wait= it blocks until changes arrive or the wait expires.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	ns, err := s.lookupSession(r)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	q := r.URL.Query()
	seq := 0
	if raw := q.Get("seq"); raw != "" {
		if seq, err = strconv.Atoi(raw); err != nil || seq < 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid seq")
			return
		}
	}
	var wait time.Duration
	if raw := q.Get("wait"); raw != "" {
		if wait, err = s.waitTimeout(raw); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid wait")
			return
		}
	}

	res := ns.Notifications(seq)
	if wait > 0 && len(res.Batches) == 0 && !res.Refresh {
		timer := time.NewTimer(wait)
		defer timer.Stop()
	loop:
		for {
			select {
			case <-ns.Changed():
				if res = ns.Notifications(seq); len(res.Batches) > 0 || res.Refresh {
					break loop
				}
			case <-timer.C:
				break loop
			case <-r.Context().Done():
				break loop
			}
		}
	}

	resp := NotificationsResponse{
		Sequence:      res.Sequence,
		Refresh:       res.Refresh,
		LastChangeID:  res.LastChangeID,
		Notifications: make([]NotificationJSON, 0, len(res.Batches)),
	}
	for _, b := range res.Batches {
		resp.Notifications = append(resp.Notifications, NotificationJSON{
			Sequence:     b.Sequence,
			LastChangeID: b.LastChangeID,
			Changes:      toChangeJSON(b.Changes),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ns, err := s.lookupSession(r)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	s.sessions.Unregister(ns.Type(), ns.AccountID(), ns.SessionID())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !authContext(r).IsAdmin {
		s.writeError(w, http.StatusForbidden, consts.ErrNotPermitted.Error())
		return false
	}
	return true
}

// handleCommit applies a mailbox transaction, loading the mailbox first.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req CommitRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	changes, err := fromChangeJSON(req.Changes)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	mbox, err := s.mailboxes.GetMailboxByAccountID(ctx, mux.Vars(r)["account"], mailbox.FetchAutoCreate)
	if err != nil {
		s.mailboxError(w, err)
		return
	}
	res, err := mbox.Commit(ctx, changes...)
	if err != nil {
		s.mailboxError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, CommitResponse{
		ChangeID: res.ChangeID,
		CommitID: res.CommitID.String(),
		Types:    res.Types.String(),
	})
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req MaintenanceRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	account := mux.Vars(r)["account"]
	s.mailboxes.SetMaintenance(account, req.Enabled)
	logger.Info("Mailbox maintenance mode changed", "account", account, "enabled", req.Enabled)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnloadMailbox(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if !s.mailboxes.Unload(mux.Vars(r)["account"]) {
		s.writeError(w, http.StatusNotFound, "Mailbox not loaded")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
