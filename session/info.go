package session

import (
	"sort"
	"time"
)

const (
	kindSome = "some"
	kindAll  = "all"
)

// Info is the diagnostic view of a waitset.
type Info struct {
	ID              string           `json:"id"`
	Owner           string           `json:"owner"`
	Type            string           `json:"type"`
	DefaultInterest string           `json:"default_interest"`
	CurrentSeqNo    string           `json:"current_seq"`
	NextSeqNo       string           `json:"next_seq"`
	CallbackSeqNo   string           `json:"callback_seq,omitempty"`
	HasCallback     bool             `json:"has_callback"`
	LastAccessed    time.Time        `json:"last_accessed"`
	Signalled       []string         `json:"signalled"`
	Sent            []string         `json:"sent"`
	Accounts        []AccountInfo    `json:"accounts,omitempty"`
	Buffering       bool             `json:"buffering,omitempty"`
	Buffered        []BufferedCommit `json:"buffered,omitempty"`
}

// AccountInfo describes one member of a some-accounts waitset.
type AccountInfo struct {
	AccountID  string  `json:"account_id"`
	Interests  string  `json:"interests"`
	Folders    []int64 `json:"folders,omitempty"`
	SyncToken  int64   `json:"sync_token,omitempty"`
	HasSession bool    `json:"has_session"`
}

func sortAccountInfo(accounts []AccountInfo) {
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].AccountID < accounts[j].AccountID })
}
