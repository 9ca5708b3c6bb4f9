package model

import (
	"fmt"
	"slices"
)

// HloStatus is a lifecycle tag carried by actions, experiments and sequences.
// An item accumulates tags over its life; the set is ordered and non-exclusive.
type HloStatus string

const (
	StatusActive   HloStatus = "active"
	StatusFinished HloStatus = "finished"
	StatusErrored  HloStatus = "errored"
	StatusEstopped HloStatus = "estopped"
	StatusSkipped  HloStatus = "skipped"
	StatusBusy     HloStatus = "busy"
	StatusSplit    HloStatus = "split"
)

// terminalPrecedence lists terminal tags from most to least specific.
var terminalPrecedence = []HloStatus{StatusEstopped, StatusErrored, StatusSkipped, StatusFinished}

// IsTerminal reports whether s ends an item's active life.
func (s HloStatus) IsTerminal() bool {
	return slices.Contains(terminalPrecedence, s)
}

// StatusList is the ordered status history of a work item.
type StatusList []HloStatus

// Has reports whether tag s is present.
func (l StatusList) Has(s HloStatus) bool {
	return slices.Contains(l, s)
}

// With returns a copy of l with s appended, unless already present.
func (l StatusList) With(s HloStatus) StatusList {
	if l.Has(s) {
		return l
	}
	out := make(StatusList, 0, len(l)+1)
	out = append(out, l...)
	return append(out, s)
}

// Terminal reports whether any terminal tag is present.
func (l StatusList) Terminal() bool {
	for _, s := range l {
		if s.IsTerminal() {
			return true
		}
	}
	return false
}

// Category returns the most specific terminal tag, or "" while still active.
func (l StatusList) Category() HloStatus {
	for _, s := range terminalPrecedence {
		if l.Has(s) {
			return s
		}
	}
	return ""
}

// StartCondition controls when a queued action may be dispatched relative to
// other in-flight work.
type StartCondition string

const (
	NoWait          StartCondition = "no_wait"
	WaitForEndpoint StartCondition = "wait_for_endpoint"
	WaitForServer   StartCondition = "wait_for_server"
	WaitForOrch     StartCondition = "wait_for_orch"
	WaitForPrevious StartCondition = "wait_for_previous"
	WaitForAll      StartCondition = "wait_for_all"
)

// Normalize maps unknown or empty conditions to WaitForAll.
func (c StartCondition) Normalize() StartCondition {
	switch c {
	case NoWait, WaitForEndpoint, WaitForServer, WaitForOrch, WaitForPrevious, WaitForAll:
		return c
	default:
		return WaitForAll
	}
}

// ErrorCode classifies the outcome of a dispatch. Remote servers may echo
// arbitrary codes back on a finished action.
type ErrorCode string

const (
	ErrorNone          ErrorCode = "none"
	ErrorHTTP          ErrorCode = "http"
	ErrorNotAvailable  ErrorCode = "not_available"
	ErrorCritical      ErrorCode = "critical_error"
	ErrorStartTimeout  ErrorCode = "start_timeout"
	ErrorUnknownRecipe ErrorCode = "unknown_recipe"
)

// IsNone treats the empty code as none; servers are allowed to omit it.
func (e ErrorCode) IsNone() bool {
	return e == "" || e == ErrorNone
}

// Server identifies a remote action server.
type Server struct {
	Name string `json:"server_name" yaml:"name"`
	Host string `json:"hostname,omitempty" yaml:"host"`
	Port int    `json:"port,omitempty" yaml:"port"`
}

// BaseURL returns the http root of the server.
func (s Server) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", s.Host, s.Port)
}

func (s Server) String() string {
	if s.Host == "" {
		return s.Name
	}
	return fmt.Sprintf("%s@%s:%d", s.Name, s.Host, s.Port)
}
