// Package scan drives the external antivirus engine against quarantined
// artifacts and classifies failures as transient or terminal.
package scan

import (
	"context"
	"io"
)

// Status of one engine verdict.
type Status string

const (
	StatusClean       Status = "clean"
	StatusInfected    Status = "infected"
	StatusUnavailable Status = "unavailable"
)

// Reason is a structured failure reason from the engine. The transient set
// is enumerated here instead of string-matching engine output.
type Reason string

const (
	ReasonTimeout           Reason = "timeout"
	ReasonConnectionRefused Reason = "connection_refused"
	ReasonUnavailable       Reason = "unavailable"
	ReasonEngineError       Reason = "engine_error"
)

// TransientReasons are retried by the job system; everything else is terminal.
var TransientReasons = map[Reason]bool{
	ReasonTimeout:           true,
	ReasonConnectionRefused: true,
	ReasonUnavailable:       true,
	ReasonEngineError:       true,
}

// Verdict is the engine's structured answer for one artifact.
type Verdict struct {
	Status    Status
	Signature string // malware signature name when infected
	Reason    Reason // set when unavailable
}

// Engine is the boundary to the external scanner process or service.
type Engine interface {
	Scan(ctx context.Context, r io.Reader) (Verdict, error)
}
