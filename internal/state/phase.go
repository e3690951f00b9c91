package state

import (
	"errors"
	"fmt"
)

// ErrCheckpointCorrupt is returned when the persisted phase or version is
// unreadable or inconsistent. The engine refuses to guess around it.
var ErrCheckpointCorrupt = errors.New("checkpoint state corrupt")

// Phase is the durable marker recording progress through one patch.
// Exactly one phase is live at a time; PhaseNone means the pending version
// has not been started.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseExtractStart
	PhaseExtractEnd
	PhaseUpdateStart
	PhaseUpdateEnd
)

// Phase tokens as persisted. These are a compatibility contract with
// existing deployments; do not rename.
const (
	tokenExtractStart = "extract-start"
	tokenExtractEnd   = "extract-end"
	tokenUpdateStart  = "update-start"
	tokenUpdateEnd    = "update-end"
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseExtractStart:
		return tokenExtractStart
	case PhaseExtractEnd:
		return tokenExtractEnd
	case PhaseUpdateStart:
		return tokenUpdateStart
	case PhaseUpdateEnd:
		return tokenUpdateEnd
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ParsePhase maps a persisted token back to its Phase.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case tokenExtractStart:
		return PhaseExtractStart, nil
	case tokenExtractEnd:
		return PhaseExtractEnd, nil
	case tokenUpdateStart:
		return PhaseUpdateStart, nil
	case tokenUpdateEnd:
		return PhaseUpdateEnd, nil
	}
	return PhaseNone, fmt.Errorf("%w: unknown phase token %q", ErrCheckpointCorrupt, s)
}
