package executor

import (
	"fmt"
	"time"

	"github.com/webedt/autodev/internal/config"
)

// Severity grades a validation finding.
type Severity string

const (
	SeverityNone    Severity = ""
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Validation is the verdict on one completed agent attempt.
type Validation struct {
	Valid      bool
	HasChanges bool
	Issues     []string
	Severity   Severity

	// AlreadyImplemented means a bounded read-only investigation ended
	// with no edits: evidence the requested change already exists.
	AlreadyImplemented bool
}

// ValidateResponse judges an agent attempt from its observable effort. The
// agent is expected to investigate before acting, so a no-change run with
// a modest number of tool calls counts as "already implemented", while
// zero effort or excessive unproductive effort counts as failure. A pure
// function: identical inputs always produce identical output.
func ValidateResponse(cfg config.ValidatorConfig, toolUseCount, turnCount int, hasChanges bool, duration time.Duration) Validation {
	v := Validation{Valid: true, HasChanges: hasChanges}

	if !hasChanges {
		switch {
		case toolUseCount == 0:
			v.flag(SeverityError, "agent made no tool calls and no changes")
		case toolUseCount <= cfg.InvestigationToolCalls:
			v.AlreadyImplemented = true
			v.flag(SeverityWarning, fmt.Sprintf("no changes after %d tool calls; task appears already implemented", toolUseCount))
		case toolUseCount > cfg.ExcessiveToolCalls:
			v.flag(SeverityWarning, fmt.Sprintf("no changes after %d tool calls; excessive effort without result", toolUseCount))
		default:
			v.AlreadyImplemented = true
			v.flag(SeverityWarning, fmt.Sprintf("no changes after %d tool calls; likely already implemented", toolUseCount))
		}
	}

	// Stall detection: a run this short with this little activity did not
	// do real work, whatever else it looks like.
	if duration < cfg.StallDuration && turnCount < cfg.StallTurns && toolUseCount < cfg.StallToolCalls {
		v.AlreadyImplemented = false
		severity := SeverityWarning
		if v.Severity != SeverityNone {
			severity = SeverityError
		}
		v.flag(severity, fmt.Sprintf("agent stalled: %v elapsed, %d turns, %d tool calls", duration, turnCount, toolUseCount))
	}

	return v
}

func (v *Validation) flag(severity Severity, issue string) {
	v.Issues = append(v.Issues, issue)
	if severity == SeverityError || v.Severity == SeverityError {
		v.Severity = SeverityError
	} else {
		v.Severity = SeverityWarning
	}
	v.Valid = v.Severity != SeverityError
}
