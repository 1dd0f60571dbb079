package executor

import (
	"reflect"
	"testing"
	"time"

	"github.com/webedt/autodev/internal/config"
)

func defaultThresholds() config.ValidatorConfig {
	return config.DefaultConfig().Validator
}

func TestValidateResponseDecisionTable(t *testing.T) {
	cfg := defaultThresholds()
	longEnough := 30 * time.Second

	tests := []struct {
		name        string
		toolUse     int
		turns       int
		hasChanges  bool
		duration    time.Duration
		wantSev     Severity
		wantAlready bool
		wantValid   bool
	}{
		{"changes made", 12, 6, true, longEnough, SeverityNone, false, true},
		{"zero effort no changes", 0, 3, false, 10 * time.Second, SeverityError, false, false},
		{"bounded investigation", 5, 5, false, longEnough, SeverityWarning, true, true},
		{"investigation at boundary", 15, 5, false, longEnough, SeverityWarning, true, true},
		{"middle band still counts", 20, 8, false, longEnough, SeverityWarning, true, true},
		{"boundary of excessive", 30, 8, false, longEnough, SeverityWarning, true, true},
		{"excessive effort", 40, 10, false, longEnough, SeverityWarning, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ValidateResponse(cfg, tt.toolUse, tt.turns, tt.hasChanges, tt.duration)
			if v.Severity != tt.wantSev {
				t.Errorf("Severity = %q, want %q", v.Severity, tt.wantSev)
			}
			if v.AlreadyImplemented != tt.wantAlready {
				t.Errorf("AlreadyImplemented = %v, want %v", v.AlreadyImplemented, tt.wantAlready)
			}
			if v.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v", v.Valid, tt.wantValid)
			}
			if v.HasChanges != tt.hasChanges {
				t.Errorf("HasChanges = %v", v.HasChanges)
			}
		})
	}
}

func TestValidateResponseStallDetection(t *testing.T) {
	cfg := defaultThresholds()

	// A short run with almost no activity is a stall even when it claims
	// changes were made.
	v := ValidateResponse(cfg, 1, 1, true, 2*time.Second)
	if v.Severity != SeverityWarning {
		t.Errorf("Severity = %q, want warning", v.Severity)
	}
	if v.AlreadyImplemented {
		t.Error("stalled run must not count as already implemented")
	}

	// Stall on top of a no-change finding escalates to error.
	v = ValidateResponse(cfg, 1, 1, false, 2*time.Second)
	if v.Severity != SeverityError {
		t.Errorf("Severity = %q, want error after escalation", v.Severity)
	}
	if v.AlreadyImplemented {
		t.Error("alreadyImplemented must be forced false on stall")
	}
	if v.Valid {
		t.Error("escalated stall should be invalid")
	}
}

func TestValidateResponseIsPure(t *testing.T) {
	cfg := defaultThresholds()
	a := ValidateResponse(cfg, 5, 5, false, 30*time.Second)
	b := ValidateResponse(cfg, 5, 5, false, 30*time.Second)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("identical inputs diverged: %+v vs %+v", a, b)
	}
}

func TestValidateResponseConfigurableThresholds(t *testing.T) {
	cfg := defaultThresholds()
	cfg.InvestigationToolCalls = 2
	cfg.ExcessiveToolCalls = 4

	v := ValidateResponse(cfg, 5, 5, false, 30*time.Second)
	if v.AlreadyImplemented {
		t.Error("5 tool calls should be excessive with a lowered threshold")
	}
}
