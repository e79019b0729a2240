package model

import (
	"errors"
	"testing"
	"time"
)

func TestCondensedSummary_Covers(t *testing.T) {
	d1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d3 := d1.AddDate(0, 0, 2)
	d5 := d1.AddDate(0, 0, 4)

	outer := NewCondensedSummary("u1", 2, "coarse", d1, d5, 10, 50, nil, nil)
	inner := NewCondensedSummary("u1", 1, "fine", d1, d3, 5, 20, nil, nil)
	disjoint := NewCondensedSummary("u1", 1, "later", d5.Add(time.Hour), d5.Add(2*time.Hour), 2, 5, nil, nil)

	if !outer.Covers(inner) {
		t.Error("expected outer period [d1,d5] to cover inner period [d1,d3]")
	}
	if outer.Covers(disjoint) {
		t.Error("expected outer not to cover a disjoint later period")
	}
	if inner.Covers(outer) {
		t.Error("expected the narrower period not to cover the wider one")
	}
}

func TestError_IsMatchesByKind(t *testing.T) {
	err := NewError(KindNotFound, "session not found")
	if !IsKind(err, KindNotFound) {
		t.Error("expected IsKind to match the same kind")
	}
	if IsKind(err, KindTransient) {
		t.Error("expected IsKind not to match a different kind")
	}

	wrapped := Wrap(KindTransient, "retrying", errors.New("connection reset"))
	if !errors.Is(wrapped, &Error{Kind: KindTransient}) {
		t.Error("expected errors.Is to match on Kind via the Is method")
	}
	if errors.Unwrap(wrapped) == nil {
		t.Error("expected Wrap to preserve the cause for Unwrap")
	}
}

func TestParseErrorPsychUpdate_CarriesParseErrorPattern(t *testing.T) {
	pu := ParseErrorPsychUpdate()
	found := false
	for _, p := range pu.DetectedPatterns {
		if p == "parse_error" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected detected patterns to include parse_error, got %v", pu.DetectedPatterns)
	}
	if pu.Confidence != 0 {
		t.Errorf("expected zero confidence on a parse-error fallback, got %v", pu.Confidence)
	}
}
