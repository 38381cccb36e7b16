package models

import "testing"

func TestParseOutcomeStatus(t *testing.T) {
	cases := []struct {
		input string
		want  OutcomeStatus
		ok    bool
	}{
		{"submitted", OutcomeStatusSubmitted, true},
		{"success", OutcomeStatusSubmitted, true},
		{"OK", OutcomeStatusSubmitted, true},
		{"completed", OutcomeStatusSubmitted, true},
		{"failed", OutcomeStatusFailed, true},
		{"rejected", OutcomeStatusFailed, true},
		{"retry", OutcomeStatusRetry, true},
		{"pending_retry", OutcomeStatusRetry, true},
		{"pending", OutcomeStatusPending, true},
		{"whatever", "", false},
	}

	for _, tc := range cases {
		got, ok := ParseOutcomeStatus(tc.input)
		if ok != tc.ok {
			t.Errorf("ParseOutcomeStatus(%q) ok = %v, want %v", tc.input, ok, tc.ok)
			continue
		}
		if ok && got != tc.want {
			t.Errorf("ParseOutcomeStatus(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestNewUnitOutcome(t *testing.T) {
	o := NewUnitOutcome("job-1", "yelp.com", OutcomeStatusSubmitted, "listing #4411 created")

	if o.Key != "job-1|yelp.com" {
		t.Errorf("key = %q", o.Key)
	}
	if o.SubmittedAt == nil {
		t.Error("submitted outcome should stamp SubmittedAt")
	}

	failed := NewUnitOutcome("job-1", "yellowpages.com", OutcomeStatusFailed, "form rejected")
	if failed.SubmittedAt != nil {
		t.Error("failed outcome should not stamp SubmittedAt")
	}
}

func TestUnitOutcomeValidate(t *testing.T) {
	o := NewUnitOutcome("job-1", "yelp.com", OutcomeStatusSubmitted, "")
	if err := o.Validate(); err != nil {
		t.Fatalf("valid outcome rejected: %v", err)
	}

	o.Status = OutcomeStatus("weird")
	if err := o.Validate(); err == nil {
		t.Error("unknown status should fail validation")
	}

	empty := &UnitOutcome{JobID: "job-1", Status: OutcomeStatusPending}
	if err := empty.Validate(); err == nil {
		t.Error("missing directory should fail validation")
	}
}

func TestComputeProgress(t *testing.T) {
	cases := []struct {
		name                       string
		counts                     OutcomeCounts
		limit                      int
		wantPct, wantDone, wantBad int
	}{
		{"empty", OutcomeCounts{}, 25, 0, 0, 0},
		{"partial", OutcomeCounts{Recorded: 12, Submitted: 10, Failed: 2}, 25, 48, 10, 2},
		{"full", OutcomeCounts{Recorded: 25, Submitted: 23, Failed: 2}, 25, 100, 23, 2},
		{"overrun capped", OutcomeCounts{Recorded: 35, Submitted: 30, Failed: 5}, 25, 100, 30, 5},
		{"zero limit", OutcomeCounts{Recorded: 6, Submitted: 5, Failed: 1}, 0, 0, 5, 1},
		{"rounding", OutcomeCounts{Recorded: 1, Submitted: 1}, 3, 33, 1, 0},
		{"scenario three units", OutcomeCounts{Recorded: 3, Submitted: 2, Failed: 1}, 3, 100, 2, 1},
		// Retries advance the bar without landing in either decided bucket
		{"retries count as recorded", OutcomeCounts{Recorded: 3, Submitted: 1}, 3, 100, 1, 0},
		{"undecided only", OutcomeCounts{Recorded: 2}, 4, 50, 0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := ComputeProgress(tc.counts, tc.limit)
			if p.Percentage != tc.wantPct {
				t.Errorf("percentage = %d, want %d", p.Percentage, tc.wantPct)
			}
			if p.Completed != tc.wantDone || p.Failed != tc.wantBad {
				t.Errorf("counts = (%d,%d), want (%d,%d)", p.Completed, p.Failed, tc.wantDone, tc.wantBad)
			}
			if p.Percentage < 0 || p.Percentage > 100 {
				t.Errorf("percentage %d outside [0,100]", p.Percentage)
			}
		})
	}
}
