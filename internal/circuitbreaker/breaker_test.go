package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_ClosedAllows(t *testing.T) {
	b := New("stripe", 3, 100*time.Millisecond)
	if !b.Allow() {
		t.Fatal("closed circuit must allow")
	}
	if b.State() != StateClosed {
		t.Fatalf("State() = %v, want StateClosed", b.State())
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := New("stripe", 3, 100*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("circuit must stay closed below the threshold")
	}

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("circuit must open at the threshold")
	}
	if b.State() != StateOpen {
		t.Fatalf("State() = %v, want StateOpen", b.State())
	}
}

func TestBreaker_CooldownAdmitsSingleProbe(t *testing.T) {
	b := New("stripe", 2, 50*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("circuit should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("cooldown elapsed, probe should be admitted")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("State() = %v, want StateHalfOpen", b.State())
	}
	if b.Allow() {
		t.Fatal("only one probe may be in flight")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := New("stripe", 2, 50*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	b.Allow() // admit the probe

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("State() = %v, want StateClosed after recovery", b.State())
	}
	if !b.Allow() {
		t.Fatal("recovered circuit must allow")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := New("stripe", 2, 50*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	b.Allow() // admit the probe

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("State() = %v, want StateOpen after failed probe", b.State())
	}
	if b.Allow() {
		t.Fatal("reopened circuit must reject until the next cooldown")
	}
}

func TestBreaker_SuccessResetsFailureRun(t *testing.T) {
	b := New("stripe", 3, 100*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("a success should have reset the failure run")
	}
}

func TestBreaker_Defaults(t *testing.T) {
	b := New("stripe", 0, 0)
	if b.threshold != 5 {
		t.Errorf("default threshold = %d, want 5", b.threshold)
	}
	if b.cooldown != 30*time.Second {
		t.Errorf("default cooldown = %v, want 30s", b.cooldown)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
