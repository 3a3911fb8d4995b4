package timeauth

import (
	"testing"
	"time"
)

func TestNewStartsUnhealthy(t *testing.T) {
	c := New(DefaultConfig())
	if c.IsHealthy() {
		t.Error("clock trusted before any check")
	}
	if c.Confidence() != ConfidenceLow {
		t.Errorf("confidence = %q, want low", c.Confidence())
	}
	if st := c.GetStatus(); st.Healthy || !st.LastCheck.IsZero() {
		t.Errorf("status = %+v", st)
	}
}

func TestNewFillsDefaults(t *testing.T) {
	c := New(Config{})
	if c.checkInterval != 300*time.Second || c.maxOffset != 5*time.Second || c.timeout != 5*time.Second {
		t.Errorf("defaults = %v %v %v", c.checkInterval, c.maxOffset, c.timeout)
	}
	if len(c.servers) == 0 {
		t.Error("no fallback server")
	}
}

func TestConfidenceTracksHealth(t *testing.T) {
	c := New(DefaultConfig())

	c.mu.Lock()
	c.healthy = true
	c.offset = 120 * time.Millisecond
	c.lastCheck = time.Now()
	c.mu.Unlock()

	if c.Confidence() != ConfidenceHigh {
		t.Errorf("confidence = %q, want high", c.Confidence())
	}
	if st := c.GetStatus(); !st.Healthy || st.Offset != 120*time.Millisecond {
		t.Errorf("status = %+v", st)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c := New(DefaultConfig())
	c.Stop()
	c.Stop()
}

func TestAbsDuration(t *testing.T) {
	if absDuration(-3*time.Second) != 3*time.Second {
		t.Error("negative offset not folded")
	}
	if absDuration(3*time.Second) != 3*time.Second {
		t.Error("positive offset altered")
	}
}
