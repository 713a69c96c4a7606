package httpmiddleware

import (
	"testing"
	"time"
)

func TestAllow_ExhaustsBurstThenDenies(t *testing.T) {
	l := NewTokenBucket(3, 60)

	for i := 0; i < 3; i++ {
		if !l.allow("1.2.3.4") {
			t.Fatalf("request %d denied inside burst capacity", i)
		}
	}
	if l.allow("1.2.3.4") {
		t.Error("request beyond burst capacity allowed")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := NewTokenBucket(1, 60)

	if !l.allow("1.2.3.4") {
		t.Fatal("first client denied")
	}
	if l.allow("1.2.3.4") {
		t.Error("first client not limited")
	}
	if !l.allow("5.6.7.8") {
		t.Error("second client denied by first client's bucket")
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l := NewTokenBucket(1, 6000) // 100 tokens/second, refills fast enough to test
	key := "1.2.3.4"

	if !l.allow(key) {
		t.Fatal("first request denied")
	}
	if l.allow(key) {
		t.Fatal("bucket not drained")
	}

	// Backdate the bucket instead of sleeping.
	l.mu.Lock()
	l.state[key].last = l.state[key].last.Add(-time.Second)
	l.mu.Unlock()

	if !l.allow(key) {
		t.Error("bucket did not refill")
	}
}
