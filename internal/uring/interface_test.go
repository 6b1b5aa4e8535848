package uring

import "testing"

func TestStubRingSubmitAndComplete(t *testing.T) {
	ring := NewStubRing()
	defer ring.Close()

	buf := make([]byte, 16)
	if err := ring.SubmitRead(5, buf, 100); err != nil {
		t.Fatalf("SubmitRead failed: %v", err)
	}

	pending := ring.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending submission, got %d", len(pending))
	}
	if pending[0].fd != 5 || pending[0].userData != 100 {
		t.Errorf("unexpected pending submission: %+v", pending[0])
	}

	n, err := ring.FlushSubmissions()
	if err != nil {
		t.Fatalf("FlushSubmissions failed: %v", err)
	}
	if n != 1 {
		t.Errorf("FlushSubmissions = %d, want 1", n)
	}

	ring.Complete(100, 16)

	results, err := ring.Wait(0)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(results))
	}
	if results[0].UserData() != 100 {
		t.Errorf("UserData = %d, want 100", results[0].UserData())
	}
	if results[0].Value() != 16 {
		t.Errorf("Value = %d, want 16", results[0].Value())
	}
	if results[0].Error() != nil {
		t.Errorf("unexpected error: %v", results[0].Error())
	}
}

func TestStubRingCompleteErr(t *testing.T) {
	ring := NewStubRing()
	defer ring.Close()

	if err := ring.SubmitWrite(7, []byte("hi"), 200); err != nil {
		t.Fatalf("SubmitWrite failed: %v", err)
	}
	if _, err := ring.FlushSubmissions(); err != nil {
		t.Fatalf("FlushSubmissions failed: %v", err)
	}

	ring.CompleteErr(200, -1, ErrRingFull)

	results, err := ring.Wait(0)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if len(results) != 1 || results[0].Error() == nil {
		t.Fatalf("expected a failed completion, got %+v", results)
	}
}

func TestStubRingClosedRejectsSubmit(t *testing.T) {
	ring := NewStubRing()
	ring.Close()

	if err := ring.SubmitAccept(1, 1); err != ErrRingFull {
		t.Errorf("expected ErrRingFull after close, got %v", err)
	}
}

func TestFeatureDetection(t *testing.T) {
	features, err := GetFeatures()
	if err != nil {
		t.Skipf("could not probe kernel version: %v", err)
	}
	t.Logf("Features: SQE128=%t, CQE32=%t, SQPOLL=%t", features.SQE128, features.CQE32, features.SQPOLL)
}
