package sigpipe

import (
	"os"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestSignalSourceDeliversThroughPipe(t *testing.T) {
	s, err := NewSignalSource()
	if err != nil {
		t.Fatalf("NewSignalSource: %v", err)
	}
	defer s.Close()

	s.Watch(syscall.SIGUSR1)

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	buf := make([]byte, 1)
	for time.Now().Before(deadline) {
		n, _ := unix.Read(int(s.ReadFd()), buf)
		if n == 1 {
			got := s.CurSignal(buf[0])
			if got != int(syscall.SIGUSR1) {
				t.Fatalf("CurSignal = %d, want %d", got, syscall.SIGUSR1)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for signal to arrive on the self-pipe")
}

func TestTickSourceArmFires(t *testing.T) {
	ts, err := NewTickSource()
	if err != nil {
		t.Fatalf("NewTickSource: %v", err)
	}
	defer ts.Close()

	if err := ts.Arm(5 * time.Millisecond); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	buf := make([]byte, 8)
	for time.Now().Before(deadline) {
		n, _ := unix.Read(int(ts.Fd()), buf)
		if n == 8 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for timerfd to fire")
}

func TestTickSourceArmZeroDisarms(t *testing.T) {
	ts, err := NewTickSource()
	if err != nil {
		t.Fatalf("NewTickSource: %v", err)
	}
	defer ts.Close()
	if err := ts.Arm(5 * time.Millisecond); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := ts.Arm(0); err != nil {
		t.Fatalf("Arm(0): %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	buf := make([]byte, 8)
	if n, _ := unix.Read(int(ts.Fd()), buf); n == 8 {
		t.Fatal("timerfd fired after Arm(0) disarmed it")
	}
}
