package conn

import "testing"

func TestNewConnectionAssignsStableHandleAndID(t *testing.T) {
	c1 := NewConnection(5)
	c2 := NewConnection(5) // same fd, as the kernel might hand out after reuse

	if c1.Handle() == c2.Handle() {
		t.Fatal("expected distinct handles for connections sharing an fd")
	}
	if c1.ID() == c2.ID() {
		t.Fatal("expected distinct connection IDs")
	}
	if c1.Fd() != 5 || c2.Fd() != 5 {
		t.Fatal("Fd() should return the wrapped descriptor")
	}
}

func TestConnectionReadEmptyReturnsPeerClosed(t *testing.T) {
	c := NewConnection(1)
	dst := make([]byte, 16)
	n, err := c.Read(dst)
	if n != 0 || err != ErrPeerClosed {
		t.Fatalf("Read on empty buffer = %d, %v; want 0, ErrPeerClosed", n, err)
	}
}

func TestConnectionWriteThenReadRoundTrips(t *testing.T) {
	c := NewConnection(1)
	c.InBuffer().Write([]byte("PING"))

	dst := make([]byte, 4)
	n, err := c.Read(dst)
	if err != nil || n != 4 || string(dst) != "PING" {
		t.Fatalf("Read = %d %q %v, want 4 \"PING\" nil", n, dst, err)
	}

	n, err = c.Write([]byte("PONG"))
	if err != nil || n != 4 {
		t.Fatalf("Write = %d %v, want 4 nil", n, err)
	}
	if c.OutBuffer().Len() != 4 {
		t.Fatalf("OutBuffer().Len() = %d, want 4", c.OutBuffer().Len())
	}
}

func TestConnectionWriteZeroBytesIsNoOp(t *testing.T) {
	c := NewConnection(1)
	n, err := c.Write(nil)
	if n != 0 || err != nil {
		t.Fatalf("Write(nil) = %d %v, want 0 nil", n, err)
	}
	if c.OutBuffer().Len() != 0 {
		t.Fatal("zero-byte write should not touch the output buffer")
	}
}

func TestConnectionCloseRequested(t *testing.T) {
	c := NewConnection(1)
	if c.CloseRequested() {
		t.Fatal("new connection should not be marked for close")
	}
	c.Close()
	if !c.CloseRequested() {
		t.Fatal("Close() should mark the connection for close")
	}
}

func TestConnectionTagTransitions(t *testing.T) {
	c := NewConnection(1)
	if c.Tag() != TagEmpty {
		t.Fatalf("new connection tag = %v, want TagEmpty", c.Tag())
	}
	c.SetTag(TagRead)
	if c.Tag() != TagRead {
		t.Fatalf("Tag() = %v, want TagRead", c.Tag())
	}
}
