package buffer

import (
	"bytes"
	"testing"
)

func TestChainBufferWriteReadRoundTrip(t *testing.T) {
	b := NewChainBuffer()
	defer b.Release()

	data := []byte("the quick brown fox jumps over the lazy dog")
	if n := b.Write(data); n != len(data) {
		t.Fatalf("Write = %d, want %d", n, len(data))
	}
	if got := b.Len(); got != len(data) {
		t.Fatalf("Len = %d, want %d", got, len(data))
	}

	dst := make([]byte, len(data))
	if n := b.Read(dst); n != len(data) {
		t.Fatalf("Read = %d, want %d", n, len(data))
	}
	if !bytes.Equal(dst, data) {
		t.Fatalf("Read returned %q, want %q", dst, data)
	}
	if got := b.Len(); got != 0 {
		t.Fatalf("Len after full drain = %d, want 0", got)
	}
}

func TestChainBufferSpansMultipleChunks(t *testing.T) {
	b := NewChainBuffer()
	defer b.Release()

	data := bytes.Repeat([]byte("a"), chunkSize*3+17)
	if n := b.Write(data); n != len(data) {
		t.Fatalf("Write = %d, want %d", n, len(data))
	}

	dst := make([]byte, len(data))
	if n := b.Read(dst); n != len(data) {
		t.Fatalf("Read = %d, want %d", n, len(data))
	}
	if !bytes.Equal(dst, data) {
		t.Fatal("round-tripped data across chunk boundaries does not match")
	}
}

func TestChainBufferPartialRead(t *testing.T) {
	b := NewChainBuffer()
	defer b.Release()

	b.Write([]byte("0123456789"))

	first := make([]byte, 4)
	if n := b.Read(first); n != 4 || string(first) != "0123" {
		t.Fatalf("first Read = %d %q, want 4 \"0123\"", n, first)
	}

	second := make([]byte, 6)
	if n := b.Read(second); n != 6 || string(second) != "456789" {
		t.Fatalf("second Read = %d %q, want 6 \"456789\"", n, second)
	}
}

func TestChainBufferReadEmptyReturnsZero(t *testing.T) {
	b := NewChainBuffer()
	defer b.Release()

	dst := make([]byte, 10)
	if n := b.Read(dst); n != 0 {
		t.Fatalf("Read on empty buffer = %d, want 0", n)
	}
}

func TestChainBufferWriteAfterDrainReusesChunks(t *testing.T) {
	b := NewChainBuffer()
	defer b.Release()

	round1 := bytes.Repeat([]byte("x"), chunkSize*2)
	b.Write(round1)
	b.Read(make([]byte, len(round1)))

	round2 := bytes.Repeat([]byte("y"), chunkSize*2)
	if n := b.Write(round2); n != len(round2) {
		t.Fatalf("Write after drain = %d, want %d", n, len(round2))
	}
	dst := make([]byte, len(round2))
	if n := b.Read(dst); n != len(round2) || !bytes.Equal(dst, round2) {
		t.Fatalf("second round-trip mismatch: n=%d", n)
	}
}

func TestChainBufferInterleavedWriteRead(t *testing.T) {
	b := NewChainBuffer()
	defer b.Release()

	var want bytes.Buffer
	var got bytes.Buffer

	for i := 0; i < 50; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i%26)}, 37)
		want.Write(chunk)
		b.Write(chunk)

		if i%3 == 0 {
			dst := make([]byte, 20)
			n := b.Read(dst)
			got.Write(dst[:n])
		}
	}
	remaining := make([]byte, b.Len())
	b.Read(remaining)
	got.Write(remaining)

	if !bytes.Equal(got.Bytes(), want.Bytes()) {
		t.Fatal("interleaved write/read does not preserve byte order")
	}
}

func TestVectorTicketReleaseIncoming(t *testing.T) {
	b := NewChainBuffer()
	defer b.Release()

	ticket, iovecs := b.WriteableIovecs()
	if len(iovecs) == 0 {
		t.Fatal("expected at least one iovec for free capacity")
	}

	// simulate the kernel having filled the first 10 bytes of free space
	copy(b.head.buf[b.head.writeIdx:], []byte("0123456789"))
	ticket.Release(10)

	if got := b.Len(); got != 10 {
		t.Fatalf("Len after Release(10) = %d, want 10", got)
	}
	dst := make([]byte, 10)
	b.Read(dst)
	if string(dst) != "0123456789" {
		t.Fatalf("Read after Release = %q, want \"0123456789\"", dst)
	}
}

func TestVectorTicketReleaseOutgoing(t *testing.T) {
	b := NewChainBuffer()
	defer b.Release()

	b.Write([]byte("0123456789"))

	ticket, iovecs := b.ReadableIovecs()
	if len(iovecs) == 0 {
		t.Fatal("expected at least one iovec for readable data")
	}

	ticket.Release(4) // simulate a partial write of 4 bytes to the socket

	if got := b.Len(); got != 6 {
		t.Fatalf("Len after Release(4) = %d, want 6", got)
	}
	dst := make([]byte, 6)
	b.Read(dst)
	if string(dst) != "456789" {
		t.Fatalf("remaining data = %q, want \"456789\"", dst)
	}
}
