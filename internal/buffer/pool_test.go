package buffer

import "testing"

func TestChunkPoolGetPutReuse(t *testing.T) {
	c := getChunk()
	c.writeInto([]byte("dirty"))
	putChunk(c)

	c2 := getChunk()
	if c2.readIdx != 0 || c2.writeIdx != 0 {
		t.Fatalf("pooled chunk not reset: readIdx=%d writeIdx=%d", c2.readIdx, c2.writeIdx)
	}
	if c2.next != nil {
		t.Fatalf("pooled chunk retained next pointer")
	}
}
