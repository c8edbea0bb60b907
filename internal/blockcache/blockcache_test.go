package blockcache

import (
	"bytes"
	"testing"
)

func TestPutGet(t *testing.T) {
	c := New(8, 64)
	k := Key{File: 1, Entry: 112, Block: 0}

	dst := make([]byte, 64)
	if _, ok := c.GetInto(k, dst); ok {
		t.Fatal("hit on an empty cache")
	}

	block := bytes.Repeat([]byte{0xAB}, 48)
	c.Put(k, block)
	block[0] = 0 // the cache must hold its own copy

	n, ok := c.GetInto(k, dst)
	if !ok || n != 48 {
		t.Fatalf("GetInto = %d, %v", n, ok)
	}
	if dst[0] != 0xAB || !bytes.Equal(dst[:n], bytes.Repeat([]byte{0xAB}, 48)) {
		t.Fatal("cached block was aliased, not copied")
	}
}

func TestOversizedBlockIgnored(t *testing.T) {
	c := New(8, 16)
	k := Key{File: 2}
	c.Put(k, make([]byte, 17))
	if _, ok := c.GetInto(k, make([]byte, 32)); ok {
		t.Fatal("oversized block was cached")
	}
}

func TestDistinctKeys(t *testing.T) {
	c := New(8, 16)
	c.Put(Key{File: 1, Entry: 10, Block: 0}, []byte{1})
	c.Put(Key{File: 1, Entry: 10, Block: 1}, []byte{2})
	c.Put(Key{File: 2, Entry: 10, Block: 0}, []byte{3})

	dst := make([]byte, 16)
	for i, k := range []Key{
		{File: 1, Entry: 10, Block: 0},
		{File: 1, Entry: 10, Block: 1},
		{File: 2, Entry: 10, Block: 0},
	} {
		n, ok := c.GetInto(k, dst)
		if !ok || n != 1 || dst[0] != byte(i+1) {
			t.Fatalf("key %v = %v %v %d", k, ok, n, dst[0])
		}
	}
}
