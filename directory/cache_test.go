package directory

import (
	"testing"

	"github.com/veilrelay/veilrelay/descriptor"
)

func TestCacheRoundTrip(t *testing.T) {
	key, err := DeriveCacheKey([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	c := &Cache{Dir: t.TempDir(), Key: key}

	relays := []descriptor.RelayDescriptor{
		{Nickname: "r1", Socket: "10.0.0.1:9001"},
		{Nickname: "r2", Socket: "10.0.0.2:9001"},
	}
	if err := c.SaveRelays(relays); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.LoadRelays()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || len(got) != 2 || got[0].Nickname != "r1" {
		t.Fatalf("got %+v, ok=%v", got, ok)
	}
}

func TestCacheWrongKeyFails(t *testing.T) {
	key, _ := DeriveCacheKey([]byte("secret-a"))
	dir := t.TempDir()
	c := &Cache{Dir: dir, Key: key}
	if err := c.SaveRelays([]descriptor.RelayDescriptor{{Nickname: "r1"}}); err != nil {
		t.Fatal(err)
	}

	wrongKey, _ := DeriveCacheKey([]byte("secret-b"))
	c2 := &Cache{Dir: dir, Key: wrongKey}
	if _, _, err := c2.LoadRelays(); err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
}

func TestCacheMissReturnsFalse(t *testing.T) {
	key, _ := DeriveCacheKey([]byte("s"))
	c := &Cache{Dir: t.TempDir(), Key: key}
	_, ok, err := c.LoadRelays()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected cache miss on empty directory")
	}
}
