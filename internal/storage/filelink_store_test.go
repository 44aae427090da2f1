package storage

import (
	"os"
	"path/filepath"
	"testing"

	"mailchat/go-engine/internal/domains/contracts"
)

func newTestFileLinkStore(t *testing.T) (*FileLinkStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewFileLinkStore(filepath.Join(dir, "links.db"))
	if err != nil {
		t.Fatalf("open file link store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func TestFileLinkStoreSaveGetDelete(t *testing.T) {
	store, dir := newTestFileLinkStore(t)
	blob := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(blob, []byte("png-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}

	id, err := store.SaveLink(contracts.FileLink{
		Name:       "pic.png",
		Size:       9,
		MimeType:   "image/png",
		StoredPath: blob,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated link id")
	}

	link, found, err := store.GetLink(id)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if link.Name != "pic.png" || link.Size != 9 {
		t.Fatalf("link mangled: %+v", link)
	}

	if err := store.DeleteLink(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(blob); !os.IsNotExist(err) {
		t.Fatal("stored file survived link deletion")
	}
	if _, found, _ := store.GetLink(id); found {
		t.Fatal("link survived deletion")
	}
	// Double delete is not an error.
	if err := store.DeleteLink(id); err != nil {
		t.Fatalf("double delete: %v", err)
	}
}

func TestFileLinkStoreValidation(t *testing.T) {
	store, _ := newTestFileLinkStore(t)
	if _, err := store.SaveLink(contracts.FileLink{StoredPath: "/tmp/x"}); err == nil {
		t.Fatal("expected error for missing name")
	}
	if _, err := store.SaveLink(contracts.FileLink{Name: "x"}); err == nil {
		t.Fatal("expected error for missing stored path")
	}
}
