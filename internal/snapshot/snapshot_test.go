package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSnapshotPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ec2.json")

	records := []Record{
		{ID: "i-0aaa", PublicIP: "198.51.100.1", PrivateIP: "10.0.1.5", AdminPassword: "a1", ReadonlyPassword: "r1"},
		{ID: "i-0bbb", PublicIP: "198.51.100.2", PrivateIP: "10.0.1.6", AdminPassword: "a2", ReadonlyPassword: "r2"},
	}
	if err := Write(path, records); err != nil {
		t.Fatalf("Failed to write snapshot: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load snapshot: %v", err)
	}
	if len(loaded) != len(records) {
		t.Fatalf("Expected %d records, got %d", len(records), len(loaded))
	}
	for i := range records {
		if loaded[i].ID != records[i].ID {
			t.Errorf("record %d: expected id %s, got %s", i, records[i].ID, loaded[i].ID)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("Expected mode 0600, got %o", perm)
	}
}

func TestSnapshotFieldNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ec2.json")
	if err := Write(path, []Record{{ID: "i-1", PublicIP: "p", PrivateIP: "q", AdminPassword: "x", ReadonlyPassword: "y"}}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw []map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("snapshot is not a JSON array of objects: %v", err)
	}
	for _, key := range []string{"id", "public_ip", "private_ip", "admin_password", "readonly_password"} {
		if _, ok := raw[0][key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
}

func TestSnapshotOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ec2.json")
	if err := Write(path, []Record{{ID: "old-1"}, {ID: "old-2"}}); err != nil {
		t.Fatal(err)
	}
	if err := Write(path, []Record{{ID: "new"}}); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].ID != "new" {
		t.Errorf("Expected only the new record, got %+v", loaded)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected no leftover temp files, got %d entries", len(entries))
	}
}
