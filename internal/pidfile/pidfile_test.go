package pidfile

import (
	"os"
	"path/filepath"
	"testing"
)

func useTempPidfile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxycache.pid")
	SetPIDFilePath(path)
	t.Cleanup(func() { SetPIDFilePath("") })
	return path
}

func TestWriteReadRemove(t *testing.T) {
	path := useTempPidfile(t)

	if err := Write(); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("pidfile was not created: %v", err)
	}

	pid, err := Read()
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}

	if err := Remove(); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("pidfile still exists after Remove")
	}
}

func TestWriteRefusesExisting(t *testing.T) {
	useTempPidfile(t)

	if err := Write(); err != nil {
		t.Fatalf("first Write returned error: %v", err)
	}
	defer Remove()

	if err := Write(); err == nil {
		t.Fatal("expected second Write to fail while pidfile exists")
	}
}

func TestReadMissing(t *testing.T) {
	useTempPidfile(t)
	if _, err := Read(); err == nil {
		t.Fatal("expected Read to fail with no pidfile")
	}
}

func TestReadGarbage(t *testing.T) {
	path := useTempPidfile(t)
	if err := os.WriteFile(path, []byte("not-a-pid"), 0644); err != nil {
		t.Fatalf("failed to write garbage pidfile: %v", err)
	}
	if _, err := Read(); err == nil {
		t.Fatal("expected Read to fail on non-numeric pidfile")
	}
}
