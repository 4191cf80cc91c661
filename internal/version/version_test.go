package version

import "testing"

func TestDefaults(t *testing.T) {
	if Version == "" {
		t.Error("Version must not be empty")
	}
	if GitCommit == "" {
		t.Error("GitCommit must not be empty")
	}
	if BuildDate == "" {
		t.Error("BuildDate must not be empty")
	}
}
