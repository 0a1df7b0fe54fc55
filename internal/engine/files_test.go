package engine

import (
	"testing"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "/workspace", false},
		{".", "/workspace", false},
		{"Program.cs", "/workspace/Program.cs", false},
		{"src/App/Program.cs", "/workspace/src/App/Program.cs", false},
		{"/workspace/Program.cs", "/workspace/Program.cs", false},
		{"/workspace", "/workspace", false},
		{"./nested/../Program.cs", "/workspace/Program.cs", false},
		{"../etc/passwd", "", true},
		{"/etc/passwd", "", true},
		{"/workspace/../etc", "", true},
		{"a/../../escape", "", true},
		{"/workspaceevil/file", "", true},
	}
	for _, tc := range tests {
		got, err := resolvePath(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("resolvePath(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("resolvePath(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("resolvePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
