package dotnet

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/domibies/dotbox/internal/sandbox"
)

// scriptedEngine fakes the container engine for snippet tests. Each
// exec pops the next scripted output.
type scriptedEngine struct {
	mu      sync.Mutex
	outputs []*sandbox.ExecOutput
	execs   [][]string
	files   map[string][]byte
	removed int
}

func newScriptedEngine(outputs ...*sandbox.ExecOutput) *scriptedEngine {
	return &scriptedEngine{outputs: outputs, files: make(map[string][]byte)}
}

func (s *scriptedEngine) EnsureImage(context.Context, string) error { return nil }

func (s *scriptedEngine) CreateContainer(_ context.Context, spec sandbox.ContainerSpec) (string, error) {
	return "cid-" + spec.Name, nil
}

func (s *scriptedEngine) Exec(_ context.Context, _ string, opts sandbox.ExecOptions) (*sandbox.ExecOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, opts.Cmd)
	if len(s.outputs) == 0 {
		return &sandbox.ExecOutput{}, nil
	}
	out := s.outputs[0]
	s.outputs = s.outputs[1:]
	return out, nil
}

func (s *scriptedEngine) StopRemove(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed++
	return nil
}

func (s *scriptedEngine) WriteFile(_ context.Context, _, path string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = content
	return nil
}

func (s *scriptedEngine) ReadFile(context.Context, string, string) ([]byte, error) { return nil, nil }
func (s *scriptedEngine) ListFiles(context.Context, string, string) ([]sandbox.FileInfo, error) {
	return nil, nil
}
func (s *scriptedEngine) Logs(context.Context, string, sandbox.LogOptions) (string, error) {
	return "", nil
}
func (s *scriptedEngine) ListManaged(context.Context) ([]string, error) { return nil, nil }

func newTestRunner(t *testing.T, eng *scriptedEngine) *Runner {
	t.Helper()
	logger := nugetTestLogger()
	registry := sandbox.NewRegistry(5)
	manager := sandbox.NewManager(eng, registry, sandbox.NewPortAllocator(), sandbox.ManagerConfig{
		Registry:      "local",
		WorkspaceRoot: t.TempDir(),
	}, logger)
	executor := sandbox.NewExecutor(eng, registry, logger)
	nuget := NewNuGetClient("http://127.0.0.1:0", logger) // never contacted in these tests
	return NewRunner(manager, executor, eng, nuget, logger)
}

func TestExecuteSnippetSuccess(t *testing.T) {
	eng := newScriptedEngine(
		&sandbox.ExecOutput{Stdout: "Build succeeded.", ExitCode: 0},
		&sandbox.ExecOutput{Stdout: "Hello, World!", ExitCode: 0},
	)
	r := newTestRunner(t, eng)

	res, err := r.ExecuteSnippet(context.Background(), SnippetRequest{
		Code: `Console.WriteLine("Hello, World!");`,
	})
	if err != nil {
		t.Fatalf("ExecuteSnippet: %v", err)
	}
	if !res.Success || res.Phase != "run" {
		t.Errorf("result = %+v", res)
	}
	if res.Run == nil || res.Run.Stdout != "Hello, World!" {
		t.Errorf("run output = %+v", res.Run)
	}

	// Project scaffold written before the build.
	if _, ok := eng.files["snippet.csproj"]; !ok {
		t.Error("snippet.csproj not written")
	}
	if got := string(eng.files["Program.cs"]); !strings.Contains(got, "Hello, World!") {
		t.Errorf("Program.cs = %q", got)
	}

	// The ephemeral sandbox is gone afterwards.
	if eng.removed != 1 {
		t.Errorf("containers removed = %d, want 1", eng.removed)
	}
	if got := r.manager.List(); len(got) != 0 {
		t.Errorf("sandboxes left behind: %d", len(got))
	}
}

func TestExecuteSnippetBuildFailure(t *testing.T) {
	buildOut := "/workspace/Program.cs(1,1): error CS0103: The name 'Consle' does not exist in the current context"
	eng := newScriptedEngine(
		&sandbox.ExecOutput{Stdout: buildOut, ExitCode: 1},
	)
	r := newTestRunner(t, eng)

	res, err := r.ExecuteSnippet(context.Background(), SnippetRequest{Code: `Consle.WriteLine("x");`})
	if err != nil {
		t.Fatalf("ExecuteSnippet: %v", err)
	}
	if res.Success || res.Phase != "build" {
		t.Errorf("result = %+v", res)
	}
	if res.Run != nil {
		t.Error("run phase executed after failed build")
	}
	errs := Errors(res.Diagnostics)
	if len(errs) != 1 || errs[0].Code != "CS0103" {
		t.Errorf("diagnostics = %+v", res.Diagnostics)
	}
	// Known codes come back enhanced.
	if len(errs[0].Suggestions) == 0 {
		t.Error("CS0103 diagnostic has no suggestions")
	}
	// Sandbox still released on failure.
	if eng.removed != 1 {
		t.Errorf("containers removed = %d, want 1", eng.removed)
	}
}

func TestExecuteSnippetRunFailure(t *testing.T) {
	eng := newScriptedEngine(
		&sandbox.ExecOutput{ExitCode: 0},
		&sandbox.ExecOutput{Stderr: "Unhandled exception.", ExitCode: 134},
	)
	r := newTestRunner(t, eng)

	res, err := r.ExecuteSnippet(context.Background(), SnippetRequest{Code: "throw new Exception();"})
	if err != nil {
		t.Fatalf("ExecuteSnippet: %v", err)
	}
	if res.Success {
		t.Error("Success = true for non-zero run exit")
	}
	if res.Phase != "run" || res.Run.ExitCode != 134 {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteSnippetValidation(t *testing.T) {
	r := newTestRunner(t, newScriptedEngine())

	_, err := r.ExecuteSnippet(context.Background(), SnippetRequest{Code: "   "})
	if sandbox.KindOf(err) != sandbox.KindValidation {
		t.Errorf("empty code kind = %q", sandbox.KindOf(err))
	}

	_, err = r.ExecuteSnippet(context.Background(), SnippetRequest{Code: "x", DotnetVersion: "6"})
	if sandbox.KindOf(err) != sandbox.KindValidation {
		t.Errorf("bad version kind = %q", sandbox.KindOf(err))
	}

	_, err = r.ExecuteSnippet(context.Background(), SnippetRequest{Code: "x", Packages: []string{"bad name"}})
	if sandbox.KindOf(err) != sandbox.KindValidation {
		t.Errorf("bad package kind = %q", sandbox.KindOf(err))
	}
}

func TestBuildFailureError(t *testing.T) {
	res := &SnippetResult{
		Phase: "build",
		Diagnostics: []Diagnostic{
			{Code: "CS0103", Severity: "error", Parsed: true},
			{Severity: "warning", Parsed: true},
		},
	}
	err := BuildFailureError(res)
	if sandbox.KindOf(err) != sandbox.KindBuildFailure {
		t.Errorf("kind = %q", sandbox.KindOf(err))
	}
	if !strings.Contains(err.Error(), "1 error(s)") {
		t.Errorf("message = %q", err.Error())
	}
}
