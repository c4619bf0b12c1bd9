package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/tiered/vm"
)

func TestLoadManifest(t *testing.T) {
	// Create a temporary directory with a tiered.toml
	dir := t.TempDir()
	tomlContent := `
[runtime]
name = "bench"

[compilation]
threshold = 500
min-invoke = 5
max-threshold = 4000
policy = "timed"
decision-time = "250ms"
background = false
threads = 3
fail-on-error = true
bailout = "reprofile"
invalidation = "keep"
only = "fib,~test"

[inlining]
enabled = false
max-callee-size = 40

[statistics]
sweep-interval = "5s"
cbor = "stats.cbor"
sqlite = "/var/tmp/stats.db"
log = true

[trace]
compilation = true
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Runtime.Name != "bench" {
		t.Errorf("runtime name = %q, want bench", m.Runtime.Name)
	}
	if m.Compilation.DecisionTime.Duration != 250*time.Millisecond {
		t.Errorf("decision time = %v, want 250ms", m.Compilation.DecisionTime)
	}

	o, err := m.Options()
	if err != nil {
		t.Fatalf("Options failed: %v", err)
	}
	if o.CompilationThreshold != 500 || o.MinInvokeThreshold != 5 || o.MaxCompilationThreshold != 4000 {
		t.Errorf("thresholds = %d/%d/%d", o.CompilationThreshold, o.MinInvokeThreshold, o.MaxCompilationThreshold)
	}
	if o.ThresholdPolicy != vm.ThresholdTimed || o.BailoutPolicy != vm.BailoutReprofile || o.InvalidationPolicy != vm.InvalidationKeep {
		t.Errorf("policies = %s/%s/%s", o.ThresholdPolicy, o.BailoutPolicy, o.InvalidationPolicy)
	}
	if o.BackgroundCompilation || o.CompilerThreads != 3 || !o.FailOnCompilerError {
		t.Errorf("compilation options = %+v", o)
	}
	if o.CompileOnly != "fib,~test" {
		t.Errorf("compile only = %q", o.CompileOnly)
	}
	if o.InliningEnabled || o.MaxCalleeNodeSize != 40 {
		t.Errorf("inlining = %t, callee size %d", o.InliningEnabled, o.MaxCalleeNodeSize)
	}
	if o.SweepInterval != 5*time.Second || !o.TraceCompilation {
		t.Errorf("sweep %v trace %t", o.SweepInterval, o.TraceCompilation)
	}

	if got := m.OutputPath(m.Statistics.CBOR); got != filepath.Join(m.Dir, "stats.cbor") {
		t.Errorf("cbor path = %q", got)
	}
	if got := m.OutputPath(m.Statistics.SQLite); got != "/var/tmp/stats.db" {
		t.Errorf("sqlite path = %q", got)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[runtime]
name = "minimal"
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	o, err := m.Options()
	if err != nil {
		t.Fatal(err)
	}

	want := vm.DefaultOptions()
	if o.CompilationThreshold != want.CompilationThreshold || o.MinInvokeThreshold != want.MinInvokeThreshold {
		t.Errorf("thresholds = %d/%d, want defaults", o.CompilationThreshold, o.MinInvokeThreshold)
	}
	if o.MaxCallerNodeSize != 2250 || o.MaxCalleeNodeSize != 250 || o.MaxInlineRecursionDepth != 2 {
		t.Errorf("inlining limits = %d/%d/%d", o.MaxCallerNodeSize, o.MaxCalleeNodeSize, o.MaxInlineRecursionDepth)
	}
	if !o.BackgroundCompilation || !o.InliningEnabled || !o.StatisticsEnabled {
		t.Error("boolean defaults lost")
	}
	if o.CompilationDecisionTime != 100*time.Millisecond {
		t.Errorf("decision time = %v", o.CompilationDecisionTime)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "[compilation]\nthreshhold = 10\n", "compilation.threshhold"},
		{"bad policy", "[compilation]\npolicy = \"sometimes\"\n", "compilation.policy"},
		{"bad bailout", "[compilation]\nbailout = \"retry\"\n", "compilation.bailout"},
		{"bad invalidation", "[compilation]\ninvalidation = \"drop\"\n", "compilation.invalidation"},
		{"bad threshold", "[compilation]\nthreshold = 0\n", "compilation.threshold"},
		{"bad duration", "[compilation]\ndecision-time = \"soon\"\n", "soon"},
		{"syntax", "[compilation\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	m := Default()
	m.Runtime.Name = "roundtrip"
	m.Compilation.Policy = "timed"
	m.Statistics.SweepInterval = Duration{2 * time.Second}

	data, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `sweep-interval = "2s"`) {
		t.Errorf("encoded manifest:\n%s", data)
	}

	back, err := Parse(data)
	if err != nil {
		t.Fatalf("re-parse failed: %v\n%s", err, data)
	}
	if back.Runtime.Name != "roundtrip" || back.Compilation.Policy != "timed" ||
		back.Statistics.SweepInterval.Duration != 2*time.Second {
		t.Errorf("round trip lost values: %+v", back)
	}
}

func TestFindAndLoad(t *testing.T) {
	// Create nested directory structure
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}

	tomlContent := `[runtime]
name = "found-runtime"
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Runtime.Name != "found-runtime" {
		t.Errorf("runtime name = %q, want found-runtime", m.Runtime.Name)
	}
	if m.Path() != filepath.Join(dir, FileName) {
		t.Errorf("path = %q", m.Path())
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no tiered.toml exists")
	}
}
