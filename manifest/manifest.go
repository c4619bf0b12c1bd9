// Package manifest handles tiered.toml runtime configuration.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/tiered/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "tiered.toml"

// Manifest represents a tiered.toml configuration.
type Manifest struct {
	Runtime     Runtime     `toml:"runtime"`
	Compilation Compilation `toml:"compilation"`
	Inlining    Inlining    `toml:"inlining"`
	Statistics  Statistics  `toml:"statistics"`
	Trace       Trace       `toml:"trace"`

	// Dir is the directory containing the tiered.toml file (set at load time).
	Dir string `toml:"-"`
}

// Runtime contains run metadata.
type Runtime struct {
	Name string `toml:"name"`
}

// Compilation configures profiling thresholds and the compile task manager.
type Compilation struct {
	Threshold                       int      `toml:"threshold"`
	MinInvoke                       int      `toml:"min-invoke"`
	MaxThreshold                    int      `toml:"max-threshold"`
	InvalidationReprofileMultiplier int      `toml:"invalidation-reprofile-multiplier"`
	ReplaceReprofileCount           int      `toml:"replace-reprofile-count"`
	Policy                          string   `toml:"policy"`
	DecisionTime                    Duration `toml:"decision-time"`
	Background                      bool     `toml:"background"`
	Threads                         int      `toml:"threads"`
	QueueSize                       int      `toml:"queue-size"`
	FailOnError                     bool     `toml:"fail-on-error"`
	Bailout                         string   `toml:"bailout"`
	Invalidation                    string   `toml:"invalidation"`
	Only                            string   `toml:"only"`
}

// Inlining configures the inlining decision engine.
type Inlining struct {
	Enabled           bool `toml:"enabled"`
	MaxCallerSize     int  `toml:"max-caller-size"`
	MaxCalleeSize     int  `toml:"max-callee-size"`
	MaxRecursionDepth int  `toml:"max-recursion-depth"`
}

// Statistics configures the target registry and its reporters.
type Statistics struct {
	Enabled       bool     `toml:"enabled"`
	SweepInterval Duration `toml:"sweep-interval"`
	Log           bool     `toml:"log"`
	CBOR          string   `toml:"cbor"`
	SQLite        string   `toml:"sqlite"`
}

// Trace enables diagnostic logging.
type Trace struct {
	Compilation     bool `toml:"compilation"`
	Inlining        bool `toml:"inlining"`
	InliningDetails bool `toml:"inlining-details"`
}

// Duration is a time.Duration written as a string ("100ms", "30s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the manifest equivalent of vm.DefaultOptions.
func Default() *Manifest {
	o := vm.DefaultOptions()
	return &Manifest{
		Compilation: Compilation{
			Threshold:                       o.CompilationThreshold,
			MinInvoke:                       o.MinInvokeThreshold,
			MaxThreshold:                    o.MaxCompilationThreshold,
			InvalidationReprofileMultiplier: o.InvalidationReprofileMultiplier,
			ReplaceReprofileCount:           o.ReplaceReprofileCount,
			Policy:                          o.ThresholdPolicy.String(),
			DecisionTime:                    Duration{o.CompilationDecisionTime},
			Background:                      o.BackgroundCompilation,
			Threads:                         o.CompilerThreads,
			QueueSize:                       o.CompileQueueSize,
			FailOnError:                     o.FailOnCompilerError,
			Bailout:                         o.BailoutPolicy.String(),
			Invalidation:                    o.InvalidationPolicy.String(),
			Only:                            o.CompileOnly,
		},
		Inlining: Inlining{
			Enabled:           o.InliningEnabled,
			MaxCallerSize:     o.MaxCallerNodeSize,
			MaxCalleeSize:     o.MaxCalleeNodeSize,
			MaxRecursionDepth: o.MaxInlineRecursionDepth,
		},
		Statistics: Statistics{
			Enabled:       o.StatisticsEnabled,
			SweepInterval: Duration{o.SweepInterval},
		},
	}
}

// Load parses a tiered.toml file from the given directory. Keys not given in
// the file keep their defaults; unknown keys are an error.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes tiered.toml content over the defaults.
func Parse(data []byte) (*Manifest, error) {
	m := Default()
	md, err := toml.Decode(string(data), m)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if _, err := m.Options(); err != nil {
		return nil, err
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a tiered.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Options converts the manifest into runtime options.
func (m *Manifest) Options() (vm.Options, error) {
	o := vm.DefaultOptions()
	c := m.Compilation

	o.CompilationThreshold = c.Threshold
	o.MinInvokeThreshold = c.MinInvoke
	o.MaxCompilationThreshold = c.MaxThreshold
	o.InvalidationReprofileMultiplier = c.InvalidationReprofileMultiplier
	o.ReplaceReprofileCount = c.ReplaceReprofileCount
	o.CompilationDecisionTime = c.DecisionTime.Duration
	o.BackgroundCompilation = c.Background
	o.CompilerThreads = c.Threads
	o.CompileQueueSize = c.QueueSize
	o.FailOnCompilerError = c.FailOnError
	o.CompileOnly = c.Only

	switch c.Policy {
	case "counter", "":
		o.ThresholdPolicy = vm.ThresholdCounter
	case "timed":
		o.ThresholdPolicy = vm.ThresholdTimed
	default:
		return o, fmt.Errorf("compilation.policy: unknown policy %q (want counter or timed)", c.Policy)
	}
	switch c.Bailout {
	case "disable", "":
		o.BailoutPolicy = vm.BailoutDisable
	case "reprofile":
		o.BailoutPolicy = vm.BailoutReprofile
	default:
		return o, fmt.Errorf("compilation.bailout: unknown policy %q (want disable or reprofile)", c.Bailout)
	}
	switch c.Invalidation {
	case "reprofile", "":
		o.InvalidationPolicy = vm.InvalidationReprofile
	case "keep":
		o.InvalidationPolicy = vm.InvalidationKeep
	default:
		return o, fmt.Errorf("compilation.invalidation: unknown policy %q (want reprofile or keep)", c.Invalidation)
	}
	if c.Threshold < 1 {
		return o, fmt.Errorf("compilation.threshold must be positive, got %d", c.Threshold)
	}

	o.InliningEnabled = m.Inlining.Enabled
	o.MaxCallerNodeSize = m.Inlining.MaxCallerSize
	o.MaxCalleeNodeSize = m.Inlining.MaxCalleeSize
	o.MaxInlineRecursionDepth = m.Inlining.MaxRecursionDepth

	o.StatisticsEnabled = m.Statistics.Enabled
	o.SweepInterval = m.Statistics.SweepInterval.Duration

	o.TraceCompilation = m.Trace.Compilation
	o.TraceInlining = m.Trace.Inlining
	o.TraceInliningDetails = m.Trace.InliningDetails
	return o, nil
}

// Encode writes the manifest in tiered.toml form.
func (m *Manifest) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Path returns the path of the manifest file, or "" for a manifest that was
// not loaded from disk.
func (m *Manifest) Path() string {
	if m.Dir == "" {
		return ""
	}
	return filepath.Join(m.Dir, FileName)
}

// OutputPath resolves a statistics output path relative to the manifest's
// directory.
func (m *Manifest) OutputPath(p string) string {
	if p == "" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}
