package model

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls how chatty the supervisor is on its own output.
type LogLevel string

const (
	LogLevelQuiet   LogLevel = "quiet"
	LogLevelNormal  LogLevel = "normal"
	LogLevelVerbose LogLevel = "verbose"
)

// ParseLogLevel converts a user supplied level name.
func ParseLogLevel(s string) (LogLevel, error) {
	switch l := LogLevel(strings.ToLower(s)); l {
	case LogLevelQuiet, LogLevelNormal, LogLevelVerbose:
		return l, nil
	case "":
		return LogLevelNormal, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// AbortMask selects which health checks may stop a run.
type AbortMask uint8

const (
	AbortTaint AbortMask = 1 << iota
	AbortLockdep
	AbortPing
)

// AbortAll enables every health check.
const AbortAll = AbortTaint | AbortLockdep | AbortPing

var abortNames = []struct {
	bit  AbortMask
	name string
}{
	{AbortTaint, "taint"},
	{AbortLockdep, "lockdep"},
	{AbortPing, "ping"},
}

// Has reports whether every bit of c is enabled.
func (m AbortMask) Has(c AbortMask) bool {
	return m&c == c
}

// Names returns the enabled checks by name.
func (m AbortMask) Names() []string {
	var names []string
	for _, n := range abortNames {
		if m.Has(n.bit) {
			names = append(names, n.name)
		}
	}
	return names
}

// ParseAbortMask accepts check names ("taint", "lockdep", "ping" or "all").
func ParseAbortMask(names []string) (AbortMask, error) {
	var m AbortMask
	for _, name := range names {
		if name == "all" {
			m |= AbortAll
			continue
		}
		found := false
		for _, n := range abortNames {
			if n.name == name {
				m |= n.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown abort condition %q", name)
		}
	}
	return m, nil
}

func (m AbortMask) MarshalYAML() (interface{}, error) {
	names := m.Names()
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func (m *AbortMask) UnmarshalYAML(value *yaml.Node) error {
	var names []string
	if err := value.Decode(&names); err != nil {
		return err
	}
	parsed, err := ParseAbortMask(names)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// EnvVar is a single environment variable handed to every test.
type EnvVar struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

func (e EnvVar) String() string {
	return e.Key + "=" + e.Value
}

// Settings describe one run. They are built once and only read afterwards.
type Settings struct {
	// Directory holding the test binaries
	TestRoot string `yaml:"test_root"`
	// Directory receiving the per job results
	ResultsPath string `yaml:"results_path"`

	// Wall time allowed since the last subtest start, 0 disables it
	PerTestTimeout time.Duration `yaml:"per_test_timeout"`
	// Time allowed without any output, 0 disables it
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	// Budget for the whole run, 0 is unbounded
	OverallTimeout time.Duration `yaml:"overall_timeout"`

	AbortMask AbortMask `yaml:"abort_on"`
	// Host probed by the ping health check; DUTRUN_PING_HOSTNAME is used when empty
	PingHost string `yaml:"ping_host,omitempty"`

	UseWatchdog bool `yaml:"use_watchdog"`
	// Fsync result files after every write
	Sync bool `yaml:"sync"`
	// Output bytes allowed per subtest, 0 is unbounded
	DiskUsageLimit uint64 `yaml:"disk_usage_limit"`

	LogLevel     LogLevel `yaml:"log_level"`
	AllowNonRoot bool     `yaml:"allow_non_root"`
	DryRun       bool     `yaml:"dry_run"`
	Overwrite    bool     `yaml:"overwrite"`

	EnvVars []EnvVar `yaml:"env_vars,omitempty"`

	EnableCodeCoverage bool   `yaml:"enable_code_coverage"`
	CovResultsPerTest  bool   `yaml:"cov_results_per_test"`
	CodeCoverageScript string `yaml:"code_coverage_script,omitempty"`

	// Name of the run, used for the whole run coverage archive
	Name string `yaml:"name,omitempty"`
	// Test list file the job list was read from, if any
	TestList string `yaml:"test_list,omitempty"`
}

// Verbose reports whether child output should be echoed.
func (s *Settings) Verbose() bool {
	return s.LogLevel == LogLevelVerbose
}

// PerTestCoverage reports whether coverage is collected around every job.
func (s *Settings) PerTestCoverage() bool {
	return s.EnableCodeCoverage && s.CovResultsPerTest
}

// WholeRunCoverage reports whether coverage is collected once per run.
func (s *Settings) WholeRunCoverage() bool {
	return s.EnableCodeCoverage && !s.CovResultsPerTest
}

// Validate checks the combinations that cannot be expressed by flags alone.
func (s *Settings) Validate() error {
	if s.ResultsPath == "" {
		return fmt.Errorf("results path is required")
	}
	if s.PerTestTimeout < 0 || s.InactivityTimeout < 0 || s.OverallTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	if s.EnableCodeCoverage && s.CodeCoverageScript == "" {
		return fmt.Errorf("code coverage requires a coverage script")
	}
	for _, env := range s.EnvVars {
		if env.Key == "" || strings.Contains(env.Key, "=") {
			return fmt.Errorf("invalid environment variable name %q", env.Key)
		}
	}
	return nil
}
