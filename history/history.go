package history

// This file contains the persisted run description and the per job summaries
// read back from a results directory.

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dutrun/dutrun/comms"
	"github.com/dutrun/dutrun/model"
	"github.com/dutrun/dutrun/results"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	SettingsFile = "settings.yaml"
	JobListFile  = "joblist.yaml"
)

// WriteRunDescription persists settings and job list so a run can be resumed
// from its results directory alone.
func WriteRunDescription(dir string, settings *model.Settings, jobs *model.JobList) error {
	if err := writeYAML(filepath.Join(dir, SettingsFile), settings); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := writeYAML(filepath.Join(dir, JobListFile), jobs); err != nil {
		return fmt.Errorf("failed to write job list: %w", err)
	}
	return nil
}

// LoadRunDescription reads back what WriteRunDescription stored.
func LoadRunDescription(dir string) (*model.Settings, *model.JobList, error) {
	settings := &model.Settings{}
	if err := readYAML(filepath.Join(dir, SettingsFile), settings); err != nil {
		return nil, nil, fmt.Errorf("failed to load settings: %w", err)
	}
	jobs := &model.JobList{}
	if err := readYAML(filepath.Join(dir, JobListFile), jobs); err != nil {
		return nil, nil, fmt.Errorf("failed to load job list: %w", err)
	}
	return settings, jobs, nil
}

// HasRunDescription reports whether dir holds a persisted run.
func HasRunDescription(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, SettingsFile))
	return err == nil
}

func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

// JobSummary describes what the result directory of one job says about it.
type JobSummary struct {
	Index int
	Job   model.JobListEntry
	Path  string
	// Subtests whose start was recorded, dynamic ones as parent/name
	Subtests []string
	// Last terminal marker; nil when the job has none yet
	Marker *results.Marker
	// Command line recorded by the supervisor, when the test used comms
	ExecArgs string
	UsesComms bool
}

// LoadJobSummaries walks the numbered job directories of a run.
func LoadJobSummaries(logger zerolog.Logger, dir string) ([]JobSummary, error) {
	_, jobs, err := LoadRunDescription(dir)
	if err != nil {
		return nil, err
	}

	var summaries []JobSummary
	for i := 0; i <= results.HighestJobDir(dir); i++ {
		jobDir := results.JobDir(dir, i)
		summary := JobSummary{Index: i, Path: jobDir}
		if i < jobs.Size() {
			summary.Job = jobs.Entries[i]
		}

		journal, err := os.ReadFile(filepath.Join(jobDir, results.JournalFile))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read journal of job %d: %w", i, err)
		}
		for _, line := range results.ParseJournal(journal) {
			if line.Marker != nil {
				summary.Marker = line.Marker
				continue
			}
			summary.Subtests = append(summary.Subtests, line.Subtest)
		}

		if data, err := os.ReadFile(filepath.Join(jobDir, results.CommsFile)); err == nil && len(data) > 0 {
			summary.UsesComms = true
			packets, err := comms.DecodeAll(data)
			if err != nil {
				logger.Warn().Err(err).Int("job", i).Msg("Comms dump is truncated")
			}
			summarizePackets(&summary, packets)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func summarizePackets(summary *JobSummary, packets []comms.Packet) {
	var parent string
	for _, p := range packets {
		switch p.Type {
		case comms.PacketExecArgs:
			summary.ExecArgs = p.Text
		case comms.PacketSubtestStart:
			parent = p.Name
			summary.Subtests = append(summary.Subtests, p.Name)
		case comms.PacketDynamicSubtestStart:
			summary.Subtests = append(summary.Subtests, parent+"/"+p.Name)
		case comms.PacketExit:
			// Keep a kill tag from the journal, exit packets only say how the child ended.
			if summary.Marker == nil || summary.Marker.Kind != results.MarkerKilled {
				summary.Marker = &results.Marker{
					Kind:     results.MarkerExit,
					Code:     int(p.ExitCode),
					Duration: results.ParseSeconds(p.TimeUsed),
				}
			}
		}
	}
	if summary.Marker != nil && summary.Marker.Kind == results.MarkerExit {
		for _, p := range packets {
			if p.Type == comms.PacketResultOverride && p.Result == "timeout" {
				summary.Marker.Kind = results.MarkerTimeout
			}
		}
	}
}

// ReadAborted returns the abort reason of a run, if it stopped early.
func ReadAborted(dir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, results.AbortedFile))
	if err != nil {
		return "", false
	}
	return string(bytes.TrimSpace(data)), true
}
