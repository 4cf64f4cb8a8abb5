package executor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dutrun/dutrun/comms"
	"github.com/dutrun/dutrun/history"
	"github.com/dutrun/dutrun/model"
	"github.com/dutrun/dutrun/results"
)

// InitializeExecuteState prepares a fresh run: it refuses to reuse a results
// directory holding a previous run unless overwriting, and persists the run
// description for resume.
func InitializeExecuteState(settings *model.Settings, jobs *model.JobList) (*model.ExecuteState, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	root := settings.ResultsPath
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}

	if history.HasRunDescription(root) || results.HighestJobDir(root) >= 0 {
		if !settings.Overwrite {
			return nil, fmt.Errorf("results directory %s already holds a run, resume it or use --overwrite", root)
		}
		if err := results.ClearPriorResults(root); err != nil {
			return nil, fmt.Errorf("failed to clear previous results: %w", err)
		}
	}

	if err := history.WriteRunDescription(root, settings, jobs); err != nil {
		return nil, err
	}
	return &model.ExecuteState{
		Next:     0,
		TimeLeft: model.InitialTimeLeft(settings),
		Dry:      settings.DryRun,
	}, nil
}

// InitializeExecuteStateFromResume rebuilds the state of an interrupted run
// from its results directory. The last job that has a result directory is
// pruned of the subtests it already started; when nothing is left the run
// continues with the job after it.
func InitializeExecuteStateFromResume(dir string) (*model.ExecuteState, *model.Settings, *model.JobList, error) {
	settings, jobs, err := history.LoadRunDescription(dir)
	if err != nil {
		return nil, nil, nil, err
	}
	settings.ResultsPath = dir

	state := &model.ExecuteState{
		TimeLeft: model.InitialTimeLeft(settings),
		Resuming: true,
		Dry:      settings.DryRun,
	}

	last := results.HighestJobDir(dir)
	switch {
	case last < 0:
		return state, settings, jobs, nil
	case last >= jobs.Size():
		state.Next = jobs.Size()
		return state, settings, jobs, nil
	}

	done, err := PruneEntry(results.JobDir(dir, last), &jobs.Entries[last])
	if err != nil {
		return nil, nil, nil, err
	}
	state.Next = last
	if done {
		state.Next = last + 1
	}
	return state, settings, jobs, nil
}

// PruneEntry appends an exclusion for every subtest that the result
// directory shows as started, from comms and journal alike. The subtest
// running when a test was killed gets one more attempt and is only excluded
// once it is killed again. It reports the job as done, clearing its binary,
// when the test exited on its own, when every requested subtest is
// excluded, or when the last attempt was killed without getting anywhere.
func PruneEntry(dir string, entry *model.JobListEntry) (bool, error) {
	files, err := results.OpenForRead(dir)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer files.Close()

	a := newAttempts()
	usesComms := files.Comms != nil
	if usesComms {
		data, err := io.ReadAll(files.Comms)
		if err != nil {
			return false, fmt.Errorf("failed to read comms: %w", err)
		}
		// A torn final packet only loses what it was reporting.
		packets, _ := comms.DecodeAll(data)
		var parent string
		timedOut := false
		for _, p := range packets {
			switch p.Type {
			case comms.PacketSubtestStart:
				parent = p.Name
				a.start(p.Name)
			case comms.PacketDynamicSubtestStart:
				a.start(parent + "/" + p.Name)
			case comms.PacketSubtestResult:
				a.finishSubtest()
			case comms.PacketDynamicSubtestResult:
				a.finishDynamic()
			case comms.PacketExit:
				// A timeout is dumped as an override followed by the exit.
				if timedOut {
					a.kill()
				} else {
					a.exit()
				}
			case comms.PacketLog:
				if strings.HasPrefix(p.Text, killedExplanationPrefix) {
					a.kill()
				}
			}
			timedOut = p.Type == comms.PacketResultOverride && p.Result == "timeout"
		}
	}

	journal, err := io.ReadAll(files.Journal)
	if err != nil {
		return false, fmt.Errorf("failed to read journal: %w", err)
	}
	for _, line := range results.ParseJournal(journal) {
		if line.Marker == nil {
			a.start(line.Subtest)
			continue
		}
		switch line.Marker.Kind {
		case results.MarkerExit:
			a.exit()
		case results.MarkerTimeout, results.MarkerKilled:
			// Comms users are covered by their dump.
			if !usesComms {
				a.kill()
			}
		}
	}

	static := 0
	for _, name := range a.started {
		if a.spared[name] {
			continue
		}
		addExclusion(entry, name)
		if !strings.Contains(name, "/") {
			static++
		}
	}

	positive := len(entry.PositiveSubtests())
	if a.exited || a.stalled || (positive > 0 && static >= positive) {
		entry.Binary = ""
		return true, nil
	}
	return false, nil
}

// attempts replays the recorded runs of one job. Subtest names are either
// static or "parent/dynamic".
type attempts struct {
	started []string
	seen    map[string]bool
	// Subtests that were running at a kill and get one more attempt
	spared  map[string]bool
	retried map[string]bool
	// Static and dynamic subtest running right now, innermost last
	inFlight []string
	// Whether the current attempt moved the job forward
	progress bool
	exited   bool
	stalled  bool
}

func newAttempts() *attempts {
	return &attempts{
		seen:    map[string]bool{},
		spared:  map[string]bool{},
		retried: map[string]bool{},
	}
}

func (a *attempts) start(name string) {
	parent, _, dynamic := strings.Cut(name, "/")
	// Whatever ran before has completed, except the parent of a dynamic subtest.
	for _, n := range a.inFlight {
		if !dynamic || n != parent {
			delete(a.spared, n)
		}
	}
	if dynamic {
		a.inFlight = []string{parent, name}
	} else {
		a.inFlight = []string{name}
	}

	if a.seen[name] {
		return
	}
	a.seen[name] = true
	a.started = append(a.started, name)
	a.progress = true
}

func (a *attempts) finishSubtest() {
	for _, n := range a.inFlight {
		delete(a.spared, n)
	}
	a.inFlight = nil
}

func (a *attempts) finishDynamic() {
	if len(a.inFlight) == 2 {
		delete(a.spared, a.inFlight[1])
		a.inFlight = a.inFlight[:1]
	}
}

// kill closes an attempt that the supervisor had to end.
func (a *attempts) kill() {
	if n := len(a.inFlight); n > 0 {
		if last := a.inFlight[n-1]; !a.retried[last] {
			a.retried[last] = true
			for _, name := range a.inFlight {
				a.spared[name] = true
			}
		} else {
			// Killed twice, give up on it.
			for _, name := range a.inFlight {
				delete(a.spared, name)
			}
			a.progress = true
		}
	}
	if !a.progress {
		a.stalled = true
	}
	a.progress = false
	a.inFlight = nil
}

func (a *attempts) exit() {
	a.exited = true
	a.progress = false
	a.inFlight = nil
}

func addExclusion(entry *model.JobListEntry, name string) {
	excl := "!" + strings.Replace(name, "/", "@", 1)
	for _, s := range entry.Subtests {
		if s == excl {
			return
		}
	}
	entry.Subtests = append(entry.Subtests, excl)
}
