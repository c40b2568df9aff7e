// Package results persists everything a fuzzing session produces: a run
// metadata file, append-only bug/debug CSV logs, and the raw payload bytes
// behind each recorded bug, so a later pass can replay or triage them.
package results

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mozzbozz/epf/pkg/log"
)

// maxReasonBytes bounds how much of a bug's failure reason (which may embed
// a wrapped connection error's full text) is kept in bugs.csv; the full
// payload is always available separately under bug_payloads/.
const maxReasonBytes = 2048

// RunMetadata describes a session's invocation, written once to run.json at
// session start.
type RunMetadata struct {
	Fuzzer     string        `json:"fuzzer"`
	Seed       int64         `json:"seed"`
	Target     string        `json:"target"`
	Protocol   string        `json:"protocol"`
	StartedAt  time.Time     `json:"started_at"`
	OutDir     string        `json:"out_dir"`
	CommandArg string        `json:"command"`
	TimeBudget time.Duration `json:"time_budget_ns"`

	Transport   string        `json:"transport"`
	SendTimeout time.Duration `json:"send_timeout_ns"`
	RecvTimeout time.Duration `json:"recv_timeout_ns"`

	// MemoryIdentifier is the coverage channel's shared-memory identifier,
	// the same string exported to the target via covshm.EnvShmID.
	MemoryIdentifier string `json:"memory_identifier"`

	// PopulationSizes is a snapshot of each species' population size at
	// the moment run.json was written.
	PopulationSizes map[string]int `json:"population_sizes"`

	Alpha           float64 `json:"alpha"`
	Beta            float64 `json:"beta"`
	SpotMutationProb float64 `json:"spot_mutation_prob"`
	PopulationLimit int     `json:"population_limit"`
}

// BugRecord is one row of bugs.csv: a test case whose post-mortem state
// suggests it found a crash or hang.
type BugRecord struct {
	BugID             int64
	Timestamp         time.Time
	Iteration         int64
	TestID            int64
	Identity          uuid.UUID
	IncreasedCoverage bool
	CausedRestart     bool
	CauseOfRestart    string
	ExitCode          int
	HasExitCode       bool
	ReportedCoverage  int
	Population        string
	PopulationSize    int
	Energy            float64
	EnergyPeriod      int64
}

// DebugRecord is one row of debug.csv: the same per-iteration fields as
// BugRecord, minus the bug_id, kept for every iteration regardless of
// whether it rose to the level of a bug.
type DebugRecord struct {
	Timestamp         time.Time
	Iteration         int64
	TestID            int64
	Identity          uuid.UUID
	IncreasedCoverage bool
	CausedRestart     bool
	CauseOfRestart    string
	ExitCode          int
	HasExitCode       bool
	ReportedCoverage  int
	Population        string
	PopulationSize    int
	Energy            float64
	EnergyPeriod      int64
}

var bugsHeader = []string{
	"bug_id", "timestamp", "iteration", "test_id", "individual",
	"increased_coverage", "caused_restart", "cause_of_restart", "exit_code",
	"reported_coverage", "population", "population_size", "energy", "energy_period",
}

var debugHeader = []string{
	"timestamp", "iteration", "test_id", "individual",
	"increased_coverage", "caused_restart", "cause_of_restart", "exit_code",
	"reported_coverage", "population", "population_size", "energy", "energy_period",
}

// Recorder owns the on-disk layout of one session's output directory:
//
//	<dir>/run.json
//	<dir>/bugs.csv
//	<dir>/debug.csv
//	<dir>/bug_payloads/<species>/<uuid>
//	<dir>/transition_payloads/<species>/
//	<dir>/shm.bin (only when dumped)
type Recorder struct {
	dir string

	mu        sync.Mutex
	bugsFile  *os.File
	bugsCSV   *csv.Writer
	debugFile *os.File
	debugCSV  *csv.Writer
	nextBugID int64
}

// Open creates the output directory layout (if missing) and opens the CSV
// logs for appending.
func Open(dir string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Join(dir, "bug_payloads"), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, "transition_payloads"), 0o755); err != nil {
		return nil, err
	}

	bugsFile, bugsNew, err := openAppend(filepath.Join(dir, "bugs.csv"))
	if err != nil {
		return nil, err
	}
	debugFile, debugNew, err := openAppend(filepath.Join(dir, "debug.csv"))
	if err != nil {
		bugsFile.Close()
		return nil, err
	}

	r := &Recorder{
		dir:       dir,
		bugsFile:  bugsFile,
		bugsCSV:   csv.NewWriter(bugsFile),
		debugFile: debugFile,
		debugCSV:  csv.NewWriter(debugFile),
		nextBugID: 1,
	}
	if bugsNew {
		r.bugsCSV.Write(bugsHeader)
		r.bugsCSV.Flush()
	}
	if debugNew {
		r.debugCSV.Write(debugHeader)
		r.debugCSV.Flush()
	}
	return r, nil
}

func openAppend(path string) (*os.File, bool, error) {
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	return f, isNew, err
}

// WriteRunMetadata writes run.json, overwriting any prior file.
func (r *Recorder) WriteRunMetadata(meta RunMetadata) error {
	f, err := os.Create(filepath.Join(r.dir, "run.json"))
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

func exitCodeField(rec exitCoded) string {
	if !rec.hasExitCode() {
		return ""
	}
	return strconv.Itoa(rec.exitCode())
}

type exitCoded interface {
	exitCode() int
	hasExitCode() bool
}

func (r BugRecord) exitCode() int      { return r.ExitCode }
func (r BugRecord) hasExitCode() bool  { return r.HasExitCode }
func (r DebugRecord) exitCode() int     { return r.ExitCode }
func (r DebugRecord) hasExitCode() bool { return r.HasExitCode }

// RecordBug appends a row to bugs.csv and writes the raw payload bytes to
// bug_payloads/<species>/<identity>. The bug_id column is assigned by the
// Recorder, monotonically increasing across a session.
func (r *Recorder) RecordBug(rec BugRecord, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reason := rec.CauseOfRestart
	if len(reason) > maxReasonBytes {
		reason = string(log.Truncate([]byte(reason), maxReasonBytes/2, maxReasonBytes/2))
	}

	bugID := r.nextBugID
	r.nextBugID++

	if err := r.bugsCSV.Write([]string{
		strconv.FormatInt(bugID, 10),
		rec.Timestamp.Format(time.RFC3339Nano),
		strconv.FormatInt(rec.Iteration, 10),
		strconv.FormatInt(rec.TestID, 10),
		rec.Identity.String(),
		strconv.FormatBool(rec.IncreasedCoverage),
		strconv.FormatBool(rec.CausedRestart),
		reason,
		exitCodeField(rec),
		strconv.Itoa(rec.ReportedCoverage),
		rec.Population,
		strconv.Itoa(rec.PopulationSize),
		strconv.FormatFloat(rec.Energy, 'f', 6, 64),
		strconv.FormatInt(rec.EnergyPeriod, 10),
	}); err != nil {
		return err
	}
	r.bugsCSV.Flush()
	if err := r.bugsCSV.Error(); err != nil {
		return err
	}

	dir := filepath.Join(r.dir, "bug_payloads", rec.Population)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, rec.Identity.String()), payload, 0o644)
}

// RecordDebug appends a row to debug.csv, gated by the session's --debug
// flag at the call site.
func (r *Recorder) RecordDebug(rec DebugRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reason := rec.CauseOfRestart
	if len(reason) > maxReasonBytes {
		reason = string(log.Truncate([]byte(reason), maxReasonBytes/2, maxReasonBytes/2))
	}

	if err := r.debugCSV.Write([]string{
		rec.Timestamp.Format(time.RFC3339Nano),
		strconv.FormatInt(rec.Iteration, 10),
		strconv.FormatInt(rec.TestID, 10),
		rec.Identity.String(),
		strconv.FormatBool(rec.IncreasedCoverage),
		strconv.FormatBool(rec.CausedRestart),
		reason,
		exitCodeField(rec),
		strconv.Itoa(rec.ReportedCoverage),
		rec.Population,
		strconv.Itoa(rec.PopulationSize),
		strconv.FormatFloat(rec.Energy, 'f', 6, 64),
		strconv.FormatInt(rec.EnergyPeriod, 10),
	}); err != nil {
		return err
	}
	r.debugCSV.Flush()
	return r.debugCSV.Error()
}

// DumpSharedMemory writes buf verbatim to shm.bin, for post-mortem analysis
// of the coverage map when --dump_shm is set.
func (r *Recorder) DumpSharedMemory(buf []byte) error {
	return os.WriteFile(filepath.Join(r.dir, "shm.bin"), buf, 0o644)
}

// Close flushes and closes the open CSV files.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bugsCSV.Flush()
	r.debugCSV.Flush()
	err1 := r.bugsFile.Close()
	err2 := r.debugFile.Close()
	if err1 != nil {
		return fmt.Errorf("closing bugs.csv: %w", err1)
	}
	return err2
}
