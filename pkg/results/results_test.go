package results

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRecordBugWritesCSVAndPayload(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)
	defer r.Close()

	id := uuid.New()
	require.NoError(t, r.RecordBug(BugRecord{
		Timestamp:         time.Now(),
		Iteration:         3,
		TestID:            3,
		Identity:          id,
		Population:        "IEC-104 I APDU",
		IncreasedCoverage: false,
		CausedRestart:     true,
		CauseOfRestart:    "connection reset",
		HasExitCode:       true,
		ExitCode:          139,
		ReportedCoverage:  42,
		PopulationSize:    12,
		Energy:            0.731,
		EnergyPeriod:      1,
	}, []byte{0xde, 0xad}))

	payload, err := os.ReadFile(filepath.Join(dir, "bug_payloads", "IEC-104 I APDU", id.String()))
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad}, payload)

	data, err := os.ReadFile(filepath.Join(dir, "bugs.csv"))
	require.NoError(t, err)
	require.Contains(t, string(data), "bug_id,timestamp,iteration,test_id,individual,increased_coverage,"+
		"caused_restart,cause_of_restart,exit_code,reported_coverage,population,population_size,energy,energy_period")
	require.Contains(t, string(data), id.String())
	require.Contains(t, string(data), "139")
}

func TestRecordBugTruncatesOversizedReason(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)
	defer r.Close()

	huge := make([]byte, maxReasonBytes*2)
	for i := range huge {
		huge[i] = 'x'
	}
	require.NoError(t, r.RecordBug(BugRecord{
		Timestamp:      time.Now(),
		Identity:       uuid.New(),
		Population:     "s",
		CauseOfRestart: string(huge),
	}, nil))

	data, err := os.ReadFile(filepath.Join(dir, "bugs.csv"))
	require.NoError(t, err)
	require.Less(t, len(data), len(huge))
	require.Contains(t, string(data), "cut")
}

func TestRecordBugAssignsIncrementingBugIDs(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, r.RecordBug(BugRecord{Timestamp: time.Now(), Identity: uuid.New(), Population: "s"}, nil))
	}
	data, err := os.ReadFile(filepath.Join(dir, "bugs.csv"))
	require.NoError(t, err)
	require.Contains(t, string(data), "\n1,")
	require.Contains(t, string(data), "\n2,")
	require.Contains(t, string(data), "\n3,")
}

func TestRecordBugOmitsExitCodeWhenUnset(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.RecordBug(BugRecord{
		Timestamp:   time.Now(),
		Identity:    uuid.New(),
		Population:  "s",
		HasExitCode: false,
	}, nil))
	data, err := os.ReadFile(filepath.Join(dir, "bugs.csv"))
	require.NoError(t, err)
	require.Contains(t, string(data), ",,") // empty exit_code field between two commas
}

func TestWriteRunMetadata(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.WriteRunMetadata(RunMetadata{
		Fuzzer:          "iec104",
		Seed:            42,
		Target:          "127.0.0.1:2404",
		Protocol:        "iec104",
		Alpha:           0.995,
		Beta:            0.950,
		PopulationLimit: 500,
	}))

	data, err := os.ReadFile(filepath.Join(dir, "run.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"seed": 42`)
	require.Contains(t, string(data), `"fuzzer": "iec104"`)
}

func TestOpenIsIdempotentAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	r1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, r1.RecordDebug(DebugRecord{Timestamp: time.Now(), Identity: uuid.New(), Population: "s", CauseOfRestart: "restart"}))
	require.NoError(t, r1.Close())

	r2, err := Open(dir)
	require.NoError(t, err)
	defer r2.Close()

	data, err := os.ReadFile(filepath.Join(dir, "debug.csv"))
	require.NoError(t, err)
	// Only one header row should ever be written across reopens.
	require.Equal(t, 1, countOccurrences(string(data), "timestamp,iteration,test_id,individual"))
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
		}
	}
	return count
}
