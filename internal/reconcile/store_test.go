package reconcile

import (
	"fmt"
	"testing"

	"spool/internal/stream"
)

func statusEvent(seq uint64, status stream.JobStatus) *stream.Status {
	return &stream.Status{
		Header: stream.Header{Type: stream.KindStatus, JobID: "job-1", Seq: seq},
		Status: status,
	}
}

func registerEvent(seq uint64, taskID, label string, total int64) *stream.Register {
	return &stream.Register{
		Header: stream.Header{Type: stream.KindRegister, JobID: "job-1", Seq: seq},
		TaskID: taskID,
		Label:  label,
		Total:  total,
	}
}

func progressEvent(seq uint64, taskID string, current, total int64) *stream.Progress {
	return &stream.Progress{
		Header:  stream.Header{Type: stream.KindProgress, JobID: "job-1", Seq: seq},
		TaskID:  taskID,
		Current: current,
		Total:   total,
	}
}

func logEvent(seq uint64, level, message string) *stream.Log {
	return &stream.Log{
		Header:  stream.Header{Type: stream.KindLog, JobID: "job-1", Seq: seq},
		Level:   level,
		Message: message,
	}
}

func duplicateEvent(seq uint64, promptID string) *stream.Duplicate {
	return &stream.Duplicate{
		Header:   stream.Header{Type: stream.KindDuplicate, JobID: "job-1", Seq: seq},
		PromptID: promptID,
		Path:     "/library/file.bin",
		Filename: "file.bin",
	}
}

func doneEvent(seq uint64, status stream.JobStatus) *stream.Done {
	exit := 0
	if status == stream.StatusError {
		exit = 1
	}
	return &stream.Done{
		Header:   stream.Header{Type: stream.KindDone, JobID: "job-1", Seq: seq},
		Status:   status,
		ExitCode: &exit,
	}
}

func TestApplyDiscardsWrongJob(t *testing.T) {
	store := NewStore("job-1")
	foreign := statusEvent(1, stream.StatusRunning)
	foreign.JobID = "job-2"

	if store.Apply(foreign) {
		t.Error("event for another job must be discarded")
	}
	if store.Job().Status != stream.StatusQueued {
		t.Errorf("status changed to %q", store.Job().Status)
	}
}

func TestApplyDiscardsStaleSequence(t *testing.T) {
	store := NewStore("job-1")
	if !store.Apply(statusEvent(5, stream.StatusRunning)) {
		t.Fatal("first apply rejected")
	}
	if store.Apply(statusEvent(5, stream.StatusQueued)) {
		t.Error("duplicate sequence must be discarded")
	}
	if store.Apply(statusEvent(3, stream.StatusQueued)) {
		t.Error("older sequence must be discarded")
	}
	if store.Job().Status != stream.StatusRunning {
		t.Errorf("status = %q, want running", store.Job().Status)
	}
	if store.LastSeq() != 5 {
		t.Errorf("lastSeq = %d, want 5", store.LastSeq())
	}
}

func TestApplyIsIdempotentUnderReplay(t *testing.T) {
	build := func(replay bool) *Store {
		store := NewStore("job-1")
		events := []stream.Event{
			statusEvent(1, stream.StatusRunning),
			registerEvent(2, "t0", "file.bin", 100),
			progressEvent(3, "t0", 50, 100),
			logEvent(4, "info", "halfway"),
		}
		for _, ev := range events {
			store.Apply(ev)
			if replay {
				store.Apply(ev)
			}
		}
		return store
	}

	plain := build(false)
	replayed := build(true)

	if got, want := len(replayed.Logs()), len(plain.Logs()); got != want {
		t.Errorf("replay duplicated logs: %d vs %d", got, want)
	}
	if got, want := replayed.Tasks()[0].Current, plain.Tasks()[0].Current; got != want {
		t.Errorf("replay changed progress: %d vs %d", got, want)
	}
	if replayed.LastSeq() != plain.LastSeq() {
		t.Errorf("cursor diverged: %d vs %d", replayed.LastSeq(), plain.LastSeq())
	}
}

func TestProgressClampAndPercent(t *testing.T) {
	store := NewStore("job-1")
	store.Apply(registerEvent(1, "t0", "file.bin", 100))

	// Current beyond a known total is clamped.
	store.Apply(progressEvent(2, "t0", 150, 0))
	task := store.Tasks()[0]
	if task.Current != 100 {
		t.Errorf("current = %d, want clamped 100", task.Current)
	}
	if task.Percent != 100 {
		t.Errorf("percent = %v, want 100", task.Percent)
	}
	if !task.Done {
		t.Error("task at 100%% should be done")
	}
}

func TestProgressComputesPercentWhenAbsent(t *testing.T) {
	store := NewStore("job-1")
	store.Apply(progressEvent(1, "t0", 25, 200))
	task := store.Tasks()[0]
	if task.Total != 200 {
		t.Errorf("total = %d, want 200", task.Total)
	}
	if task.Percent != 12.5 {
		t.Errorf("percent = %v, want 12.5", task.Percent)
	}
}

func TestProgressExplicitPercentIsClamped(t *testing.T) {
	store := NewStore("job-1")
	over := 140.0
	ev := progressEvent(1, "t0", 10, 0)
	ev.Percent = &over
	store.Apply(ev)
	if got := store.Tasks()[0].Percent; got != 100 {
		t.Errorf("percent = %v, want clamped 100", got)
	}
}

func TestProgressUnknownTotalKeepsPercent(t *testing.T) {
	store := NewStore("job-1")
	pct := 40.0
	ev := progressEvent(1, "t0", 10, 0)
	ev.Percent = &pct
	store.Apply(ev)

	store.Apply(progressEvent(2, "t0", 20, 0))
	task := store.Tasks()[0]
	if task.Percent != 40 {
		t.Errorf("percent regressed to %v without new information", task.Percent)
	}
	if task.Current != 20 {
		t.Errorf("current = %d, want 20", task.Current)
	}
}

func TestFinishMarksTaskDone(t *testing.T) {
	store := NewStore("job-1")
	store.Apply(registerEvent(1, "t0", "file.bin", 100))
	store.Apply(progressEvent(2, "t0", 10, 100))
	store.Apply(&stream.Finish{
		Header: stream.Header{Type: stream.KindFinish, JobID: "job-1", Seq: 3},
		TaskID: "t0",
	})

	task := store.Tasks()[0]
	if !task.Done || task.Percent != 100 || task.Current != 100 {
		t.Errorf("finish not applied: %+v", task)
	}
}

func TestLogRingCapsAtLogCap(t *testing.T) {
	store := NewStore("job-1")
	for i := 0; i < LogCap+20; i++ {
		store.Apply(logEvent(uint64(i+1), "info", fmt.Sprintf("line %d", i)))
	}

	logs := store.Logs()
	if len(logs) != LogCap {
		t.Fatalf("ring holds %d entries, want %d", len(logs), LogCap)
	}
	if logs[0].Message != "line 20" {
		t.Errorf("oldest retained entry = %q, want line 20", logs[0].Message)
	}
	if logs[LogCap-1].Message != fmt.Sprintf("line %d", LogCap+19) {
		t.Errorf("newest entry = %q", logs[LogCap-1].Message)
	}
}

func TestLogLevelCoercion(t *testing.T) {
	store := NewStore("job-1")
	cases := map[string]string{
		"DEBUG":   "debug",
		"warning": "warn",
		"Warn":    "warn",
		"ERROR":   "error",
		"notice":  "info",
		"":        "info",
	}
	seq := uint64(0)
	for raw := range cases {
		seq++
		store.Apply(logEvent(seq, raw, raw))
	}
	for _, entry := range store.Logs() {
		want := cases[entry.Message]
		if entry.Level != want {
			t.Errorf("level %q coerced to %q, want %q", entry.Message, entry.Level, want)
		}
	}
}

func TestDuplicateQueueFIFOAndIdempotent(t *testing.T) {
	store := NewStore("job-1")
	store.Apply(duplicateEvent(1, "p1"))
	store.Apply(duplicateEvent(2, "p2"))
	store.Apply(duplicateEvent(3, "p1")) // repeated prompt id

	prompts := store.Prompts()
	if len(prompts) != 2 {
		t.Fatalf("queue length = %d, want 2", len(prompts))
	}
	active, ok := store.ActivePrompt()
	if !ok || active.ID != "p1" {
		t.Errorf("active prompt = %+v, want p1", active)
	}
}

func TestDuplicateResolvedRemovesAnyPosition(t *testing.T) {
	store := NewStore("job-1")
	store.Apply(duplicateEvent(1, "p1"))
	store.Apply(duplicateEvent(2, "p2"))
	store.Apply(duplicateEvent(3, "p3"))

	store.Apply(&stream.DuplicateResolved{
		Header:   stream.Header{Type: stream.KindDuplicateResolved, JobID: "job-1", Seq: 4},
		PromptID: "p2",
	})

	prompts := store.Prompts()
	if len(prompts) != 2 || prompts[0].ID != "p1" || prompts[1].ID != "p3" {
		t.Errorf("queue after mid-resolution: %+v", prompts)
	}
}

func TestDoneClearsPromptsAndIsSticky(t *testing.T) {
	store := NewStore("job-1")
	store.Apply(duplicateEvent(1, "p1"))
	store.Apply(doneEvent(2, stream.StatusComplete))

	if len(store.Prompts()) != 0 {
		t.Error("done must clear pending prompts")
	}
	if !store.Terminal() {
		t.Fatal("store not terminal after done")
	}

	// Nothing moves a finished job.
	if store.Apply(statusEvent(3, stream.StatusRunning)) {
		t.Error("terminal job accepted a status event")
	}
	if store.Apply(logEvent(4, "info", "late")) {
		t.Error("terminal job accepted a log event")
	}
	if store.Job().Status != stream.StatusComplete {
		t.Errorf("status = %q after terminal", store.Job().Status)
	}
}

func TestSnapshotReplacesStateAndReanchorsCursor(t *testing.T) {
	store := NewStore("job-1")
	store.Apply(statusEvent(1, stream.StatusRunning))
	store.Apply(registerEvent(2, "old", "old.bin", 10))
	store.Apply(logEvent(3, "info", "stale line"))

	snap := &stream.Snapshot{
		Header:  stream.Header{Type: stream.KindSnapshot, JobID: "job-1"},
		LastSeq: 40,
		State:   stream.JobState{Status: stream.StatusRunning, Message: "resumed"},
		Tasks: []stream.TaskState{
			{ID: "t0", Label: "file.bin", Total: 100, Current: 75, Percent: 75},
		},
		Logs:       []stream.LogState{{Level: "info", Message: "fresh line"}},
		Duplicates: []stream.PromptState{{PromptID: "p9", Path: "/x", Filename: "x"}},
	}
	if !store.Apply(snap) {
		t.Fatal("snapshot rejected")
	}

	if store.LastSeq() != 40 {
		t.Errorf("cursor = %d, want re-anchored 40", store.LastSeq())
	}
	tasks := store.Tasks()
	if len(tasks) != 1 || tasks[0].ID != "t0" {
		t.Errorf("tasks not replaced: %+v", tasks)
	}
	logs := store.Logs()
	if len(logs) != 1 || logs[0].Message != "fresh line" {
		t.Errorf("logs not replaced: %+v", logs)
	}
	prompts := store.Prompts()
	if len(prompts) != 1 || prompts[0].ID != "p9" {
		t.Errorf("prompts not replaced: %+v", prompts)
	}

	// Events at or below the new anchor are stale.
	if store.Apply(statusEvent(40, stream.StatusQueued)) {
		t.Error("event at the anchor must be discarded")
	}
	if !store.Apply(statusEvent(41, stream.StatusRunning)) {
		t.Error("event just past the anchor must apply")
	}
}

func TestDoneTaskIgnoresLateProgress(t *testing.T) {
	store := NewStore("job-1")
	store.Apply(registerEvent(1, "t1", "file.bin", 100))
	store.Apply(progressEvent(2, "t1", 100, 100))

	tasks := store.Tasks()
	if !tasks[0].Done || tasks[0].Percent != 100 {
		t.Fatalf("task not done at 100%%: %+v", tasks[0])
	}

	store.Apply(progressEvent(3, "t1", 40, 100))
	tasks = store.Tasks()
	if !tasks[0].Done {
		t.Error("done regressed")
	}
	if tasks[0].Percent != 100 {
		t.Errorf("percent regressed to %v", tasks[0].Percent)
	}
}

func TestSnapshotNeverResurrectsTerminalJob(t *testing.T) {
	store := NewStore("job-1")
	store.Apply(statusEvent(1, stream.StatusRunning))
	store.Apply(doneEvent(2, stream.StatusComplete))

	snap := &stream.Snapshot{
		Header:  stream.Header{Type: stream.KindSnapshot, JobID: "job-1"},
		LastSeq: 50,
		State:   stream.JobState{Status: stream.StatusRunning, Message: "zombie"},
	}
	if store.Apply(snap) {
		t.Error("snapshot after terminal must be discarded")
	}
	if got := store.Job().Status; got != stream.StatusComplete {
		t.Errorf("status = %s, want complete", got)
	}
}

func TestRegisterPreservesProgressOrder(t *testing.T) {
	store := NewStore("job-1")
	// Progress can arrive for a task before its register on a resumed stream.
	store.Apply(progressEvent(1, "t1", 5, 50))
	store.Apply(registerEvent(2, "t0", "first.bin", 10))
	store.Apply(registerEvent(3, "t1", "second.bin", 0))

	tasks := store.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("task count = %d, want 2", len(tasks))
	}
	if tasks[0].ID != "t1" || tasks[1].ID != "t0" {
		t.Errorf("first-seen order not preserved: %s, %s", tasks[0].ID, tasks[1].ID)
	}
	if tasks[0].Label != "second.bin" {
		t.Errorf("late register did not fill label: %q", tasks[0].Label)
	}
}

func TestMarkReconnectingAndStreaming(t *testing.T) {
	store := NewStore("job-1")
	store.Apply(statusEvent(1, stream.StatusRunning))

	store.MarkReconnecting(2, 5)
	job := store.Job()
	if job.Status != stream.StatusReconnecting {
		t.Fatalf("status = %q, want reconnecting", job.Status)
	}
	if job.Message != "connection lost, reconnecting (attempt 2/5)" {
		t.Errorf("message = %q", job.Message)
	}

	store.MarkStreaming()
	if store.Job().Status != stream.StatusRunning {
		t.Errorf("status = %q, want running after first event", store.Job().Status)
	}
}

func TestMarkReconnectingIgnoredWhenTerminal(t *testing.T) {
	store := NewStore("job-1")
	store.Apply(doneEvent(1, stream.StatusComplete))
	store.MarkReconnecting(1, 5)
	if store.Job().Status != stream.StatusComplete {
		t.Error("reconnecting overwrote a terminal status")
	}
}

func TestFailConnectivity(t *testing.T) {
	store := NewStore("job-1")
	store.Apply(statusEvent(1, stream.StatusRunning))
	store.Apply(duplicateEvent(2, "p1"))

	store.FailConnectivity("lost connection to the daemon after 5 attempts")
	job := store.Job()
	if job.Status != stream.StatusError {
		t.Fatalf("status = %q, want error", job.Status)
	}
	if job.Error == "" {
		t.Error("connectivity error must be recorded")
	}
	if len(store.Prompts()) != 0 {
		t.Error("connectivity failure must clear prompts")
	}
}

func TestSnapshotExportRoundTrips(t *testing.T) {
	store := NewStore("job-1")
	store.Apply(statusEvent(1, stream.StatusRunning))
	store.Apply(registerEvent(2, "t0", "file.bin", 100))
	store.Apply(progressEvent(3, "t0", 30, 100))
	store.Apply(logEvent(4, "warn", "slow mirror"))
	store.Apply(duplicateEvent(5, "p1"))

	mirror := NewStore("job-1")
	if !mirror.Apply(store.Snapshot()) {
		t.Fatal("exported snapshot rejected")
	}

	if mirror.LastSeq() != store.LastSeq() {
		t.Errorf("cursor mismatch: %d vs %d", mirror.LastSeq(), store.LastSeq())
	}
	if got, want := mirror.Tasks(), store.Tasks(); len(got) != len(want) || got[0].Current != want[0].Current {
		t.Errorf("tasks mismatch: %+v vs %+v", got, want)
	}
	if got, want := mirror.Logs(), store.Logs(); len(got) != len(want) || got[0].Level != want[0].Level {
		t.Errorf("logs mismatch: %+v vs %+v", got, want)
	}
	if got, want := mirror.Prompts(), store.Prompts(); len(got) != len(want) || got[0].ID != want[0].ID {
		t.Errorf("prompts mismatch: %+v vs %+v", got, want)
	}
}
