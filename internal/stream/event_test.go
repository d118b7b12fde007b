package stream

import (
	"errors"
	"testing"
)

func TestDecodeStatus(t *testing.T) {
	data := []byte(`{"type":"status","jobId":"job-1","seq":3,"status":"running","message":"starting downloads"}`)

	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	status, ok := ev.(*Status)
	if !ok {
		t.Fatalf("expected *Status, got %T", ev)
	}
	if status.Job() != "job-1" {
		t.Errorf("job mismatch: got %q", status.Job())
	}
	if status.Sequence() != 3 {
		t.Errorf("seq mismatch: got %d", status.Sequence())
	}
	if status.Status != StatusRunning {
		t.Errorf("status mismatch: got %q", status.Status)
	}
	if status.Message != "starting downloads" {
		t.Errorf("message mismatch: got %q", status.Message)
	}
}

func TestDecodeProgressWithoutPercent(t *testing.T) {
	data := []byte(`{"type":"progress","jobId":"job-1","seq":7,"id":"t0","current":512,"total":1024}`)

	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	progress := ev.(*Progress)
	if progress.Percent != nil {
		t.Errorf("expected nil percent, got %v", *progress.Percent)
	}
	if progress.Current != 512 || progress.Total != 1024 {
		t.Errorf("counters mismatch: current=%d total=%d", progress.Current, progress.Total)
	}
}

func TestDecodeSnapshotCarriesLastSeq(t *testing.T) {
	data := []byte(`{"type":"snapshot","jobId":"job-1","lastSeq":42,"job":{"status":"running"},"tasks":[{"id":"t0","label":"file.bin","total":100,"current":50,"percent":50}]}`)

	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	snap := ev.(*Snapshot)
	if snap.LastSeq != 42 {
		t.Errorf("lastSeq mismatch: got %d", snap.LastSeq)
	}
	if snap.Sequence() != 0 {
		t.Errorf("snapshot should carry seq 0, got %d", snap.Sequence())
	}
	if len(snap.Tasks) != 1 || snap.Tasks[0].ID != "t0" {
		t.Errorf("tasks mismatch: %+v", snap.Tasks)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `{"type":`},
		{"unknown type", `{"type":"mystery","jobId":"job-1","seq":1}`},
		{"register without task id", `{"type":"register","jobId":"job-1","seq":1,"label":"x"}`},
		{"status without value", `{"type":"status","jobId":"job-1","seq":1}`},
		{"duplicate without prompt id", `{"type":"duplicate","jobId":"job-1","seq":1,"path":"/x"}`},
		{"done with non-terminal status", `{"type":"done","jobId":"job-1","seq":9,"status":"running"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			if !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	exit := 0
	done := &Done{
		Header:   Header{Type: KindDone, JobID: "job-1", Seq: 12},
		Status:   StatusComplete,
		Message:  "2 of 2 download(s) succeeded",
		ExitCode: &exit,
		Stats:    &Stats{Total: 2, Succeeded: 2},
	}

	data, err := Encode(done)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	decoded := ev.(*Done)
	if decoded.Status != StatusComplete {
		t.Errorf("status mismatch: %q", decoded.Status)
	}
	if decoded.ExitCode == nil || *decoded.ExitCode != 0 {
		t.Errorf("exit code mismatch: %v", decoded.ExitCode)
	}
	if decoded.Stats == nil || decoded.Stats.Succeeded != 2 {
		t.Errorf("stats mismatch: %+v", decoded.Stats)
	}
}

func TestParseChoice(t *testing.T) {
	choice, err := ParseChoice("  Overwrite_All ")
	if err != nil {
		t.Fatalf("ParseChoice failed: %v", err)
	}
	if choice != ChoiceOverwriteAll {
		t.Errorf("got %q", choice)
	}
	if !choice.All() {
		t.Error("overwrite_all should be sticky")
	}
	if choice.Base() != ChoiceOverwrite {
		t.Errorf("base mismatch: %q", choice.Base())
	}

	if _, err := ParseChoice("maybe"); err == nil {
		t.Error("expected error for unknown choice")
	}
}

func TestJobStatusTerminal(t *testing.T) {
	for status, want := range map[JobStatus]bool{
		StatusQueued:       false,
		StatusRunning:      false,
		StatusReconnecting: false,
		StatusComplete:     true,
		StatusError:        true,
	} {
		if got := status.Terminal(); got != want {
			t.Errorf("%s: Terminal() = %t, want %t", status, got, want)
		}
	}
}
