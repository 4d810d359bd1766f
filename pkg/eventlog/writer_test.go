package eventlog

import (
	"sync"
	"testing"

	"reqgenie/pkg/proto"
)

func TestWriteAndReadEvents(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer w.Close()

	written := []proto.RunEvent{
		proto.NewRunEvent(proto.EventStageStarted, "run-1", proto.StageElaborating),
		proto.NewRunEvent(proto.EventStageCompleted, "run-1", proto.StageElaborating),
		proto.NewRunEvent(proto.EventRunFinished, "run-1", ""),
	}
	for i := range written {
		if err := w.WriteEvent(&written[i]); err != nil {
			t.Fatalf("WriteEvent failed: %v", err)
		}
	}

	events, err := ReadEvents(w.CurrentLogFile())
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != len(written) {
		t.Fatalf("expected %d events, got %d", len(written), len(events))
	}
	for i, ev := range events {
		if ev.Type != written[i].Type || ev.RunID != written[i].RunID {
			t.Errorf("event %d = %+v, want type %s run %s", i, ev, written[i].Type, written[i].RunID)
		}
	}
}

func TestDrainConsumesChannel(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer w.Close()

	events := make(chan proto.RunEvent, 8)
	done := make(chan error, 1)
	go func() {
		done <- w.Drain(events)
	}()

	for _, st := range []proto.Stage{proto.StageTesting, proto.StageCoding} {
		events <- proto.NewRunEvent(proto.EventStageStarted, "run-2", st)
		events <- proto.NewRunEvent(proto.EventStageCompleted, "run-2", st)
	}
	close(events)
	if err := <-done; err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	got, err := ReadEvents(w.CurrentLogFile())
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("expected 4 events, got %d", len(got))
	}
}

func TestConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				ev := proto.NewRunEvent(proto.EventPartialOutput, "run-3", proto.StageCoding)
				if err := w.WriteEvent(&ev); err != nil {
					t.Errorf("WriteEvent failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	got, err := ReadEvents(w.CurrentLogFile())
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(got) != 80 {
		t.Errorf("expected 80 events, got %d", len(got))
	}
}

func TestListLogFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer w.Close()

	ev := proto.NewRunEvent(proto.EventRunFinished, "run-4", "")
	if err := w.WriteEvent(&ev); err != nil {
		t.Fatalf("WriteEvent failed: %v", err)
	}

	files, err := ListLogFiles(dir)
	if err != nil {
		t.Fatalf("ListLogFiles failed: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("expected 1 log file, got %d: %v", len(files), files)
	}
}
