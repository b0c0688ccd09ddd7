package emit

import "testing"

func TestBufferedEmitter_GetHistory(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{JobID: "job-1", TaskID: "t1", Msg: "attempt_start"})
	b.Emit(Event{JobID: "job-1", TaskID: "t2", Msg: "attempt_start"})
	b.Emit(Event{JobID: "job-2", TaskID: "t3", Msg: "attempt_start"})

	got := b.GetHistory("job-1")
	if len(got) != 2 {
		t.Fatalf("want 2 events for job-1, got %d", len(got))
	}

	got[0].Msg = "mutated"
	if b.GetHistory("job-1")[0].Msg == "mutated" {
		t.Fatalf("GetHistory must return a copy, not a shared slice")
	}
}

func TestBufferedEmitter_GetHistoryWithFilter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{JobID: "job-1", TaskID: "t1", Msg: "attempt_start"})
	b.Emit(Event{JobID: "job-1", TaskID: "t1", Msg: "attempt_finish"})
	b.Emit(Event{JobID: "job-1", TaskID: "t2", Msg: "attempt_start"})

	got := b.GetHistoryWithFilter("job-1", HistoryFilter{TaskID: "t1"})
	if len(got) != 2 {
		t.Fatalf("want 2 events for t1, got %d", len(got))
	}

	got = b.GetHistoryWithFilter("job-1", HistoryFilter{Msg: "attempt_finish"})
	if len(got) != 1 {
		t.Fatalf("want 1 attempt_finish event, got %d", len(got))
	}
}

func TestBufferedEmitter_Clear(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{JobID: "job-1", Msg: "x"})
	b.Emit(Event{JobID: "job-2", Msg: "x"})

	b.Clear("job-1")
	if len(b.GetHistory("job-1")) != 0 {
		t.Fatalf("job-1 history should be empty after Clear")
	}
	if len(b.GetHistory("job-2")) != 1 {
		t.Fatalf("Clear(job-1) must not affect job-2")
	}

	b.Clear("")
	if len(b.GetHistory("job-2")) != 0 {
		t.Fatalf("Clear(\"\") should remove all events")
	}
}

func TestBufferedEmitter_InterfaceContract(t *testing.T) {
	var _ Emitter = NewBufferedEmitter()
}
