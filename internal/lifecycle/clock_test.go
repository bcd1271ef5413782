package lifecycle

import (
	"errors"
	"testing"
	"time"

	"quiz-engine/internal/domain"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(sec int) *time.Time {
	t := epoch.Add(time.Duration(sec) * time.Second)
	return &t
}

func TestResolveShortlyBeforeRelease(t *testing.T) {
	ex := domain.QuizExercise{ReleaseDate: at(100)}
	got, err := Resolve(EventShortlyBeforeRelease, ex)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got == nil || !got.Equal(*at(85)) {
		t.Fatalf("expected release - 15s, got %v", got)
	}

	got, err = Resolve(EventShortlyBeforeRelease, domain.QuizExercise{})
	if err != nil {
		t.Fatalf("resolve without release: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil without release date, got %v", got)
	}
}

func TestResolveExerciseDates(t *testing.T) {
	ex := domain.QuizExercise{
		ReleaseDate:       at(0),
		StartDate:         at(10),
		DueDate:           at(20),
		AssessmentDueDate: at(30),
	}
	cases := map[Event]*time.Time{
		EventRelease:       at(0),
		EventStart:         at(10),
		EventDue:           at(20),
		EventAssessmentDue: at(30),
	}
	for ev, want := range cases {
		got, err := Resolve(ev, ex)
		if err != nil {
			t.Fatalf("%s: %v", ev, err)
		}
		if got == nil || !got.Equal(*want) {
			t.Fatalf("%s: expected %v, got %v", ev, want, got)
		}
	}
}

func TestResolveDoesNotAlias(t *testing.T) {
	ex := domain.QuizExercise{DueDate: at(20)}
	got, _ := Resolve(EventDue, ex)
	*got = got.Add(time.Hour)
	if !ex.DueDate.Equal(*at(20)) {
		t.Fatalf("resolve must not hand out the exercise's own pointer")
	}
}

func TestResolveBuildAndTestIsUnsupported(t *testing.T) {
	_, err := Resolve(EventBuildAndTestAfterDue, domain.QuizExercise{DueDate: at(0)})
	if !errors.Is(err, domain.ErrUnsupportedLifecycleEvent) {
		t.Fatalf("expected unsupported event, got %v", err)
	}
	_, err = ResolveForBatch(EventBuildAndTestAfterDue, domain.Batch{}, domain.QuizExercise{})
	if !errors.Is(err, domain.ErrUnsupportedLifecycleEvent) {
		t.Fatalf("expected unsupported event for batch, got %v", err)
	}
}

func TestResolveForBatchUsesBatchStart(t *testing.T) {
	ex := domain.QuizExercise{StartDate: at(10), DueDate: at(500)}
	batch := domain.Batch{StartTime: at(42)}

	start, err := ResolveForBatch(EventStart, batch, ex)
	if err != nil {
		t.Fatalf("resolve start: %v", err)
	}
	if !start.Equal(*at(42)) {
		t.Fatalf("expected batch start, got %v", start)
	}

	due, _ := ResolveForBatch(EventDue, batch, ex)
	if !due.Equal(*at(500)) {
		t.Fatalf("expected exercise due, got %v", due)
	}

	unstarted, _ := ResolveForBatch(EventStart, domain.Batch{}, ex)
	if unstarted != nil {
		t.Fatalf("expected nil start for unstarted batch, got %v", unstarted)
	}
}

func TestParseEvent(t *testing.T) {
	ev, ok := ParseEvent("shortly-before-release")
	if !ok || ev != EventShortlyBeforeRelease {
		t.Fatalf("unexpected parse result %v %v", ev, ok)
	}
	if _, ok := ParseEvent("nope"); ok {
		t.Fatalf("expected unknown event to fail")
	}
}
