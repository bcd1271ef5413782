package lifecycle

import (
	"fmt"
	"time"

	"quiz-engine/internal/domain"
)

// Event names a moment in a quiz's timeline.
type Event int

const (
	EventShortlyBeforeRelease Event = iota
	EventRelease
	EventStart
	EventDue
	EventAssessmentDue
	// EventBuildAndTestAfterDue only exists for programming exercises.
	EventBuildAndTestAfterDue
)

// ShortlyBeforeReleaseLead is how far ahead of the release clients are pre-warmed.
const ShortlyBeforeReleaseLead = 15 * time.Second

var eventNames = map[Event]string{
	EventShortlyBeforeRelease: "shortly-before-release",
	EventRelease:              "release",
	EventStart:                "start",
	EventDue:                  "due",
	EventAssessmentDue:        "assessment-due",
	EventBuildAndTestAfterDue: "build-and-test-after-due",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// ParseEvent maps the kebab-case name back to an Event.
func ParseEvent(name string) (Event, bool) {
	for ev, n := range eventNames {
		if n == name {
			return ev, true
		}
	}
	return 0, false
}

// Resolve maps an exercise-level lifecycle event to its absolute timestamp.
// A nil time means the underlying date is not configured.
func Resolve(event Event, ex domain.QuizExercise) (*time.Time, error) {
	switch event {
	case EventShortlyBeforeRelease:
		if ex.ReleaseDate == nil {
			return nil, nil
		}
		t := ex.ReleaseDate.Add(-ShortlyBeforeReleaseLead)
		return &t, nil
	case EventRelease:
		return copyTime(ex.ReleaseDate), nil
	case EventStart:
		return copyTime(ex.StartDate), nil
	case EventDue:
		return copyTime(ex.DueDate), nil
	case EventAssessmentDue:
		return copyTime(ex.AssessmentDueDate), nil
	case EventBuildAndTestAfterDue:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedLifecycleEvent, event)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedLifecycleEvent, event)
	}
}

// ResolveForBatch is like Resolve except that the start event comes from the batch itself.
func ResolveForBatch(event Event, batch domain.Batch, ex domain.QuizExercise) (*time.Time, error) {
	if event == EventStart {
		return copyTime(batch.StartTime), nil
	}
	return Resolve(event, ex)
}

// BatchEnd is the moment a started batch stops running, ignoring the grace period.
func BatchEnd(batch domain.Batch, ex domain.QuizExercise) *time.Time {
	if batch.StartTime == nil {
		return nil
	}
	t := batch.StartTime.Add(ex.BatchDuration())
	return &t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
