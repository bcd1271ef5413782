package domain

import "time"

// QuizMode controls how participants are grouped into batches.
type QuizMode string

const (
	// ModeSynchronized runs one shared batch for everyone.
	ModeSynchronized QuizMode = "SYNCHRONIZED"
	// ModeBatched lets staff create batches that students choose among.
	ModeBatched QuizMode = "BATCHED"
	// ModeIndividual starts a batch of one for each student on join.
	ModeIndividual QuizMode = "INDIVIDUAL"
)

func (m QuizMode) IsValid() bool {
	switch m {
	case ModeSynchronized, ModeBatched, ModeIndividual:
		return true
	}
	return false
}

// QuizAction is an administrative transition on a quiz exercise.
type QuizAction string

const (
	ActionSetVisible      QuizAction = "SET_VISIBLE"
	ActionStartNow        QuizAction = "START_NOW"
	ActionEndNow          QuizAction = "END_NOW"
	ActionOpenForPractice QuizAction = "OPEN_FOR_PRACTICE"
	ActionStartBatch      QuizAction = "START_BATCH"
)

// ParseQuizAction accepts both the enum form and the kebab-case URL form ("start-now").
func ParseQuizAction(raw string) (QuizAction, bool) {
	switch raw {
	case "SET_VISIBLE", "set-visible":
		return ActionSetVisible, true
	case "START_NOW", "start-now":
		return ActionStartNow, true
	case "END_NOW", "end-now":
		return ActionEndNow, true
	case "OPEN_FOR_PRACTICE", "open-for-practice":
		return ActionOpenForPractice, true
	case "START_BATCH", "start-batch":
		return ActionStartBatch, true
	}
	return "", false
}

// QuizExercise is the timed quiz being configured and run.
// Version is bumped on every successful update and used for optimistic concurrency.
type QuizExercise struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	ReleaseDate        *time.Time `json:"releaseDate,omitempty"`
	StartDate          *time.Time `json:"startDate,omitempty"`
	DueDate            *time.Time `json:"dueDate,omitempty"`
	AssessmentDueDate  *time.Time `json:"assessmentDueDate,omitempty"`
	Duration           int        `json:"duration"` // seconds
	QuizMode           QuizMode   `json:"quizMode"`
	GracePeriodSeconds int        `json:"gracePeriodSeconds"`
	OpenForPractice    bool       `json:"openForPractice"`
	IsExamExercise     bool       `json:"isExamExercise"`
	Version            int64      `json:"version"`
}

// BatchDuration is how long a single batch runs once started.
func (e QuizExercise) BatchDuration() time.Duration {
	return time.Duration(e.Duration) * time.Second
}

// GracePeriod is the buffer after the due moment during which late submissions are accepted.
func (e QuizExercise) GracePeriod() time.Duration {
	return time.Duration(e.GracePeriodSeconds) * time.Second
}

// Batch is one independent run of a quiz exercise. A nil StartTime means not started.
// There is deliberately no ended flag; ended-ness is derived from the clock.
type Batch struct {
	ID         string     `json:"id"`
	ExerciseID string     `json:"exerciseId"`
	CreatorID  string     `json:"creatorId,omitempty"` // empty for system-created batches
	StartTime  *time.Time `json:"startTime,omitempty"`
	Password   string     `json:"password,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func (b Batch) IsStarted() bool {
	return b.StartTime != nil
}

// Membership records which batch a user joined for an exercise.
type Membership struct {
	ExerciseID string    `json:"exerciseId"`
	UserID     string    `json:"userId"`
	BatchID    string    `json:"batchId"`
	JoinedAt   time.Time `json:"joinedAt"`
}

// Role orders the privileges of an actor within a course.
type Role string

const (
	RoleStudent    Role = "student"
	RoleTutor      Role = "tutor"
	RoleEditor     Role = "editor"
	RoleInstructor Role = "instructor"
)

func (r Role) rank() int {
	switch r {
	case RoleTutor:
		return 1
	case RoleEditor:
		return 2
	case RoleInstructor:
		return 3
	}
	return 0
}

// AtLeast reports whether r grants at least the privileges of min.
func (r Role) AtLeast(min Role) bool {
	return r.rank() >= min.rank()
}

// Actor is the authenticated user performing an operation.
type Actor struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// StateChangeKind names the transitions broadcast to clients.
type StateChangeKind string

const (
	ChangeWarmup          StateChangeKind = "warmup"
	ChangeReleased        StateChangeKind = "released"
	ChangeVisible         StateChangeKind = "visible"
	ChangeBatchCreated    StateChangeKind = "batch-created"
	ChangeBatchStarted    StateChangeKind = "batch-started"
	ChangeQuizEnded       StateChangeKind = "quiz-ended"
	ChangeBatchEnded      StateChangeKind = "batch-ended"
	ChangeOpenForPractice StateChangeKind = "open-for-practice"
	ChangeEvaluated       StateChangeKind = "evaluated"
)

// StateChange is a fire-and-forget notification about an exercise or one of its batches.
type StateChange struct {
	ExerciseID string          `json:"exerciseId"`
	BatchID    string          `json:"batchId,omitempty"`
	Kind       StateChangeKind `json:"kind"`
	At         time.Time       `json:"at"`
}
