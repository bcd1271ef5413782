package app

import (
	"context"

	"quiz-engine/internal/domain"
)

// RoleAuthorizer grants operations by course role.
//
//	create / manage exercise      editor or above
//	create batch                  tutor or above
//	start batch                   its creator if tutor or above, otherwise instructor
//	END_NOW                       instructor
//	other actions                 editor or above
type RoleAuthorizer struct{}

var _ Authorizer = RoleAuthorizer{}

func (RoleAuthorizer) CanManageExercise(_ context.Context, actor domain.Actor, _ domain.QuizExercise) bool {
	return actor.Role.AtLeast(domain.RoleEditor)
}

func (RoleAuthorizer) CanCreateBatch(_ context.Context, actor domain.Actor, _ domain.QuizExercise) bool {
	return actor.Role.AtLeast(domain.RoleTutor)
}

func (RoleAuthorizer) CanStartBatch(_ context.Context, actor domain.Actor, _ domain.QuizExercise, batch domain.Batch) bool {
	if batch.CreatorID != "" && batch.CreatorID == actor.UserID && actor.Role.AtLeast(domain.RoleTutor) {
		return true
	}
	return actor.Role.AtLeast(domain.RoleInstructor)
}

func (RoleAuthorizer) CanPerformAction(_ context.Context, actor domain.Actor, _ domain.QuizExercise, action domain.QuizAction) bool {
	if action == domain.ActionEndNow {
		return actor.Role.AtLeast(domain.RoleInstructor)
	}
	return actor.Role.AtLeast(domain.RoleEditor)
}
