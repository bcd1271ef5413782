package redis

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
)

// BatchStore keeps batches as hashes and makes every conditional write a single
// server-side step:
//
//	HSET  quiz:batch:{id}                  id exercise_id creator_id password created_at [start_time]
//	SADD  quiz:exercise:{exID}:batches     {id}
//	HSET  quiz:exercise:{exID}:members     {userID} "{batchID}|{joinedAt}"
//	SET   quiz:evaluated:{exID}:{batchID}  1
//
// Times are stored as unix seconds.
type BatchStore struct {
	client *redis.Client
}

var (
	_ app.BatchStore       = (*BatchStore)(nil)
	_ app.EvaluationLedger = (*BatchStore)(nil)
)

func NewBatchStore(client *redis.Client) *BatchStore {
	return &BatchStore{client: client}
}

// KEYS[1] batch hash, KEYS[2] exercise batch set; ARGV[1] batch id, ARGV[2..] field/value pairs.
var insertBatchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

// KEYS[1] batch hash; ARGV[1] start time. Returns -1 when the batch is missing.
var setStartScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('HSETNX', KEYS[1], 'start_time', ARGV[1])
`)

// KEYS[1] members hash; ARGV[1] user, ARGV[2] expected batch id, ARGV[3] new value.
var replaceMembershipScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
  return 0
end
local prefix = ARGV[2] .. '|'
if string.sub(cur, 1, string.len(prefix)) ~= prefix then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

func (s *BatchStore) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	fields, err := s.client.HGetAll(ctx, batchKey(id)).Result()
	if err != nil {
		return domain.Batch{}, err
	}
	if len(fields) == 0 {
		return domain.Batch{}, domain.ErrBatchNotFound
	}
	return decodeBatch(fields), nil
}

func (s *BatchStore) ListBatches(ctx context.Context, exerciseID string) ([]domain.Batch, error) {
	ids, err := s.client.SMembers(ctx, exerciseBatchesKey(exerciseID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Batch, 0, len(ids))
	for _, id := range ids {
		b, err := s.GetBatch(ctx, id)
		if errors.Is(err, domain.ErrBatchNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *BatchStore) InsertBatchIfAbsent(ctx context.Context, b domain.Batch) (domain.Batch, bool, error) {
	args := append([]interface{}{b.ID}, encodeBatch(b)...)
	created, err := insertBatchScript.Run(ctx, s.client,
		[]string{batchKey(b.ID), exerciseBatchesKey(b.ExerciseID)}, args...).Int()
	if err != nil {
		return domain.Batch{}, false, err
	}
	if created == 1 {
		return b, true, nil
	}
	existing, err := s.GetBatch(ctx, b.ID)
	return existing, false, err
}

func (s *BatchStore) SetStartTimeIfUnset(ctx context.Context, batchID string, start time.Time) (domain.Batch, bool, error) {
	res, err := setStartScript.Run(ctx, s.client, []string{batchKey(batchID)}, start.Unix()).Int()
	if err != nil {
		return domain.Batch{}, false, err
	}
	if res == -1 {
		return domain.Batch{}, false, domain.ErrBatchNotFound
	}
	b, err := s.GetBatch(ctx, batchID)
	return b, res == 1, err
}

func (s *BatchStore) GetMembership(ctx context.Context, exerciseID, userID string) (domain.Membership, error) {
	raw, err := s.client.HGet(ctx, membersKey(exerciseID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Membership{}, domain.ErrMembershipNotFound
	}
	if err != nil {
		return domain.Membership{}, err
	}
	return decodeMembership(exerciseID, userID, raw), nil
}

func (s *BatchStore) PutMembershipIfAbsent(ctx context.Context, m domain.Membership) (domain.Membership, bool, error) {
	ok, err := s.client.HSetNX(ctx, membersKey(m.ExerciseID), m.UserID, encodeMembership(m)).Result()
	if err != nil {
		return domain.Membership{}, false, err
	}
	if ok {
		return m, true, nil
	}
	existing, err := s.GetMembership(ctx, m.ExerciseID, m.UserID)
	return existing, false, err
}

func (s *BatchStore) ReplaceMembership(ctx context.Context, m domain.Membership, fromBatchID string) (bool, error) {
	n, err := replaceMembershipScript.Run(ctx, s.client, []string{membersKey(m.ExerciseID)},
		m.UserID, fromBatchID, encodeMembership(m)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *BatchStore) ClaimEvaluation(ctx context.Context, exerciseID, batchID string) (bool, error) {
	return s.client.SetNX(ctx, evaluatedKey(exerciseID, batchID), 1, 0).Result()
}

func (s *BatchStore) ReleaseEvaluation(ctx context.Context, exerciseID, batchID string) error {
	return s.client.Del(ctx, evaluatedKey(exerciseID, batchID)).Err()
}

func (s *BatchStore) IsEvaluated(ctx context.Context, exerciseID, batchID string) (bool, error) {
	n, err := s.client.Exists(ctx, evaluatedKey(exerciseID, batchID)).Result()
	return n == 1, err
}

func encodeBatch(b domain.Batch) []interface{} {
	fields := []interface{}{
		"id", b.ID,
		"exercise_id", b.ExerciseID,
		"creator_id", b.CreatorID,
		"password", b.Password,
		"created_at", b.CreatedAt.Unix(),
	}
	if b.StartTime != nil {
		fields = append(fields, "start_time", b.StartTime.Unix())
	}
	return fields
}

func decodeBatch(fields map[string]string) domain.Batch {
	b := domain.Batch{
		ID:         fields["id"],
		ExerciseID: fields["exercise_id"],
		CreatorID:  fields["creator_id"],
		Password:   fields["password"],
		CreatedAt:  unixField(fields["created_at"]),
	}
	if raw, ok := fields["start_time"]; ok {
		start := unixField(raw)
		b.StartTime = &start
	}
	return b
}

func encodeMembership(m domain.Membership) string {
	return m.BatchID + "|" + strconv.FormatInt(m.JoinedAt.Unix(), 10)
}

func decodeMembership(exerciseID, userID, raw string) domain.Membership {
	batchID, joined, _ := strings.Cut(raw, "|")
	return domain.Membership{
		ExerciseID: exerciseID,
		UserID:     userID,
		BatchID:    batchID,
		JoinedAt:   unixField(joined),
	}
}

func unixField(raw string) time.Time {
	sec, _ := strconv.ParseInt(raw, 10, 64)
	return time.Unix(sec, 0).UTC()
}

func batchKey(id string) string {
	return "quiz:batch:" + id
}

func exerciseBatchesKey(exerciseID string) string {
	return "quiz:exercise:" + exerciseID + ":batches"
}

func membersKey(exerciseID string) string {
	return "quiz:exercise:" + exerciseID + ":members"
}

func evaluatedKey(exerciseID, batchID string) string {
	return "quiz:evaluated:" + exerciseID + ":" + batchID
}
