package readmodel

import (
	"context"
	"errors"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/schema"
)

const (
	intentKeyPrefix = "intentd:intent:"
	planKeyPrefix   = "intentd:plan:"
	statePrefix     = "intentd:intents:state:"
)

// RedisStore keeps the projected views in Redis. Intent views are JSON
// strings; a per-state sorted set scored by update time backs state listings.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an established client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) PutIntent(ctx context.Context, view schema.IntentReadModel) error {
	data, err := json.Marshal(view)
	if err != nil {
		return errs.New("readmodel/put", errs.CodeInvalid, errs.WithCause(err))
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, intentKeyPrefix+view.IntentID, data, 0)
	for _, state := range []schema.IntentState{
		schema.IntentStateSubmitted,
		schema.IntentStateAccepted,
		schema.IntentStatePlanned,
		schema.IntentStateExecuting,
		schema.IntentStateCompleted,
		schema.IntentStateFailed,
		schema.IntentStateRejected,
	} {
		if state == view.State {
			pipe.ZAdd(ctx, statePrefix+string(state), redis.Z{
				Score:  float64(view.UpdatedAt.UnixMilli()),
				Member: view.IntentID,
			})
			continue
		}
		pipe.ZRem(ctx, statePrefix+string(state), view.IntentID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.New("readmodel/put", errs.CodeInfra, errs.WithCause(err))
	}
	return nil
}

func (s *RedisStore) GetIntent(ctx context.Context, intentID string) (schema.IntentReadModel, error) {
	data, err := s.client.Get(ctx, intentKeyPrefix+intentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return schema.IntentReadModel{}, errs.New("readmodel/get", errs.CodeNotFound,
			errs.WithMessage("intent "+intentID+" not found"))
	}
	if err != nil {
		return schema.IntentReadModel{}, errs.New("readmodel/get", errs.CodeInfra, errs.WithCause(err))
	}
	var view schema.IntentReadModel
	if err := json.Unmarshal(data, &view); err != nil {
		return schema.IntentReadModel{}, errs.New("readmodel/get", errs.CodeInvalid, errs.WithCause(err))
	}
	return view, nil
}

func (s *RedisStore) PutPlan(ctx context.Context, view schema.PlanReadModel) error {
	data, err := json.Marshal(view)
	if err != nil {
		return errs.New("readmodel/put", errs.CodeInvalid, errs.WithCause(err))
	}
	if err := s.client.Set(ctx, planKeyPrefix+view.PlanID, data, 0).Err(); err != nil {
		return errs.New("readmodel/put", errs.CodeInfra, errs.WithCause(err))
	}
	return nil
}

func (s *RedisStore) GetPlan(ctx context.Context, planID string) (schema.PlanReadModel, error) {
	data, err := s.client.Get(ctx, planKeyPrefix+planID).Bytes()
	if errors.Is(err, redis.Nil) {
		return schema.PlanReadModel{}, errs.New("readmodel/get", errs.CodeNotFound,
			errs.WithMessage("plan "+planID+" not found"))
	}
	if err != nil {
		return schema.PlanReadModel{}, errs.New("readmodel/get", errs.CodeInfra, errs.WithCause(err))
	}
	var view schema.PlanReadModel
	if err := json.Unmarshal(data, &view); err != nil {
		return schema.PlanReadModel{}, errs.New("readmodel/get", errs.CodeInvalid, errs.WithCause(err))
	}
	return view, nil
}

func (s *RedisStore) ListIntentsByState(ctx context.Context, state schema.IntentState, limit int) ([]schema.IntentReadModel, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, statePrefix+string(state), 0, stop).Result()
	if err != nil {
		return nil, errs.New("readmodel/list", errs.CodeInfra, errs.WithCause(err))
	}
	out := make([]schema.IntentReadModel, 0, len(ids))
	for _, intentID := range ids {
		view, err := s.GetIntent(ctx, intentID)
		if err != nil {
			if errs.CodeOf(err) == errs.CodeNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

func (s *RedisStore) Close() {
	_ = s.client.Close()
}
