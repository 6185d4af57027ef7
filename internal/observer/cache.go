package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	contractsmq "homebase/contracts/mq"
	"homebase/internal/model"
	"homebase/internal/repository"
)

const (
	listCachePrefix = "workflow:list:"
	listCacheTTL    = 5 * time.Minute
	pollInterval    = 30 * time.Second
)

// activeStages are the stages that keep changing without user action;
// only workflows sitting in one of these are worth interval polling.
// Everything else is static until the next change-feed push.
var activeStages = map[model.Stage]bool{
	model.StageJobInProgress:       true,
	model.StageAIAnalyzing:         true,
	model.StageDiagnosticScheduled: true,
}

// IsActiveStage reports whether a stage warrants interval polling.
func IsActiveStage(s model.Stage) bool {
	return activeStages[s]
}

// ListSource 列表查询入口
type ListSource interface {
	List(ctx context.Context, f repository.ListFilter) ([]*model.WorkflowState, error)
}

// ListCache caches filtered workflow lists in Redis. Invalidation is
// wholesale: any change-feed event on the table drops every cached
// list. 列表不是热路径，宁可多失效也不做精确失效。
type ListCache struct {
	rdb    *redis.Client
	source ListSource
	subs   SubscriberFactory
	logger *zap.Logger

	sub Subscription
}

func NewListCache(rdb *redis.Client, source ListSource, subs SubscriberFactory, log *zap.Logger) *ListCache {
	return &ListCache{rdb: rdb, source: source, subs: subs, logger: log}
}

func listCacheKey(f repository.ListFilter) string {
	key := listCachePrefix
	if f.HomeownerID != nil {
		key += fmt.Sprintf("h%d:", *f.HomeownerID)
	}
	if f.ProviderOrgID != nil {
		key += fmt.Sprintf("p%d:", *f.ProviderOrgID)
	}
	if f.Stage != nil {
		key += fmt.Sprintf("s%s:", *f.Stage)
	}
	key += fmt.Sprintf("l%d", f.Limit)
	return key
}

// List 先查缓存，未命中则落库并回填。
// Redis 故障时直接落库，缓存永远不挡读路径。
func (c *ListCache) List(ctx context.Context, f repository.ListFilter) ([]*model.WorkflowState, error) {
	key := listCacheKey(f)

	cached, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var out []*model.WorkflowState
		if err := json.Unmarshal(cached, &out); err == nil {
			return out, nil
		}
	} else if err != redis.Nil {
		c.logger.Warn("List cache read failed", zap.String("key", key), zap.Error(err))
	}

	out, err := c.source.List(ctx, f)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(out); err == nil {
		if err := c.rdb.Set(ctx, key, b, listCacheTTL).Err(); err != nil {
			c.logger.Warn("List cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return out, nil
}

// StartInvalidation subscribes to every workflow change and drops
// the whole list cache on each event.
func (c *ListCache) StartInvalidation() error {
	if c.sub != nil {
		return fmt.Errorf("invalidation already running")
	}
	sub, err := c.subs.Subscribe(contractsmq.RoutingKeyWorkflowChangedAll, func(ctx context.Context, _ json.RawMessage) error {
		c.InvalidateAll(ctx)
		return nil
	})
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

// StopInvalidation 配对 StartInvalidation
func (c *ListCache) StopInvalidation() {
	if c.sub != nil {
		c.sub.Stop()
		c.sub = nil
	}
}

// InvalidateAll 清掉整个列表缓存
func (c *ListCache) InvalidateAll(ctx context.Context) {
	iter := c.rdb.Scan(ctx, 0, listCachePrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("List cache scan failed", zap.Error(err))
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("List cache invalidation failed", zap.Error(err))
	}
}

// StartActivePolling re-loads the observed workflow every 30s while its
// stage is in the active set. Settled workflows stay quiet until the
// next change-feed push. Blocks until ctx is cancelled.
func (c *ListCache) StartActivePolling(ctx context.Context, obs *Observer, serviceRequestID int64) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := obs.State()
			if state == nil || !IsActiveStage(state.Stage) {
				continue
			}
			if _, err := obs.Load(ctx, serviceRequestID); err != nil {
				c.logger.Warn("Active poll refresh failed",
					zap.Int64("service_request_id", serviceRequestID),
					zap.Error(err),
				)
			}
		}
	}
}

// ApplyOptimistic writes an intended change into the cache view first,
// then runs the authoritative update. On failure it invalidates rather
// than trying to compute a rollback; refetching is cheap.
func (c *ListCache) ApplyOptimistic(ctx context.Context, obs *Observer, apply func(w *model.WorkflowState), commit func(ctx context.Context) error) error {
	state := obs.State()
	if state != nil && apply != nil {
		next := *state
		apply(&next)
		obs.mu.Lock()
		obs.state = &next
		obs.mu.Unlock()
	}

	if err := commit(ctx); err != nil {
		c.InvalidateAll(ctx)
		if state != nil {
			srid := int64(0)
			if state.ServiceRequestID != nil {
				srid = *state.ServiceRequestID
			}
			if srid != 0 {
				if _, loadErr := obs.Load(ctx, srid); loadErr != nil {
					c.logger.Warn("Post-failure refetch failed", zap.Error(loadErr))
				}
			}
		}
		return err
	}
	return nil
}
