package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/medscan/internal/logging"
	"github.com/example/medscan/internal/repository"
	"github.com/example/medscan/internal/workflow"
)

const (
	metricsCacheKey = "analysis:metrics"
	metricsCacheTTL = time.Minute
)

// AnalysisRepository defines the persistence operations needed by the use case.
type AnalysisRepository interface {
	SaveLog(ctx context.Context, log *repository.AnalysisLog) error
	FindByTaskIDAndUser(ctx context.Context, taskID, userID string) (*repository.AnalysisLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// AnalysisUseCase records settled submissions and reports on them.
type AnalysisUseCase struct {
	repo           AnalysisRepository
	cache          Cache
	logger         *zap.Logger
	now            func() time.Time
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// MetricsSummary represents aggregated analysis insights.
type MetricsSummary struct {
	TotalAnalyses     int64   `json:"total_analyses"`
	Classified        int64   `json:"classified"`
	Failed            int64   `json:"failed"`
	SuccessRate       float64 `json:"success_rate"`
	AverageConfidence float64 `json:"average_confidence"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
}

// NewAnalysisUseCase constructs a new use case instance.
func NewAnalysisUseCase(repo AnalysisRepository, cache Cache, logger *zap.Logger) *AnalysisUseCase {
	return &AnalysisUseCase{
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("analysis_usecase"),
		now:            time.Now,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// RecordOutcome persists a settled submission made by userID.
func (uc *AnalysisUseCase) RecordOutcome(ctx context.Context, userID string, outcome workflow.Outcome) error {
	opLogger := logging.WithOperation(uc.logger, "usecase.record_outcome", outcome.TaskID)

	hash := sha1.Sum(outcome.Image.Data)
	log := &repository.AnalysisLog{
		TaskID:    outcome.TaskID,
		UserID:    userID,
		FileName:  outcome.Image.Name,
		SHA1Hash:  hex.EncodeToString(hash[:]),
		LatencyMs: outcome.Latency.Milliseconds(),
		CreatedAt: uc.now().UTC(),
	}
	switch {
	case outcome.Result != nil:
		log.Outcome = repository.OutcomeClassified
		log.Label = outcome.Result.Label
		log.Confidence = outcome.Result.Confidence
	case outcome.Err != nil:
		log.Outcome = string(outcome.Err.Kind)
		log.Message = outcome.Err.Message
	default:
		return logging.NewOperationError("usecase.record_outcome", outcome.TaskID, errors.New("outcome has neither result nor error"))
	}

	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", outcome.TaskID, err)
		opLogger.Error("failed to persist analysis log", zap.Error(wrapped))
		return wrapped
	}

	if err := uc.withRedisRetry(ctx, outcome.TaskID, "cache.del.metrics", func() error {
		return uc.cache.Del(ctx, metricsCacheKey)
	}); err != nil {
		opLogger.Warn("failed to invalidate metrics cache", zap.Error(err))
	}
	return nil
}

// GetAnalysis loads a recorded analysis owned by userID.
func (uc *AnalysisUseCase) GetAnalysis(ctx context.Context, userID, taskID string) (*repository.AnalysisLog, error) {
	return uc.repo.FindByTaskIDAndUser(ctx, taskID, userID)
}

// GetMetricsSummary aggregates analysis metrics, served from cache when fresh.
func (uc *AnalysisUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_metrics_summary", "")

	if cached, err := uc.withRedisGet(ctx, "", "cache.get.metrics", metricsCacheKey); err == nil {
		var summary MetricsSummary
		decodeErr := json.Unmarshal([]byte(cached), &summary)
		if decodeErr == nil {
			return &summary, nil
		}
		opLogger.Warn("failed to decode cached metrics", zap.Error(decodeErr))
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalAnalyses:     aggregation.TotalCount,
		Classified:        aggregation.ClassifiedCount,
		Failed:            aggregation.TotalCount - aggregation.ClassifiedCount,
		AverageConfidence: aggregation.AverageConfidence,
		AverageLatencyMs:  aggregation.AverageLatencyMs,
	}
	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.ClassifiedCount) / float64(aggregation.TotalCount)
	}

	if serialized, err := json.Marshal(summary); err == nil {
		if err := uc.withRedisRetry(ctx, "", "cache.set.metrics", func() error {
			return uc.cache.Set(ctx, metricsCacheKey, string(serialized), metricsCacheTTL)
		}); err != nil {
			opLogger.Warn("failed to cache metrics", zap.Error(err))
		}
	}
	return summary, nil
}

func (uc *AnalysisUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) || !isTransientError(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *AnalysisUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
