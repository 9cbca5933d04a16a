// Package cleanup は解決済み紐付けリクエストの自動削除ジョブを提供する。
// 保持期間（デフォルト180日）を超過したaccepted / rejectedのリクエストを
// 定期バッチで削除する。pendingのリクエストは削除しない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pruner は解決済みリクエストの削除を抽象化するインターフェース。
// repository.LinkRequestRepositoryが満たす。
type Pruner interface {
	DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error)
}

// PruneRecorder は削除件数の記録先。metrics.Collectorが満たす。
type PruneRecorder interface {
	RecordLinkRequestsPruned(count int64)
}

// CleanupJob は保持期間を超過した解決済みリクエストの自動削除ジョブ。
// 冪等な削除処理を保証する。
type CleanupJob struct {
	pruner        Pruner
	logger        *slog.Logger
	recorder      PruneRecorder
	now           func() time.Time
	RetentionDays int // 解決済みリクエストの保持日数（デフォルト: 180）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は180日。recorderはnilでもよい。
func NewCleanupJob(pruner Pruner, logger *slog.Logger, recorder PruneRecorder) *CleanupJob {
	return &CleanupJob{
		pruner:        pruner,
		logger:        logger,
		recorder:      recorder,
		now:           time.Now,
		RetentionDays: 180,
	}
}

// Run は作成日時がRetentionDays日前より古い解決済みリクエストを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.now().AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.pruner.DeleteResolvedBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("link request cleanup failed",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("紐付けリクエストのクリーンアップに失敗: %w", err)
	}

	if j.recorder != nil {
		j.recorder.RecordLinkRequestsPruned(deletedCount)
	}

	j.logger.Info("link request cleanup completed",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回、その後intervalごとにRunを実行する。
// ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("cleanup job started",
		slog.Duration("interval", interval),
		slog.Int("retention_days", j.RetentionDays),
	)

	// 失敗はRun内でログ出力済みのため、次のサイクルで再試行する
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("cleanup job stopped")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
