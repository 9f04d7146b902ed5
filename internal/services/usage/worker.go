package usage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/omnigate/omnigate/internal/models"
)

// Worker drains the usage queue into the database. Inserts are deduped
// on request_id, and the daily rollup is incremented in the same
// transaction using only the rows that actually inserted, so a retried
// batch can never double-count.
type Worker struct {
	db     *gorm.DB
	queue  *Queue
	logger *zap.Logger

	concurrency int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewWorker(db *gorm.DB, queue *Queue, logger *zap.Logger, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Worker{
		db:          db,
		queue:       queue,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Start launches the consumer goroutines and the retry promoter.
func (w *Worker) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.consume(ctx, i)
	}

	w.wg.Add(1)
	go w.promote(ctx)

	w.logger.Info("usage workers started", zap.Int("concurrency", w.concurrency))
}

// Stop cancels consumers and waits for in-flight jobs to land.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) consume(ctx context.Context, id int) {
	defer w.wg.Done()
	log := w.logger.With(zap.Int("worker", id))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("usage dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		if err := w.process(ctx, job); err != nil {
			log.Error("usage job failed",
				zap.String("job_id", job.ID),
				zap.Int("events", len(job.Events)),
				zap.Int("attempts", job.Attempts),
				zap.Error(err))
			if rerr := w.queue.Retry(ctx, job); rerr != nil {
				log.Error("failed to reschedule usage job", zap.Error(rerr))
			}
			continue
		}
	}
}

func (w *Worker) promote(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.PromoteDue(ctx); err != nil {
				w.logger.Warn("retry promotion failed", zap.Error(err))
			}
		}
	}
}

// rollupKey groups a batch's events per owner per UTC day.
type rollupKey struct {
	ownerType models.OwnerType
	ownerID   string
	date      string
}

type rollupDelta struct {
	owner models.Owner
	date  time.Time

	requests      int64
	successes     int64
	errors        int64
	inputTokens   int64
	outputTokens  int64
	costCents     int64
	allowanceUsed int64
}

// process lands one job. Each event inserts with ON CONFLICT DO NOTHING;
// only the rows the insert actually took contribute to the rollup, all
// inside one transaction.
func (w *Worker) process(ctx context.Context, job *Job) error {
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deltas := make(map[rollupKey]*rollupDelta)

		for i := range job.Events {
			event := job.Events[i]
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "request_id"}},
				DoNothing: true,
			}).Create(&event)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Already landed by an earlier attempt of this batch.
				continue
			}

			day := event.Timestamp.UTC().Truncate(24 * time.Hour)
			key := rollupKey{
				ownerType: event.OwnerType,
				ownerID:   event.OwnerID.String(),
				date:      day.Format("2006-01-02"),
			}
			d, ok := deltas[key]
			if !ok {
				d = &rollupDelta{
					owner: models.Owner{Type: event.OwnerType, ID: event.OwnerID},
					date:  day,
				}
				deltas[key] = d
			}

			d.requests++
			if event.Status == models.RequestSuccess {
				d.successes++
			} else {
				d.errors++
			}
			d.inputTokens += int64(event.InputTokens)
			d.outputTokens += int64(event.OutputTokens)
			d.costCents += event.CostCents
			if event.BillingSource == models.BillingSourceAllowance {
				d.allowanceUsed++
			}
		}

		for _, d := range deltas {
			if err := applyRollup(tx, d); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyRollup(tx *gorm.DB, d *rollupDelta) error {
	res := tx.Model(&models.UsageDaily{}).
		Where("owner_type = ? AND owner_id = ? AND date = ?", d.owner.Type, d.owner.ID, d.date).
		Updates(map[string]interface{}{
			"request_count":  gorm.Expr("request_count + ?", d.requests),
			"success_count":  gorm.Expr("success_count + ?", d.successes),
			"error_count":    gorm.Expr("error_count + ?", d.errors),
			"input_tokens":   gorm.Expr("input_tokens + ?", d.inputTokens),
			"output_tokens":  gorm.Expr("output_tokens + ?", d.outputTokens),
			"cost_cents":     gorm.Expr("cost_cents + ?", d.costCents),
			"allowance_used": gorm.Expr("allowance_used + ?", d.allowanceUsed),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	row := models.UsageDaily{
		OwnerType:     d.owner.Type,
		OwnerID:       d.owner.ID,
		Date:          d.date,
		RequestCount:  d.requests,
		SuccessCount:  d.successes,
		ErrorCount:    d.errors,
		InputTokens:   d.inputTokens,
		OutputTokens:  d.outputTokens,
		CostCents:     d.costCents,
		AllowanceUsed: d.allowanceUsed,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "owner_type"}, {Name: "owner_id"}, {Name: "date"},
		},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"request_count":  gorm.Expr("usage_dailies.request_count + ?", d.requests),
			"success_count":  gorm.Expr("usage_dailies.success_count + ?", d.successes),
			"error_count":    gorm.Expr("usage_dailies.error_count + ?", d.errors),
			"input_tokens":   gorm.Expr("usage_dailies.input_tokens + ?", d.inputTokens),
			"output_tokens":  gorm.Expr("usage_dailies.output_tokens + ?", d.outputTokens),
			"cost_cents":     gorm.Expr("usage_dailies.cost_cents + ?", d.costCents),
			"allowance_used": gorm.Expr("usage_dailies.allowance_used + ?", d.allowanceUsed),
		}),
	}).Create(&row).Error
	return err
}
