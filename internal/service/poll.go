package service

import (
	"context"
	"errors"
	"time"

	"github.com/smartfarmdiy/strawbydetet/internal/domain"
	"github.com/smartfarmdiy/strawbydetet/internal/handler/ml"
)

// pollLoop опрашивает сервис, пока видео не обработано, не случилась ошибка
// авторизации или сессия не отменена. Тики выполняются одной горутиной
// и поэтому никогда не перекрываются.
func (c *Controller) pollLoop(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.tick(ctx, gen) {
			return
		}
	}
}

// tick одна пара запросов: промежуточные проценты, затем флаг завершения.
// Возвращает false, если цикл надо остановить.
func (c *Controller) tick(ctx context.Context, gen uint64) bool {
	counts, err := c.inference.DetectionCounts(ctx)
	if err != nil {
		return c.tickFailed(ctx, gen, "detection counts", err)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	// промежуточный результат применяется сразу, даже если дальше тик упадёт
	c.sess.result = counts.Normalize()
	c.publishLocked()
	c.mu.Unlock()

	final, err := c.inference.FinalCounts(ctx)
	if err != nil {
		return c.tickFailed(ctx, gen, "final counts", err)
	}
	if !final.Complete {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	if final.Percentages != nil {
		c.sess.result = final.Percentages.Normalize()
	}
	c.sess.status = domain.StatusCompleted
	c.sess.message = "Video processing complete"
	c.poll = nil
	c.releaseSessionLocked()
	c.log.Info().Str("session", c.sess.id).Uint64("generation", gen).Msg("video processing complete")
	c.publishLocked()
	return false
}

// tickFailed: ошибка авторизации прерывает опрос, остальные ошибки
// пропускаются до следующего тика (сервис может временно не отвечать).
func (c *Controller) tickFailed(ctx context.Context, gen uint64, step string, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}

	log := c.log.With().Str("session", c.sess.id).Uint64("generation", gen).Str("step", step).Logger()
	if errors.Is(err, ml.ErrUnauthorized) {
		log.Error().Err(err).Msg("poll unauthorized, stopping")
		c.failLocked(classifyError(err))
		return false
	}

	c.sess.failedTicks++
	log.Warn().Err(err).Int("failed_ticks", c.sess.failedTicks).Msg("poll tick failed, retrying on next tick")
	c.publishLocked()
	return true
}
