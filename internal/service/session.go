package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smartfarmdiy/strawbydetet/internal/domain"
	"github.com/smartfarmdiy/strawbydetet/internal/handler/ml"
)

// Inference то, что контроллеру нужно от inference-сервиса
type Inference interface {
	UploadImage(ctx context.Context, file domain.File) (*domain.ImageUpload, error)
	UploadVideo(ctx context.Context, file domain.File) error
	DetectionCounts(ctx context.Context) (domain.ClassificationResult, error)
	FinalCounts(ctx context.Context) (*domain.FinalCounts, error)
	StopStream(ctx context.Context) error
	StreamURL() string
}

type Options struct {
	ImagePolicy  Policy
	VideoPolicy  Policy
	PollInterval time.Duration
	// StopTimeout дедлайн фонового уведомления /stop_stream
	StopTimeout time.Duration
	Now         func() time.Time
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type session struct {
	id          string
	mode        domain.Mode
	status      domain.Status
	result      domain.ClassificationResult
	artifact    domain.Artifact
	lastErr     *domain.DetectionError
	message     string
	failedTicks int
	updatedAt   time.Time
	// streamOpen видео ушло на сервис; при уходе с сессии нужен /stop_stream
	streamOpen bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) inFlight() bool {
	return s.status == domain.StatusSubmitting || s.status == domain.StatusPollingVideo
}

// pollHandle владение циклом опроса; не nil только в статусе polling_video
type pollHandle struct {
	done chan struct{}
}

// Controller ведёт одну сессию детекции: валидация, rate limit, загрузка
// и для видео опрос до финального результата.
// Состояние меняет только сам контроллер; UI читает Snapshot или Subscribe.
type Controller struct {
	inference Inference
	limiter   *RateLimiter
	opts      Options
	log       zerolog.Logger

	base       context.Context
	cancelBase context.CancelFunc
	stops      sync.WaitGroup

	mu   sync.Mutex
	gen  uint64
	sess session
	poll *pollHandle
	// stopsDone закрывается, когда завершены все отправленные /stop_stream
	stopsDone <-chan struct{}
	subs      map[uint64]chan domain.Snapshot
	nextSub   uint64
	closed    bool
}

func NewController(inference Inference, limiter *RateLimiter, opts Options, log zerolog.Logger) *Controller {
	opts.applyDefaults()
	base, cancel := context.WithCancel(context.Background())
	c := &Controller{
		inference:  inference,
		limiter:    limiter,
		opts:       opts,
		log:        log.With().Str("component", "session").Logger(),
		base:       base,
		cancelBase: cancel,
		subs:       make(map[uint64]chan domain.Snapshot),
	}
	c.sess = c.idleSession()
	return c
}

func (c *Controller) idleSession() session {
	return session{
		mode:      domain.ModeIdle,
		status:    domain.StatusIdle,
		result:    domain.Baseline(),
		updatedAt: c.opts.Now(),
	}
}

// SubmitImage отправляет изображение и возвращает итоговое состояние сессии
func (c *Controller) SubmitImage(ctx context.Context, file domain.File) domain.Snapshot {
	return c.submit(ctx, domain.ModeImage, file)
}

// SubmitVideo загружает видео и запускает опрос; возвращает состояние после загрузки
func (c *Controller) SubmitVideo(ctx context.Context, file domain.File) domain.Snapshot {
	return c.submit(ctx, domain.ModeVideo, file)
}

func (c *Controller) submit(ctx context.Context, mode domain.Mode, file domain.File) domain.Snapshot {
	c.mu.Lock()
	if c.closed {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		snap.LastError = domain.NewError(domain.ErrTransport, "Service is shutting down", nil)
		return snap
	}

	prev := c.abandonLocked()
	gen := c.beginLocked(mode)
	log := c.log.With().Str("session", c.sess.id).Uint64("generation", gen).Str("mode", string(mode)).Logger()

	policy := c.opts.ImagePolicy
	if mode == domain.ModeVideo {
		policy = c.opts.VideoPolicy
	}
	if out := Validate(file, policy); !out.Accepted {
		log.Info().Str("file", file.Name).Str("reason", out.Reason).Msg("file rejected")
		c.failLocked(domain.NewError(domain.ErrValidation, out.Reason, nil))
		return c.unlockAndWait(prev)
	}

	if !c.limiter.TryAcquire(c.opts.Now()) {
		log.Info().Msg("submission rate limited")
		c.failLocked(domain.NewError(domain.ErrRateLimited, "Too many requests, please wait a moment and try again", nil))
		return c.unlockAndWait(prev)
	}

	c.sess.status = domain.StatusSubmitting
	c.sess.streamOpen = mode == domain.ModeVideo
	c.publishLocked()
	sessCtx := c.sess.ctx
	stopsDone := c.stopsDone
	c.unlockAndWait(prev)

	// отмена сессии или уход вызывающего прерывают загрузку
	reqCtx, cancel := context.WithCancel(sessCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	// /stop_stream прошлой сессии сбрасывает видео на сервисе,
	// поэтому новая загрузка уходит только после него
	if stopsDone != nil {
		select {
		case <-stopsDone:
		case <-reqCtx.Done():
		}
	}

	if mode == domain.ModeImage {
		res, err := c.inference.UploadImage(reqCtx, file)
		return c.finishImage(gen, log, res, err)
	}
	err := c.inference.UploadVideo(reqCtx, file)
	return c.finishVideo(gen, log, err)
}

func (c *Controller) finishImage(gen uint64, log zerolog.Logger, res *domain.ImageUpload, err error) domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		log.Debug().Msg("stale image response discarded")
		return c.snapshotLocked()
	}
	if err != nil {
		log.Error().Err(err).Msg("image upload failed")
		c.failLocked(classifyError(err))
		return c.snapshotLocked()
	}

	c.sess.status = domain.StatusSucceeded
	c.sess.result = res.Percentages.Normalize()
	c.sess.artifact = domain.ImageArtifact(res.ImageURL)
	c.sess.message = "Image processed"
	c.releaseSessionLocked()
	log.Info().Str("image_url", res.ImageURL).Msg("image processed")
	c.publishLocked()
	return c.snapshotLocked()
}

func (c *Controller) finishVideo(gen uint64, log zerolog.Logger, err error) domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		log.Debug().Msg("stale video response discarded")
		return c.snapshotLocked()
	}
	if err != nil {
		log.Error().Err(err).Msg("video upload failed")
		c.failLocked(classifyError(err))
		return c.snapshotLocked()
	}

	c.sess.status = domain.StatusPollingVideo
	c.sess.result = domain.Baseline()
	c.sess.artifact = domain.StreamArtifact(c.inference.StreamURL())
	c.sess.message = "Video uploaded, processing started"
	c.poll = &pollHandle{done: make(chan struct{})}
	go c.pollLoop(c.sess.ctx, gen, c.poll.done)
	log.Info().Dur("interval", c.opts.PollInterval).Msg("video polling started")
	c.publishLocked()
	return c.snapshotLocked()
}

// Cancel останавливает опрос, уведомляет сервис и сбрасывает сессию в idle
func (c *Controller) Cancel() domain.Snapshot {
	c.mu.Lock()
	prev := c.abandonLocked()
	c.gen++
	c.sess = c.idleSession()
	c.publishLocked()
	return c.unlockAndWait(prev)
}

// Close отменяет текущую сессию и закрывает подписки
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev := c.abandonLocked()
	c.gen++
	c.closed = true
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()

	if prev != nil {
		<-prev
	}
	c.cancelBase()
	c.stops.Wait()
}

// Snapshot текущее состояние сессии
func (c *Controller) Snapshot() domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe возвращает канал снимков состояния (хранится только последний)
// и функцию отписки. Первый снимок приходит сразу.
func (c *Controller) Subscribe() (<-chan domain.Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan domain.Snapshot, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snapshotLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

// beginLocked заводит новую сессию с новым поколением
func (c *Controller) beginLocked(mode domain.Mode) uint64 {
	c.gen++
	prev := c.sess
	ctx, cancel := context.WithCancel(c.base)
	c.sess = session{
		id:        uuid.NewString(),
		mode:      mode,
		status:    domain.StatusValidating,
		result:    prev.result,
		ctx:       ctx,
		cancel:    cancel,
		updatedAt: c.opts.Now(),
	}
	if c.sess.result == nil {
		c.sess.result = domain.Baseline()
	}
	// артефакт другого режима не переносим
	if (mode == domain.ModeImage && prev.artifact.Kind == domain.ArtifactImage) ||
		(mode == domain.ModeVideo && prev.artifact.Kind == domain.ArtifactStream) {
		c.sess.artifact = prev.artifact
	}
	c.publishLocked()
	return c.gen
}

// abandonLocked уходит с текущей сессии: шлёт /stop_stream, если видео уже
// на сервисе, и отменяет сессию, которая ещё в работе. Возвращает канал
// завершения цикла опроса, который надо дождаться без блокировки.
func (c *Controller) abandonLocked() <-chan struct{} {
	if c.sess.streamOpen {
		c.notifyStopLocked(c.sess.id)
		c.sess.streamOpen = false
	}
	if !c.sess.inFlight() {
		c.releaseSessionLocked()
		return nil
	}

	var done <-chan struct{}
	if c.poll != nil {
		done = c.poll.done
		c.poll = nil
	}
	c.releaseSessionLocked()
	c.gen++

	c.log.Info().Str("session", c.sess.id).Str("status", string(c.sess.status)).Msg("session cancelled")
	c.sess.status = domain.StatusCancelled
	c.sess.result = domain.Baseline()
	c.sess.artifact = domain.Artifact{}
	c.sess.message = "Cancelled"
	c.publishLocked()
	return done
}

func (c *Controller) releaseSessionLocked() {
	if c.sess.cancel != nil {
		c.sess.cancel()
		c.sess.cancel = nil
	}
}

func (c *Controller) failLocked(err *domain.DetectionError) {
	c.sess.status = domain.StatusFailed
	c.sess.lastErr = err
	c.sess.message = err.Message
	if c.poll != nil {
		c.poll = nil
	}
	c.releaseSessionLocked()
	c.publishLocked()
}

// notifyStopLocked отправляет /stop_stream в фоне, ошибки только логируются.
// Каждый запрос ограничен StopTimeout; c.stopsDone закроется после него
// и всех предыдущих.
func (c *Controller) notifyStopLocked(sessionID string) {
	prev := c.stopsDone
	done := make(chan struct{})
	c.stopsDone = done

	c.stops.Add(1)
	go func() {
		defer c.stops.Done()
		defer close(done)

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.StopTimeout)
		defer cancel()
		if err := c.inference.StopStream(ctx); err != nil {
			c.log.Warn().Err(err).Str("session", sessionID).Msg("stop stream failed, ignoring")
		}
		if prev != nil {
			<-prev
		}
	}()
}

func (c *Controller) unlockAndWait(prev <-chan struct{}) domain.Snapshot {
	snap := c.snapshotLocked()
	c.mu.Unlock()
	if prev != nil {
		<-prev
	}
	return snap
}

func (c *Controller) publishLocked() {
	c.sess.updatedAt = c.opts.Now()
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			// подписчик не успел прочитать, заменяем устаревший снимок
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (c *Controller) snapshotLocked() domain.Snapshot {
	return domain.Snapshot{
		SessionID:   c.sess.id,
		Generation:  c.gen,
		Mode:        c.sess.mode,
		Status:      c.sess.status,
		Result:      c.sess.result.Clone(),
		Artifact:    c.sess.artifact,
		LastError:   c.sess.lastErr,
		Message:     c.sess.message,
		FailedTicks: c.sess.failedTicks,
		UpdatedAt:   c.sess.updatedAt,
	}
}

func classifyError(err error) *domain.DetectionError {
	if errors.Is(err, ml.ErrUnauthorized) {
		return domain.NewError(domain.ErrAuth, "Not authorized, please sign in again", err)
	}
	if errors.Is(err, ml.ErrTimeout) {
		return domain.NewError(domain.ErrTimeout, "The inference service did not respond in time", err)
	}
	var se *ml.ServiceError
	if errors.As(err, &se) {
		return domain.NewError(domain.ErrServer, se.Message, err)
	}
	return domain.NewError(domain.ErrTransport, "Could not reach the inference service", err)
}
