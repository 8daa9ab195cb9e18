// Package engine реализует конвейер жизненного цикла заказов кодов
// маркировки: создание у вендора, ожидание выпуска, скачивание файла с
// кодами и ввод в оборот. Каждая фаза обслуживается своим ограниченным
// пулом, все пулы работают поверх общего реестра заказов.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kirillbelykh/kontur-api/internal/model"
	"github.com/kirillbelykh/kontur-api/internal/registry"
	"github.com/kirillbelykh/kontur-api/internal/session"
)

// Gateway описывает операции API вендора, используемые конвейером.
// Каждая операция принимает одолженную сессию и может завершиться ошибкой;
// повторное выполнение остаётся на усмотрение вызывающего пула.
type Gateway interface {
	CreateOrder(ctx context.Context, s *session.Session, spec model.OrderSpec) (model.CreateResult, error)
	OrderStatus(ctx context.Context, s *session.Session, remoteID string) (string, error)
	DownloadCodes(ctx context.Context, s *session.Session, remoteID, orderName string) (string, error)
	RegisterCirculation(ctx context.Context, s *session.Session, remoteID string, batch model.ProductionBatch) (model.IntroductionResult, error)
}

// Sessions выдаёт действующую сессию вендора.
type Sessions interface {
	Get(ctx context.Context) (*session.Session, error)
}

// Options задаёт размеры пулов и тайминги конвейера.
type Options struct {
	CreateWorkers   int
	DownloadWorkers int
	IntroWorkers    int
	PollInterval    time.Duration
	CreateTimeout   time.Duration
	DownloadTimeout time.Duration
	IntroTimeout    time.Duration
}

func (o *Options) withDefaults() {
	if o.CreateWorkers <= 0 {
		o.CreateWorkers = 3
	}
	if o.DownloadWorkers <= 0 {
		o.DownloadWorkers = 2
	}
	if o.IntroWorkers <= 0 {
		o.IntroWorkers = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.CreateTimeout <= 0 {
		o.CreateTimeout = 30 * time.Second
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = time.Minute
	}
	if o.IntroTimeout <= 0 {
		// Ввод в оборот у вендора сам является долгой опрашивающей
		// операцией, таймаут задаётся в минутах.
		o.IntroTimeout = 10 * time.Minute
	}
}

type introTask struct {
	recordID string
	batch    model.ProductionBatch
}

// Engine управляет пулами обработки заказов. Владеет очередями фаз и
// учётом введённых и вводимых в оборот документов; состояние самих
// заказов живёт в реестре.
type Engine struct {
	gateway  Gateway
	sessions Sessions
	reg      *registry.Registry
	opts     Options
	logger   *zap.SugaredLogger

	createCh   chan string
	downloadCh chan string
	introCh    chan introTask
	events     chan model.Event

	quit     chan struct{}
	quitOnce sync.Once

	introMu       sync.Mutex
	introduced    map[string]struct{}
	introInFlight map[string]struct{}
}

// New создаёт конвейер поверх реестра reg с указанными коллабораторами.
func New(gw Gateway, sessions Sessions, reg *registry.Registry, opts Options, logger *zap.SugaredLogger) *Engine {
	opts.withDefaults()

	return &Engine{
		gateway:       gw,
		sessions:      sessions,
		reg:           reg,
		opts:          opts,
		logger:        logger,
		createCh:      make(chan string, 64),
		downloadCh:    make(chan string, 64),
		introCh:       make(chan introTask, 64),
		events:        make(chan model.Event, 128),
		quit:          make(chan struct{}),
		introduced:    make(map[string]struct{}),
		introInFlight: make(map[string]struct{}),
	}
}

// Run запускает все пулы и цикл опроса статусов и блокируется до отмены
// контекста. После остановки всех воркеров канал событий закрывается.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < e.opts.CreateWorkers; i++ {
		g.Go(func() error {
			e.createWorker(ctx)
			return nil
		})
	}
	for i := 0; i < e.opts.DownloadWorkers; i++ {
		g.Go(func() error {
			e.downloadWorker(ctx)
			return nil
		})
	}
	for i := 0; i < e.opts.IntroWorkers; i++ {
		g.Go(func() error {
			e.introWorker(ctx)
			return nil
		})
	}
	g.Go(func() error {
		e.pollLoop(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		e.quitOnce.Do(func() { close(e.quit) })
		return nil
	})

	err := g.Wait()
	close(e.events)
	return err
}

// Submit принимает пакет спецификаций, регистрирует по записи на каждую и
// возвращает их идентификаторы немедленно; постановка в очередь создания
// происходит асинхронно.
func (e *Engine) Submit(specs []model.OrderSpec) []string {
	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		ids = append(ids, e.reg.Append(spec))
	}

	go func() {
		for _, id := range ids {
			select {
			case e.createCh <- id:
			case <-e.quit:
				return
			}
		}
	}()

	return ids
}

// TriggerIntroduction асинхронно ставит выбранные заказы в очередь ввода в
// оборот с указанной производственной партией. Дубликаты внутри пакета,
// записи не в состоянии DOWNLOADED/INTRODUCTION_FAILED, а также уже
// введённые или вводимые прямо сейчас документы пропускаются.
// Возвращает идентификаторы принятых записей.
func (e *Engine) TriggerIntroduction(ids []string, batch model.ProductionBatch) []string {
	accepted := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		rec, err := e.reg.Get(id)
		if err != nil {
			e.logger.Warnw("introduction trigger: unknown record", "record", id)
			continue
		}
		if rec.State != model.StateDownloaded && rec.State != model.StateIntroductionFailed {
			e.logger.Warnw("introduction trigger: record not eligible", "record", id, "state", rec.State)
			continue
		}
		if e.introductionBlocked(rec.RemoteID) {
			e.logger.Infow("introduction trigger: document already introduced or in flight", "record", id, "remote_id", rec.RemoteID)
			continue
		}
		accepted = append(accepted, id)
	}

	go func() {
		for _, id := range accepted {
			select {
			case e.introCh <- introTask{recordID: id, batch: batch}:
			case <-e.quit:
				return
			}
		}
	}()

	return accepted
}

// RetryDownload повторно ставит в очередь скачивания запись, у которой
// предыдущее скачивание завершилось ошибкой. Запись в любом другом
// состоянии, включая уже поставленную в очередь, отклоняется реестром.
func (e *Engine) RetryDownload(id string) error {
	err := e.reg.Update(id, func(r *model.OrderRecord) {
		r.State = model.StateQueuedForDownload
		r.Error = ""
	})
	if err != nil {
		return err
	}

	go func() {
		select {
		case e.downloadCh <- id:
		case <-e.quit:
		}
	}()

	return nil
}

// Snapshot возвращает копию реестра для отображения.
func (e *Engine) Snapshot() []model.OrderRecord {
	return e.reg.Snapshot()
}

// Events возвращает канал событий конвейера. По каждому завершённому
// заданию публикуется ровно одно событие; канал закрывается после
// остановки Run.
func (e *Engine) Events() <-chan model.Event {
	return e.events
}

func (e *Engine) emit(ctx context.Context, ev model.Event) {
	ev.Time = time.Now()
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

// introductionBlocked сообщает, введён ли документ в оборот или
// обрабатывается одним из воркеров прямо сейчас.
func (e *Engine) introductionBlocked(remoteID string) bool {
	if remoteID == "" {
		return false
	}
	e.introMu.Lock()
	defer e.introMu.Unlock()
	if _, ok := e.introduced[remoteID]; ok {
		return true
	}
	_, ok := e.introInFlight[remoteID]
	return ok
}

// reserveIntroduction атомарно резервирует документ за одним заданием
// ввода в оборот. Возвращает false, если документ уже введён или
// зарезервирован; в этом случае вызывающий воркер пропускает задание.
func (e *Engine) reserveIntroduction(remoteID string) bool {
	if remoteID == "" {
		return false
	}
	e.introMu.Lock()
	defer e.introMu.Unlock()
	if _, ok := e.introduced[remoteID]; ok {
		return false
	}
	if _, ok := e.introInFlight[remoteID]; ok {
		return false
	}
	e.introInFlight[remoteID] = struct{}{}
	return true
}

// releaseIntroduction снимает резерв после неудачной попытки, открывая
// документ для повторного запуска вручную.
func (e *Engine) releaseIntroduction(remoteID string) {
	e.introMu.Lock()
	defer e.introMu.Unlock()
	delete(e.introInFlight, remoteID)
}

func (e *Engine) markIntroduced(remoteID string) {
	e.introMu.Lock()
	defer e.introMu.Unlock()
	delete(e.introInFlight, remoteID)
	e.introduced[remoteID] = struct{}{}
}
