package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kirillbelykh/kontur-api/internal/model"
	"github.com/kirillbelykh/kontur-api/internal/registry"
	"github.com/kirillbelykh/kontur-api/internal/session"
)

type fakeGateway struct {
	mu          sync.Mutex
	createCalls int
	inFlight    int
	maxInFlight int
	createDelay time.Duration
	createErr   error

	statusCalls int
	statusFn    func(call int, remoteID string) (string, error)

	downloadCalls int
	downloadErr   error
	downloadGate  chan struct{}

	introCalls       int
	introInFlight    int
	maxIntroInFlight int
	introResult      model.IntroductionResult
	introErr         error
	introGate        chan struct{}
}

func (g *fakeGateway) CreateOrder(ctx context.Context, _ *session.Session, spec model.OrderSpec) (model.CreateResult, error) {
	g.mu.Lock()
	g.createCalls++
	n := g.createCalls
	g.inFlight++
	if g.inFlight > g.maxInFlight {
		g.maxInFlight = g.inFlight
	}
	delay := g.createDelay
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	g.mu.Lock()
	g.inFlight--
	err := g.createErr
	g.mu.Unlock()

	if err != nil {
		return model.CreateResult{}, err
	}
	return model.CreateResult{RemoteID: fmt.Sprintf("doc-%d", n), Status: "created"}, nil
}

func (g *fakeGateway) OrderStatus(_ context.Context, _ *session.Session, remoteID string) (string, error) {
	g.mu.Lock()
	g.statusCalls++
	n := g.statusCalls
	fn := g.statusFn
	g.mu.Unlock()

	if fn != nil {
		return fn(n, remoteID)
	}
	return "processing", nil
}

func (g *fakeGateway) DownloadCodes(ctx context.Context, _ *session.Session, remoteID, _ string) (string, error) {
	g.mu.Lock()
	g.downloadCalls++
	err := g.downloadErr
	gate := g.downloadGate
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if err != nil {
		return "", err
	}
	return "/tmp/codes/" + remoteID + ".csv", nil
}

func (g *fakeGateway) RegisterCirculation(ctx context.Context, _ *session.Session, _ string, _ model.ProductionBatch) (model.IntroductionResult, error) {
	g.mu.Lock()
	g.introCalls++
	g.introInFlight++
	if g.introInFlight > g.maxIntroInFlight {
		g.maxIntroInFlight = g.introInFlight
	}
	gate := g.introGate
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	g.mu.Lock()
	g.introInFlight--
	result := g.introResult
	err := g.introErr
	g.mu.Unlock()

	if err != nil {
		return model.IntroductionResult{}, err
	}
	if result.IntroductionID == "" && len(result.Errors) == 0 {
		result.IntroductionID = "intro-1"
	}
	return result, nil
}

func (g *fakeGateway) counts() (create, status, download, intro int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls, g.statusCalls, g.downloadCalls, g.introCalls
}

func (g *fakeGateway) maxConcurrentCreates() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxInFlight
}

func (g *fakeGateway) maxConcurrentIntros() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxIntroInFlight
}

type stubSessions struct {
	err error
}

func (s *stubSessions) Get(context.Context) (*session.Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &session.Session{
		Cookies:   []*http.Cookie{{Name: "auth", Value: "v"}},
		CreatedAt: time.Now(),
	}, nil
}

func testOpts() Options {
	return Options{
		CreateWorkers:   2,
		DownloadWorkers: 2,
		IntroWorkers:    2,
		PollInterval:    20 * time.Millisecond,
		CreateTimeout:   time.Second,
		DownloadTimeout: time.Second,
		IntroTimeout:    time.Second,
	}
}

// startEngine запускает конвейер и останавливает его по завершении теста.
func startEngine(t *testing.T, gw Gateway, sessions Sessions, opts Options) (*Engine, *registry.Registry) {
	t.Helper()

	reg := registry.New()
	e := New(gw, sessions, reg, opts, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// События никто не читает в большинстве тестов — вычитываем фоном,
	// чтобы воркеры не блокировались на полном буфере.
	go func() {
		for range e.Events() {
		}
	}()

	return e, reg
}

func specs(n int) []model.OrderSpec {
	out := make([]model.OrderSpec, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.OrderSpec{
			GTIN:      "04600439931256",
			Name:      "Вода минеральная",
			OrderName: fmt.Sprintf("Заказ %d", i+1),
			Quantity:  100,
			CisType:   "Unit",
		})
	}
	return out
}

func waitForState(t *testing.T, reg *registry.Registry, id string, want model.OrderState) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := reg.Get(id)
		return err == nil && rec.State == want
	}, 3*time.Second, 5*time.Millisecond, "record %s did not reach %s", id, want)
}

func TestSubmitReturnsImmediately(t *testing.T) {
	gw := &fakeGateway{createDelay: 100 * time.Millisecond}
	e, reg := startEngine(t, gw, &stubSessions{}, testOpts())

	start := time.Now()
	ids := e.Submit(specs(3))
	elapsed := time.Since(start)

	require.Len(t, ids, 3)
	assert.Less(t, elapsed, 50*time.Millisecond, "Submit must not block on slow create calls")

	for _, id := range ids {
		waitForState(t, reg, id, model.StateAwaitingRelease)
	}
}

func TestCreationPoolBounded(t *testing.T) {
	gw := &fakeGateway{createDelay: 50 * time.Millisecond}
	opts := testOpts()
	opts.CreateWorkers = 2

	e, reg := startEngine(t, gw, &stubSessions{}, opts)

	ids := e.Submit(specs(3))
	for _, id := range ids {
		waitForState(t, reg, id, model.StateAwaitingRelease)
	}

	create, _, _, _ := gw.counts()
	assert.Equal(t, 3, create)
	assert.LessOrEqual(t, gw.maxConcurrentCreates(), 2, "at most 2 concurrent create calls")

	for _, id := range ids {
		rec, err := reg.Get(id)
		require.NoError(t, err)
		assert.NotEmpty(t, rec.RemoteID)
	}
}

func TestCreateFailureRecordsError(t *testing.T) {
	gw := &fakeGateway{createErr: errors.New("warehouse not found")}
	e, reg := startEngine(t, gw, &stubSessions{}, testOpts())

	ids := e.Submit(specs(1))
	waitForState(t, reg, ids[0], model.StateCreationFailed)

	rec, err := reg.Get(ids[0])
	require.NoError(t, err)
	assert.Contains(t, rec.Error, "warehouse not found")
	assert.Empty(t, rec.RemoteID, "failed creation must not assign a remote id")
}

func TestSessionFailureDuringCreate(t *testing.T) {
	gw := &fakeGateway{}
	e, reg := startEngine(t, gw, &stubSessions{err: errors.New("cookies expired")}, testOpts())

	ids := e.Submit(specs(1))
	waitForState(t, reg, ids[0], model.StateCreationFailed)

	rec, err := reg.Get(ids[0])
	require.NoError(t, err)
	assert.Contains(t, rec.Error, "cookies expired")

	create, _, _, _ := gw.counts()
	assert.Zero(t, create, "gateway must not be called without a session")
}

func TestReleasedOrderIsDownloadedAndNotPolledAgain(t *testing.T) {
	gw := &fakeGateway{
		statusFn: func(int, string) (string, error) { return "released", nil },
	}
	opts := testOpts()
	e, reg := startEngine(t, gw, &stubSessions{}, opts)

	ids := e.Submit(specs(1))
	waitForState(t, reg, ids[0], model.StateDownloaded)

	rec, err := reg.Get(ids[0])
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ArtifactPath)
	assert.Empty(t, rec.Error)

	_, statusBefore, _, _ := gw.counts()
	time.Sleep(4 * opts.PollInterval)
	_, statusAfter, _, _ := gw.counts()
	assert.Equal(t, statusBefore, statusAfter, "released order must never be polled again")
	assert.Equal(t, 1, statusAfter)
}

func TestPollerRetriesAfterTransientErrors(t *testing.T) {
	gw := &fakeGateway{
		statusFn: func(call int, _ string) (string, error) {
			if call <= 2 {
				return "", errors.New("network timeout")
			}
			return "released", nil
		},
	}
	e, reg := startEngine(t, gw, &stubSessions{}, testOpts())

	ids := e.Submit(specs(1))
	waitForState(t, reg, ids[0], model.StateDownloaded)

	_, status, _, _ := gw.counts()
	assert.Equal(t, 3, status, "two failing polls plus the released one")
}

func TestPollerRemoteErrorIsTerminal(t *testing.T) {
	gw := &fakeGateway{
		statusFn: func(int, string) (string, error) { return "error", nil },
	}
	opts := testOpts()
	e, reg := startEngine(t, gw, &stubSessions{}, opts)

	ids := e.Submit(specs(1))
	waitForState(t, reg, ids[0], model.StateRemoteFailed)

	_, statusBefore, _, _ := gw.counts()
	time.Sleep(4 * opts.PollInterval)
	_, statusAfter, _, _ := gw.counts()
	assert.Equal(t, statusBefore, statusAfter, "terminal record must not be polled")
}

func TestPollerKeepsPendingOnProcessing(t *testing.T) {
	gw := &fakeGateway{
		statusFn: func(int, string) (string, error) { return "processing", nil },
	}
	opts := testOpts()
	e, reg := startEngine(t, gw, &stubSessions{}, opts)

	ids := e.Submit(specs(1))
	waitForState(t, reg, ids[0], model.StateAwaitingRelease)

	require.Eventually(t, func() bool {
		_, status, _, _ := gw.counts()
		return status >= 2
	}, time.Second, 5*time.Millisecond)

	rec, err := reg.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingRelease, rec.State)
	assert.Equal(t, "processing", rec.RemoteStatus)
}

func TestDownloadFailureAndManualRetry(t *testing.T) {
	gw := &fakeGateway{
		statusFn:    func(int, string) (string, error) { return "released", nil },
		downloadErr: errors.New("file not ready"),
	}
	e, reg := startEngine(t, gw, &stubSessions{}, testOpts())

	ids := e.Submit(specs(1))
	waitForState(t, reg, ids[0], model.StateDownloadFailed)

	rec, err := reg.Get(ids[0])
	require.NoError(t, err)
	assert.Contains(t, rec.Error, "file not ready")
	assert.Empty(t, rec.ArtifactPath)

	gw.mu.Lock()
	gw.downloadErr = nil
	gw.mu.Unlock()

	require.NoError(t, e.RetryDownload(ids[0]))
	waitForState(t, reg, ids[0], model.StateDownloaded)

	rec, err = reg.Get(ids[0])
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ArtifactPath)
	assert.Empty(t, rec.Error)
}

func TestRetryDownloadRejectsWrongState(t *testing.T) {
	gw := &fakeGateway{}
	e, reg := startEngine(t, gw, &stubSessions{}, testOpts())

	ids := e.Submit(specs(1))
	waitForState(t, reg, ids[0], model.StateAwaitingRelease)

	err := e.RetryDownload(ids[0])
	require.ErrorIs(t, err, registry.ErrInvalidTransition)
}

func TestRetryDownloadRejectsBusyRecords(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{
		statusFn:     func(int, string) (string, error) { return "released", nil },
		downloadGate: gate,
	}
	opts := testOpts()
	opts.DownloadWorkers = 1
	opts.DownloadTimeout = 10 * time.Second

	e, reg := startEngine(t, gw, &stubSessions{}, opts)

	ids := e.Submit(specs(2))

	// Единственный воркер занят одним заказом, второй ждёт в очереди.
	require.Eventually(t, func() bool {
		var downloading, queued int
		for _, rec := range e.Snapshot() {
			switch rec.State {
			case model.StateDownloading:
				downloading++
			case model.StateQueuedForDownload:
				queued++
			}
		}
		return downloading == 1 && queued == 1
	}, 3*time.Second, 5*time.Millisecond)

	// Запись, которой уже владеет пул скачивания, нельзя поставить в
	// очередь повторно.
	for _, id := range ids {
		require.ErrorIs(t, e.RetryDownload(id), registry.ErrInvalidTransition)
	}

	close(gate)
	for _, id := range ids {
		waitForState(t, reg, id, model.StateDownloaded)
	}

	_, _, download, _ := gw.counts()
	assert.Equal(t, 2, download, "each record must be downloaded exactly once")
}

func TestIntroductionSuccessAndDedupe(t *testing.T) {
	gw := &fakeGateway{
		statusFn: func(int, string) (string, error) { return "released", nil },
	}
	e, reg := startEngine(t, gw, &stubSessions{}, testOpts())

	ids := e.Submit(specs(1))
	waitForState(t, reg, ids[0], model.StateDownloaded)

	batch := model.ProductionBatch{ProductionDate: "2026-08-20", BatchNumber: "LOT-1"}

	accepted := e.TriggerIntroduction(ids, batch)
	require.Len(t, accepted, 1)
	waitForState(t, reg, ids[0], model.StateIntroduced)

	rec, err := reg.Get(ids[0])
	require.NoError(t, err)
	assert.NotEmpty(t, rec.IntroductionID)

	// Повторная отправка уже введённого заказа должна быть пропущена.
	accepted = e.TriggerIntroduction(ids, batch)
	assert.Empty(t, accepted)

	time.Sleep(50 * time.Millisecond)
	_, _, _, intro := gw.counts()
	assert.Equal(t, 1, intro, "introduced order must not be resubmitted")
}

func TestTriggerIntroductionDeduplicatesAndReserves(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{
		statusFn:  func(int, string) (string, error) { return "released", nil },
		introGate: gate,
	}
	opts := testOpts()
	opts.IntroTimeout = 10 * time.Second

	e, reg := startEngine(t, gw, &stubSessions{}, opts)

	ids := e.Submit(specs(1))
	waitForState(t, reg, ids[0], model.StateDownloaded)

	batch := model.ProductionBatch{ProductionDate: "2026-08-20", BatchNumber: "LOT-1"}

	// Дубликат внутри одного пакета принимается один раз.
	accepted := e.TriggerIntroduction([]string{ids[0], ids[0]}, batch)
	require.Len(t, accepted, 1)

	// Пока заявка обрабатывается, документ зарезервирован: повторный
	// запуск не принимается и второй вызов вендора не выполняется.
	require.Eventually(t, func() bool {
		_, _, _, intro := gw.counts()
		return intro == 1
	}, 3*time.Second, 5*time.Millisecond)
	assert.Empty(t, e.TriggerIntroduction(ids, batch))

	close(gate)
	waitForState(t, reg, ids[0], model.StateIntroduced)

	_, _, _, intro := gw.counts()
	assert.Equal(t, 1, intro, "single registration per document")
	assert.Equal(t, 1, gw.maxConcurrentIntros())
}

func TestIntroductionVendorErrors(t *testing.T) {
	gw := &fakeGateway{
		statusFn:    func(int, string) (string, error) { return "released", nil },
		introResult: model.IntroductionResult{Errors: []string{"позиция не найдена", "неверная дата"}},
	}
	e, reg := startEngine(t, gw, &stubSessions{}, testOpts())

	ids := e.Submit(specs(1))
	waitForState(t, reg, ids[0], model.StateDownloaded)

	accepted := e.TriggerIntroduction(ids, model.ProductionBatch{BatchNumber: "LOT-2"})
	require.Len(t, accepted, 1)
	waitForState(t, reg, ids[0], model.StateIntroductionFailed)

	rec, err := reg.Get(ids[0])
	require.NoError(t, err)
	assert.Contains(t, rec.Error, "позиция не найдена")
	assert.Contains(t, rec.Error, "неверная дата")

	// Ошибка не терминальна для повторного запуска вручную.
	gw.mu.Lock()
	gw.introResult = model.IntroductionResult{IntroductionID: "intro-2"}
	gw.mu.Unlock()

	accepted = e.TriggerIntroduction(ids, model.ProductionBatch{BatchNumber: "LOT-2"})
	require.Len(t, accepted, 1)
	waitForState(t, reg, ids[0], model.StateIntroduced)
}

func TestTriggerIntroductionSkipsIneligible(t *testing.T) {
	gw := &fakeGateway{}
	e, reg := startEngine(t, gw, &stubSessions{}, testOpts())

	ids := e.Submit(specs(1))
	waitForState(t, reg, ids[0], model.StateAwaitingRelease)

	accepted := e.TriggerIntroduction(ids, model.ProductionBatch{})
	assert.Empty(t, accepted)

	accepted = e.TriggerIntroduction([]string{"ord-404"}, model.ProductionBatch{})
	assert.Empty(t, accepted)
}

func TestEventsDelivered(t *testing.T) {
	gw := &fakeGateway{
		statusFn: func(int, string) (string, error) { return "released", nil },
	}

	reg := registry.New()
	e := New(gw, &stubSessions{}, reg, testOpts(), zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	ids := e.Submit(specs(1))
	waitForState(t, reg, ids[0], model.StateDownloaded)

	seen := map[model.OrderState]bool{}
	deadline := time.After(time.Second)
	for !seen[model.StateAwaitingRelease] || !seen[model.StateQueuedForDownload] || !seen[model.StateDownloaded] {
		select {
		case ev := <-e.Events():
			assert.Equal(t, ids[0], ev.RecordID)
			assert.False(t, ev.Time.IsZero())
			seen[ev.State] = true
		case <-deadline:
			t.Fatalf("missing lifecycle events, got %v", seen)
		}
	}
}
