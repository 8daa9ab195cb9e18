// Package session реализует кэш аутентифицированной сессии вендора
// с фоновым плановым обновлением.
package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Session — аутентифицированный хендл для обращений к API вендора.
// Действителен ограниченное время, владельцем является Cache; остальные
// компоненты одалживают текущий экземпляр на время одного вызова.
type Session struct {
	Cookies   []*http.Cookie
	CreatedAt time.Time
}

// Age возвращает возраст сессии относительно момента now.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// CredentialProvider выдаёт новую аутентифицированную сессию.
// Получение может занимать секунды и завершаться ошибкой.
type CredentialProvider interface {
	Acquire(ctx context.Context) (*Session, error)
}

// Cache хранит одну общую сессию и обновляет её по расписанию или по
// требованию. Создаётся один раз при старте процесса и передаётся по
// ссылке всем пулам.
type Cache struct {
	provider      CredentialProvider
	lifetime      time.Duration
	retryInterval time.Duration
	logger        *zap.SugaredLogger

	mu      sync.Mutex
	current *Session

	// refreshCh — идемпотентный сигнал "обновить сейчас": повторная
	// отправка до обработки не отличается от однократной.
	refreshCh chan struct{}
}

// NewCache создаёт кэш сессии с заданным временем жизни и интервалом
// повторов фонового обновления.
func NewCache(provider CredentialProvider, lifetime, retryInterval time.Duration, logger *zap.SugaredLogger) *Cache {
	return &Cache{
		provider:      provider,
		lifetime:      lifetime,
		retryInterval: retryInterval,
		logger:        logger,
		refreshCh:     make(chan struct{}, 1),
	}
}

// Get возвращает действующую сессию. Блокирующее получение выполняется
// только при первом обращении или когда кэш просрочен; конкурирующий
// вызов ждёт завершения уже начатого получения под мьютексом и получает
// его результат, не запуская собственного. Ошибка провайдера при
// блокирующем получении возвращается вызывающему.
func (c *Cache) Get(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	switch {
	case c.current == nil || c.current.Age(now) > c.lifetime:
		c.logger.Warnw("synchronous session acquisition", "reason", "cache empty or expired")
		s, err := c.provider.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire session: %w", err)
		}
		c.current = s
	case c.current.Age(now) > c.lifetime*4/5:
		// Сессия скоро устареет — будим фоновое обновление заранее,
		// чтобы следующий вызов не блокировался.
		c.TriggerRefresh()
	}

	return c.current, nil
}

// TriggerRefresh неблокирующе запрашивает немедленное фоновое обновление.
func (c *Cache) TriggerRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// Run выполняет фоновое обновление сессии до отмены контекста. Просыпается
// по истечении времени жизни либо по сигналу TriggerRefresh — что наступит
// раньше. Ошибка обновления не прерывает цикл: предыдущая сессия остаётся
// в кэше, попытки повторяются с интервалом retryInterval.
func (c *Cache) Run(ctx context.Context) error {
	timer := time.NewTimer(c.lifetime)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.refreshCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		if err := c.refresh(ctx); err != nil {
			// refresh возвращает ошибку только при отмене контекста.
			return nil
		}
		timer.Reset(c.lifetime)
	}
}

func (c *Cache) refresh(ctx context.Context) error {
	backoff := retry.NewConstant(c.retryInterval)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := c.provider.Acquire(ctx)
		if err != nil {
			c.logger.Errorw("background session refresh failed", "error", err, "retry_in", c.retryInterval)
			return retry.RetryableError(err)
		}

		c.mu.Lock()
		c.current = s
		c.mu.Unlock()

		c.logger.Infow("session refreshed", "next_refresh_in", c.lifetime)
		return nil
	})
}

// Info содержит сведения о текущем состоянии кэша.
type Info struct {
	HasSession bool          `json:"has_session"`
	Age        time.Duration `json:"age"`
}

// Info возвращает состояние кэша для мониторинга.
func (c *Cache) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return Info{}
	}
	return Info{
		HasSession: true,
		Age:        c.current.Age(time.Now()),
	}
}
