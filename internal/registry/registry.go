// Package registry содержит реестр заказов — единственный в рамках процесса
// источник истины о состоянии каждого принятого заказа.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kirillbelykh/kontur-api/internal/model"
)

// ErrNotFound возвращается при обращении к несуществующей записи.
var (
	ErrNotFound = errors.New("order record not found")
	// ErrInvalidTransition возвращается при попытке недопустимого перехода состояния.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrRemoteIDReassign возвращается при попытке изменить уже присвоенный
	// идентификатор документа вендора.
	ErrRemoteIDReassign = errors.New("remote document id already assigned")
)

// Registry — упорядоченная коллекция записей заказов. Записи добавляются в
// конец и меняют состояние на месте; удаление в течение сессии не
// предусмотрено. Все мутации сериализуются одним мьютексом, поэтому
// частично применённые обновления никогда не наблюдаемы.
type Registry struct {
	mu       sync.RWMutex
	records  []*model.OrderRecord
	byID     map[string]*model.OrderRecord
	byRemote map[string]*model.OrderRecord
	seq      int
}

// New создаёт пустой реестр заказов.
func New() *Registry {
	return &Registry{
		byID:     make(map[string]*model.OrderRecord),
		byRemote: make(map[string]*model.OrderRecord),
	}
}

// Append добавляет запись по принятой спецификации заказа и возвращает её
// локальный идентификатор. Запись начинает жизненный цикл в состоянии
// PENDING_CREATION; идентификатор документа вендора появится позже.
func (r *Registry) Append(spec model.OrderSpec) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	now := time.Now()
	rec := &model.OrderRecord{
		ID:        fmt.Sprintf("ord-%d", r.seq),
		Spec:      spec,
		State:     model.StatePendingCreation,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.records = append(r.records, rec)
	r.byID[rec.ID] = rec

	return rec.ID
}

// Get возвращает копию записи по локальному идентификатору.
func (r *Registry) Get(id string) (model.OrderRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[id]
	if !ok {
		return model.OrderRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *rec, nil
}

// GetByRemoteID возвращает копию записи по идентификатору документа вендора.
func (r *Registry) GetByRemoteID(remoteID string) (model.OrderRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byRemote[remoteID]
	if !ok {
		return model.OrderRecord{}, fmt.Errorf("%w: remote %s", ErrNotFound, remoteID)
	}
	return *rec, nil
}

// Update атомарно применяет мутатор к записи. Переход состояния, включая
// самопереход, сверяется с таблицей допустимых переходов; попытка
// переназначить идентификатор документа вендора отклоняется. В обоих
// случаях запись остаётся неизменной.
func (r *Registry) Update(id string, mutate func(*model.OrderRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := *rec
	mutate(&next)

	if !model.CanTransition(rec.State, next.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, next.State)
	}
	if rec.RemoteID != "" && next.RemoteID != rec.RemoteID {
		return fmt.Errorf("%w: %s", ErrRemoteIDReassign, rec.RemoteID)
	}

	next.ID = rec.ID
	next.CreatedAt = rec.CreatedAt
	next.UpdatedAt = time.Now()
	*rec = next

	if rec.RemoteID != "" {
		r.byRemote[rec.RemoteID] = rec
	}

	return nil
}

// Snapshot возвращает упорядоченную копию всех записей для отображения.
// Безопасен для вызова из любого потока.
func (r *Registry) Snapshot() []model.OrderRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.OrderRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// InStates возвращает копии записей, находящихся в одном из указанных
// состояний, в порядке добавления.
func (r *Registry) InStates(states ...model.OrderState) []model.OrderRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.OrderRecord
	for _, rec := range r.records {
		for _, s := range states {
			if rec.State == s {
				out = append(out, *rec)
				break
			}
		}
	}
	return out
}
