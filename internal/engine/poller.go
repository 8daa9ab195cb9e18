package engine

import (
	"context"
	"time"

	"github.com/kirillbelykh/kontur-api/internal/model"
	"github.com/kirillbelykh/kontur-api/internal/session"
)

// Статусы документа заказа на стороне вендора.
const (
	remoteStatusCreated    = "created"
	remoteStatusProcessing = "processing"
	remoteStatusReleased   = "released"
	remoteStatusError      = "error"
)

// pollLoop — единственный долгоживущий цикл опроса статусов. На каждом
// тике опрашивает записи в состояниях AWAITING_RELEASE и POLL_ERROR;
// записи, которыми владеют другие пулы, не затрагиваются.
func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollPending(ctx)
		}
	}
}

func (e *Engine) pollPending(ctx context.Context) {
	pending := e.reg.InStates(model.StateAwaitingRelease, model.StatePollError)
	if len(pending) == 0 {
		return
	}

	s, err := e.sessions.Get(ctx)
	if err != nil {
		// Не терминально: записи остаются опрашиваемыми на следующем тике.
		e.logger.Errorw("status poll: session unavailable", "error", err)
		return
	}

	for _, rec := range pending {
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.pollOne(ctx, s, rec)
	}
}

func (e *Engine) pollOne(ctx context.Context, s *session.Session, rec model.OrderRecord) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CreateTimeout)
	defer cancel()

	status, err := e.gateway.OrderStatus(callCtx, s, rec.RemoteID)
	if err != nil {
		e.logger.Warnw("status poll failed", "record", rec.ID, "remote_id", rec.RemoteID, "error", err)
		if uerr := e.reg.Update(rec.ID, func(r *model.OrderRecord) {
			r.State = model.StatePollError
			r.Error = err.Error()
		}); uerr != nil {
			e.logger.Errorw("status poll: registry update failed", "record", rec.ID, "error", uerr)
		}
		return
	}

	switch status {
	case remoteStatusReleased:
		err := e.reg.Update(rec.ID, func(r *model.OrderRecord) {
			r.State = model.StateQueuedForDownload
			r.RemoteStatus = status
			r.Error = ""
		})
		if err != nil {
			e.logger.Errorw("status poll: registry update failed", "record", rec.ID, "error", err)
			return
		}

		e.logger.Infow("order released", "record", rec.ID, "remote_id", rec.RemoteID)
		e.emit(ctx, model.Event{
			RecordID:  rec.ID,
			OrderName: rec.Spec.OrderName,
			State:     model.StateQueuedForDownload,
			Message:   "коды выпущены, заказ поставлен в очередь скачивания",
		})

		select {
		case e.downloadCh <- rec.ID:
		case <-ctx.Done():
		}

	case remoteStatusError:
		err := e.reg.Update(rec.ID, func(r *model.OrderRecord) {
			r.State = model.StateRemoteFailed
			r.RemoteStatus = status
			r.Error = "вендор сообщил об ошибке генерации кодов"
		})
		if err != nil {
			e.logger.Errorw("status poll: registry update failed", "record", rec.ID, "error", err)
			return
		}

		e.logger.Errorw("order failed on vendor side", "record", rec.ID, "remote_id", rec.RemoteID)
		e.emit(ctx, model.Event{
			RecordID:  rec.ID,
			OrderName: rec.Spec.OrderName,
			State:     model.StateRemoteFailed,
			Message:   "вендор сообщил об ошибке генерации кодов",
		})

	case remoteStatusProcessing, remoteStatusCreated:
		e.refreshPending(rec, status)

	default:
		// Неизвестные статусы считаем промежуточными.
		e.refreshPending(rec, status)
	}
}

// refreshPending оставляет запись в ожидании выпуска, обновляя последний
// известный статус вендора; запись после POLL_ERROR возвращается к опросу.
func (e *Engine) refreshPending(rec model.OrderRecord, status string) {
	if err := e.reg.Update(rec.ID, func(r *model.OrderRecord) {
		r.State = model.StateAwaitingRelease
		r.RemoteStatus = status
		r.Error = ""
	}); err != nil {
		e.logger.Errorw("status poll: registry update failed", "record", rec.ID, "error", err)
	}
}
