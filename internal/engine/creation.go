package engine

import (
	"context"

	"github.com/kirillbelykh/kontur-api/internal/model"
)

// createWorker — воркер пула создания заказов. Одна спецификация порождает
// не более одного заказа у вендора: автоматических повторов нет.
func (e *Engine) createWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.createCh:
			e.processCreate(ctx, id)
		}
	}
}

func (e *Engine) processCreate(ctx context.Context, id string) {
	rec, err := e.reg.Get(id)
	if err != nil {
		e.logger.Errorw("create: record lookup failed", "record", id, "error", err)
		return
	}

	s, err := e.sessions.Get(ctx)
	if err != nil {
		e.failCreate(ctx, rec, "получение сессии: "+err.Error())
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.CreateTimeout)
	defer cancel()

	result, err := e.gateway.CreateOrder(callCtx, s, rec.Spec)
	if err != nil {
		e.failCreate(ctx, rec, err.Error())
		return
	}

	err = e.reg.Update(id, func(r *model.OrderRecord) {
		r.State = model.StateAwaitingRelease
		r.RemoteID = result.RemoteID
		r.RemoteStatus = result.Status
	})
	if err != nil {
		e.logger.Errorw("create: registry update failed", "record", id, "error", err)
		return
	}

	e.logger.Infow("order created", "record", id, "remote_id", result.RemoteID, "status", result.Status)
	e.emit(ctx, model.Event{
		RecordID:  id,
		OrderName: rec.Spec.OrderName,
		State:     model.StateAwaitingRelease,
		Message:   "заказ создан, документ " + result.RemoteID,
	})
}

func (e *Engine) failCreate(ctx context.Context, rec model.OrderRecord, msg string) {
	err := e.reg.Update(rec.ID, func(r *model.OrderRecord) {
		r.State = model.StateCreationFailed
		r.Error = msg
	})
	if err != nil {
		e.logger.Errorw("create: registry update failed", "record", rec.ID, "error", err)
		return
	}

	e.logger.Errorw("order creation failed", "record", rec.ID, "order", rec.Spec.OrderName, "error", msg)
	e.emit(ctx, model.Event{
		RecordID:  rec.ID,
		OrderName: rec.Spec.OrderName,
		State:     model.StateCreationFailed,
		Message:   msg,
	})
}
