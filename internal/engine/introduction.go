package engine

import (
	"context"
	"strings"

	"github.com/kirillbelykh/kontur-api/internal/model"
)

// introWorker — воркер пула ввода в оборот. Пул наполняется только явным
// вызовом TriggerIntroduction.
func (e *Engine) introWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-e.introCh:
			e.processIntroduction(ctx, task)
		}
	}
}

func (e *Engine) processIntroduction(ctx context.Context, task introTask) {
	rec, err := e.reg.Get(task.recordID)
	if err != nil {
		e.logger.Errorw("introduction: record lookup failed", "record", task.recordID, "error", err)
		return
	}

	// Резерв непосредственно перед отправкой: между постановкой в очередь
	// и обработкой документ мог быть введён или взят другим заданием.
	if !e.reserveIntroduction(rec.RemoteID) {
		e.logger.Infow("introduction skipped: document already introduced or in flight", "record", rec.ID, "remote_id", rec.RemoteID)
		return
	}

	s, err := e.sessions.Get(ctx)
	if err != nil {
		e.releaseIntroduction(rec.RemoteID)
		e.failIntroduction(ctx, rec, "получение сессии: "+err.Error())
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.IntroTimeout)
	defer cancel()

	result, err := e.gateway.RegisterCirculation(callCtx, s, rec.RemoteID, task.batch)
	if err != nil {
		e.releaseIntroduction(rec.RemoteID)
		e.failIntroduction(ctx, rec, err.Error())
		return
	}
	if len(result.Errors) > 0 {
		e.releaseIntroduction(rec.RemoteID)
		e.failIntroduction(ctx, rec, strings.Join(result.Errors, "; "))
		return
	}

	// Вендор принял заявку: документ считается введённым независимо от
	// исхода обновления реестра.
	e.markIntroduced(rec.RemoteID)

	err = e.reg.Update(rec.ID, func(r *model.OrderRecord) {
		r.State = model.StateIntroduced
		r.IntroductionID = result.IntroductionID
		r.Error = ""
	})
	if err != nil {
		e.logger.Errorw("introduction: registry update failed", "record", rec.ID, "error", err)
		return
	}

	e.logger.Infow("order introduced", "record", rec.ID, "remote_id", rec.RemoteID, "introduction_id", result.IntroductionID)
	e.emit(ctx, model.Event{
		RecordID:  rec.ID,
		OrderName: rec.Spec.OrderName,
		State:     model.StateIntroduced,
		Message:   "заявка на ввод в оборот принята, документ " + result.IntroductionID,
	})
}

func (e *Engine) failIntroduction(ctx context.Context, rec model.OrderRecord, msg string) {
	err := e.reg.Update(rec.ID, func(r *model.OrderRecord) {
		r.State = model.StateIntroductionFailed
		r.Error = msg
	})
	if err != nil {
		e.logger.Errorw("introduction: registry update failed", "record", rec.ID, "error", err)
		return
	}

	e.logger.Errorw("introduction failed", "record", rec.ID, "remote_id", rec.RemoteID, "error", msg)
	e.emit(ctx, model.Event{
		RecordID:  rec.ID,
		OrderName: rec.Spec.OrderName,
		State:     model.StateIntroductionFailed,
		Message:   msg,
	})
}
