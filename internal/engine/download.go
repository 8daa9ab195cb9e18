package engine

import (
	"context"

	"github.com/kirillbelykh/kontur-api/internal/model"
)

// downloadWorker — воркер пула скачивания файлов с кодами.
func (e *Engine) downloadWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.downloadCh:
			e.processDownload(ctx, id)
		}
	}
}

func (e *Engine) processDownload(ctx context.Context, id string) {
	if err := e.reg.Update(id, func(r *model.OrderRecord) {
		r.State = model.StateDownloading
	}); err != nil {
		e.logger.Errorw("download: registry update failed", "record", id, "error", err)
		return
	}

	rec, err := e.reg.Get(id)
	if err != nil {
		e.logger.Errorw("download: record lookup failed", "record", id, "error", err)
		return
	}

	s, err := e.sessions.Get(ctx)
	if err != nil {
		e.failDownload(ctx, rec, "получение сессии: "+err.Error())
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.DownloadTimeout)
	defer cancel()

	path, err := e.gateway.DownloadCodes(callCtx, s, rec.RemoteID, rec.Spec.OrderName)
	if err != nil {
		e.failDownload(ctx, rec, err.Error())
		return
	}

	err = e.reg.Update(id, func(r *model.OrderRecord) {
		r.State = model.StateDownloaded
		r.ArtifactPath = path
		r.Error = ""
	})
	if err != nil {
		e.logger.Errorw("download: registry update failed", "record", id, "error", err)
		return
	}

	e.logger.Infow("codes downloaded", "record", id, "remote_id", rec.RemoteID, "file", path)
	e.emit(ctx, model.Event{
		RecordID:  id,
		OrderName: rec.Spec.OrderName,
		State:     model.StateDownloaded,
		Message:   "файл с кодами сохранён: " + path,
	})
}

// failDownload переводит запись в DOWNLOAD_FAILED; запись остаётся
// доступной для ручного повтора через RetryDownload.
func (e *Engine) failDownload(ctx context.Context, rec model.OrderRecord, msg string) {
	err := e.reg.Update(rec.ID, func(r *model.OrderRecord) {
		r.State = model.StateDownloadFailed
		r.Error = msg
	})
	if err != nil {
		e.logger.Errorw("download: registry update failed", "record", rec.ID, "error", err)
		return
	}

	e.logger.Errorw("download failed", "record", rec.ID, "remote_id", rec.RemoteID, "error", msg)
	e.emit(ctx, model.Event{
		RecordID:  rec.ID,
		OrderName: rec.Spec.OrderName,
		State:     model.StateDownloadFailed,
		Message:   msg,
	})
}
