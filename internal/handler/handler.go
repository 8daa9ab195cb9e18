// Package handler содержит HTTP-обработчики управляющего API сервиса
// заказов кодов маркировки. Обработчики — тонкий слой над конвейером:
// вся работа выполняется асинхронно его пулами.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kirillbelykh/kontur-api/internal/model"
	"github.com/kirillbelykh/kontur-api/internal/registry"
	"github.com/kirillbelykh/kontur-api/internal/repository"
	"github.com/kirillbelykh/kontur-api/internal/session"
	"github.com/kirillbelykh/kontur-api/internal/validation"
)

const timeLayout = time.RFC3339

// Engine определяет контракт конвейера, используемый HTTP-обработчиками.
type Engine interface {
	Submit(specs []model.OrderSpec) []string
	Snapshot() []model.OrderRecord
	TriggerIntroduction(ids []string, batch model.ProductionBatch) []string
	RetryDownload(id string) error
}

// Sessions отдаёт сведения о состоянии кэша сессии.
type Sessions interface {
	Info() session.Info
}

// History определяет контракт хранилища истории заказов.
type History interface {
	ListRecent(ctx context.Context, limit int) ([]repository.Entry, error)
}

// Handler реализует HTTP-обработчики управляющего API.
type Handler struct {
	engine   Engine
	sessions Sessions
	history  History
	logger   *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// history может быть nil, если хранилище истории не настроено.
func NewHandler(e Engine, sessions Sessions, history History, logger *zap.Logger) *Handler {
	return &Handler{
		engine:   e,
		sessions: sessions,
		history:  history,
		logger:   logger,
	}
}

type submitResponse struct {
	IDs []string `json:"ids"`
}

// SubmitOrders принимает пакет спецификаций заказов и ставит их в очередь
// создания. Возвращается немедленно, не дожидаясь обращения к вендору.
func (h *Handler) SubmitOrders(w http.ResponseWriter, r *http.Request) {
	var specs []model.OrderSpec
	if err := json.NewDecoder(r.Body).Decode(&specs); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if len(specs) == 0 {
		http.Error(w, "empty order batch", http.StatusBadRequest)
		return
	}

	for _, spec := range specs {
		if !validation.IsValidGTIN(spec.GTIN) {
			http.Error(w, "invalid gtin: "+spec.GTIN, http.StatusUnprocessableEntity)
			return
		}
		if spec.Quantity <= 0 {
			http.Error(w, "quantity must be positive", http.StatusUnprocessableEntity)
			return
		}
		if strings.TrimSpace(spec.OrderName) == "" {
			http.Error(w, "order_name is required", http.StatusUnprocessableEntity)
			return
		}
	}

	ids := h.engine.Submit(specs)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(submitResponse{IDs: ids}); err != nil {
		h.logger.Error("write submit response", zap.Error(err))
	}
}

// GetOrders возвращает снимок реестра заказов.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	records := h.engine.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		h.logger.Error("write orders response", zap.Error(err))
	}
}

// RetryDownload повторно ставит заказ в очередь скачивания после ошибки.
func (h *Handler) RetryDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.engine.RetryDownload(id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, registry.ErrNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, registry.ErrInvalidTransition):
		http.Error(w, "record is not in a retryable state", http.StatusConflict)
	default:
		h.logger.Error("retry download error", zap.Error(err), zap.String("record", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type introductionRequest struct {
	OrderIDs []string              `json:"order_ids"`
	Batch    model.ProductionBatch `json:"batch"`
}

type introductionResponse struct {
	Accepted []string `json:"accepted"`
}

// TriggerIntroduction ставит выбранные скачанные заказы в очередь ввода в
// оборот с указанной производственной партией.
func (h *Handler) TriggerIntroduction(w http.ResponseWriter, r *http.Request) {
	var req introductionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if len(req.OrderIDs) == 0 {
		http.Error(w, "order_ids is required", http.StatusBadRequest)
		return
	}
	if req.Batch.ProductionDate == "" || req.Batch.BatchNumber == "" {
		http.Error(w, "batch production_date and batch_number are required", http.StatusUnprocessableEntity)
		return
	}

	accepted := h.engine.TriggerIntroduction(req.OrderIDs, req.Batch)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(introductionResponse{Accepted: accepted}); err != nil {
		h.logger.Error("write introduction response", zap.Error(err))
	}
}

// GetSession возвращает состояние кэша сессии вендора.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	info := h.sessions.Info()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		h.logger.Error("write session response", zap.Error(err))
	}
}

type historyEntryResponse struct {
	DocumentID     string `json:"document_id"`
	OrderName      string `json:"order_name"`
	GTIN           string `json:"gtin"`
	Quantity       int    `json:"quantity"`
	State          string `json:"state"`
	ArtifactPath   string `json:"artifact_path,omitempty"`
	IntroductionID string `json:"introduction_id,omitempty"`
	Error          string `json:"error,omitempty"`
	UpdatedAt      string `json:"updated_at"`
}

// GetHistory возвращает последние записи истории заказов.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.Error(w, "order history is not configured", http.StatusServiceUnavailable)
		return
	}

	entries, err := h.history.ListRecent(r.Context(), 100)
	if err != nil {
		h.logger.Error("list history error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]historyEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, historyEntryResponse{
			DocumentID:     e.DocumentID,
			OrderName:      e.OrderName,
			GTIN:           e.GTIN,
			Quantity:       e.Quantity,
			State:          string(e.State),
			ArtifactPath:   e.ArtifactPath,
			IntroductionID: e.IntroductionID,
			Error:          e.Error,
			UpdatedAt:      e.UpdatedAt.Format(timeLayout),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("write history response", zap.Error(err))
	}
}

// Ping подтверждает работоспособность сервиса.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
