// Package model содержит доменные сущности сервиса заказов кодов маркировки.
package model

import "time"

// OrderState описывает состояние заказа в его жизненном цикле.
type OrderState string

const (
	// StatePendingCreation — заказ принят в работу, но ещё не создан у вендора.
	StatePendingCreation OrderState = "PENDING_CREATION"
	// StateAwaitingRelease — заказ создан, коды ещё не готовы к скачиванию.
	StateAwaitingRelease OrderState = "AWAITING_RELEASE"
	// StateQueuedForDownload — коды выпущены, заказ поставлен в очередь скачивания.
	StateQueuedForDownload OrderState = "QUEUED_FOR_DOWNLOAD"
	// StateDownloading — файл с кодами скачивается.
	StateDownloading OrderState = "DOWNLOADING"
	// StateDownloaded — файл с кодами получен.
	StateDownloaded OrderState = "DOWNLOADED"
	// StateCreationFailed — создание заказа у вендора завершилось ошибкой.
	StateCreationFailed OrderState = "CREATION_FAILED"
	// StateRemoteFailed — вендор сообщил об ошибке генерации кодов.
	StateRemoteFailed OrderState = "REMOTE_FAILED"
	// StatePollError — последний запрос статуса завершился ошибкой, опрос продолжается.
	StatePollError OrderState = "POLL_ERROR"
	// StateDownloadFailed — скачивание файла завершилось ошибкой.
	StateDownloadFailed OrderState = "DOWNLOAD_FAILED"
	// StateIntroduced — заявка на ввод в оборот принята.
	StateIntroduced OrderState = "INTRODUCED"
	// StateIntroductionFailed — ввод в оборот завершился ошибкой.
	StateIntroductionFailed OrderState = "INTRODUCTION_FAILED"
)

// validTransitions задаёт закрытую таблицу допустимых переходов состояний.
// Самопереходы перечисляются явно: AwaitingRelease → AwaitingRelease
// используется опросчиком для обновления последнего известного статуса
// вендора. Состояние без самоперехода отклоняет обновление с тем же
// состоянием, поэтому запись нельзя поставить в одну очередь дважды.
var validTransitions = map[OrderState][]OrderState{
	StatePendingCreation:    {StateAwaitingRelease, StateCreationFailed},
	StateAwaitingRelease:    {StateAwaitingRelease, StateQueuedForDownload, StateRemoteFailed, StatePollError},
	StatePollError:          {StateAwaitingRelease, StateQueuedForDownload, StateRemoteFailed, StatePollError},
	StateQueuedForDownload:  {StateDownloading},
	StateDownloading:        {StateDownloaded, StateDownloadFailed},
	StateDownloadFailed:     {StateQueuedForDownload},
	StateDownloaded:         {StateIntroduced, StateIntroductionFailed},
	StateIntroductionFailed: {StateIntroduced, StateIntroductionFailed},
}

// CanTransition сообщает, допустим ли переход из состояния from в состояние to.
func CanTransition(from, to OrderState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OrderSpec описывает запрошенный заказ кодов маркировки. Создаётся
// вызывающей стороной и не изменяется после постановки в очередь.
type OrderSpec struct {
	GTIN      string `json:"gtin"`
	Name      string `json:"name"`
	OrderName string `json:"order_name"`
	TNVEDCode string `json:"tnved_code"`
	Quantity  int    `json:"quantity"`
	CisType   string `json:"cis_type"`
}

// OrderRecord — запись реестра по одному принятому заказу.
// Мутируется только пулом-владельцем через registry.Update.
type OrderRecord struct {
	ID             string     `json:"id"`
	Spec           OrderSpec  `json:"spec"`
	RemoteID       string     `json:"remote_id,omitempty"`
	State          OrderState `json:"state"`
	RemoteStatus   string     `json:"remote_status,omitempty"`
	ArtifactPath   string     `json:"artifact_path,omitempty"`
	IntroductionID string     `json:"introduction_id,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ProductionBatch описывает производственную партию для ввода в оборот.
type ProductionBatch struct {
	ProductionDate string `json:"production_date"`
	ExpirationDate string `json:"expiration_date,omitempty"`
	BatchNumber    string `json:"batch_number"`
	TNVEDCode      string `json:"tnved_code,omitempty"`
}

// CreateResult — типизированный итог создания заказа у вендора.
type CreateResult struct {
	RemoteID string `json:"id"`
	Status   string `json:"status"`
}

// IntroductionResult — типизированный итог заявки на ввод в оборот.
type IntroductionResult struct {
	IntroductionID string   `json:"introduction_id,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

// Event сообщает потребителю презентационного слоя о завершённом шаге
// обработки заказа. Для каждого завершённого задания публикуется ровно
// одно событие.
type Event struct {
	RecordID  string     `json:"record_id"`
	OrderName string     `json:"order_name"`
	State     OrderState `json:"state"`
	Message   string     `json:"message,omitempty"`
	Time      time.Time  `json:"time"`
}
