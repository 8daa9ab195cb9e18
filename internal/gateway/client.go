// Package gateway предоставляет клиент REST API вендора маркировки.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kirillbelykh/kontur-api/internal/model"
	"github.com/kirillbelykh/kontur-api/internal/session"
)

const (
	// Ввод в оборот обрабатывается вендором асинхронно: после создания
	// заявки её статус опрашивается до финального.
	introPollInterval = 10 * time.Second
	introPollAttempts = 30
)

// Client инкапсулирует HTTP-взаимодействие с API вендора. Все методы
// принимают одолженную сессию и выполняют ровно одну логическую операцию.
type Client struct {
	rest           *resty.Client
	warehouseID    string
	organizationID string
	downloadDir    string
}

// NewClient создаёт клиент API вендора по указанному адресу. Скачанные
// файлы с кодами сохраняются в downloadDir. Предельная длительность
// каждого вызова задаётся контекстом вызывающей стороны: у фаз конвейера
// разные бюджеты, общий таймаут клиента их бы обрезал.
func NewClient(baseURL, warehouseID, organizationID, downloadDir string) *Client {
	rest := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/"))

	return &Client{
		rest:           rest,
		warehouseID:    warehouseID,
		organizationID: organizationID,
		downloadDir:    downloadDir,
	}
}

type orderPosition struct {
	GTIN      string `json:"gtin"`
	Name      string `json:"name"`
	TNVEDCode string `json:"tnvedCode"`
	Quantity  int    `json:"quantity"`
	CisType   string `json:"cisType"`
}

type createOrderRequest struct {
	DocumentNumber string          `json:"documentNumber"`
	Positions      []orderPosition `json:"positions"`
}

// CreateOrder создаёт заказ кодов у вендора и возвращает типизированный
// результат с идентификатором документа и его статусом.
func (c *Client) CreateOrder(ctx context.Context, s *session.Session, spec model.OrderSpec) (model.CreateResult, error) {
	documentNumber := spec.OrderName
	if documentNumber == "" {
		documentNumber = "NO_NAME"
	}

	body := createOrderRequest{
		DocumentNumber: documentNumber,
		Positions: []orderPosition{{
			GTIN:      spec.GTIN,
			Name:      spec.Name,
			TNVEDCode: spec.TNVEDCode,
			Quantity:  spec.Quantity,
			CisType:   spec.CisType,
		}},
	}

	var result model.CreateResult
	resp, err := c.rest.R().
		SetContext(ctx).
		SetCookies(s.Cookies).
		SetQueryParam("warehouseId", c.warehouseID).
		SetBody(body).
		SetResult(&result).
		Post("/api/v1/codes-order")
	if err != nil {
		return model.CreateResult{}, fmt.Errorf("create order: %w", err)
	}
	if resp.IsError() {
		return model.CreateResult{}, fmt.Errorf("create order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.RemoteID == "" {
		return model.CreateResult{}, errors.New("create order: empty document id in response")
	}

	return result, nil
}

// OrderStatus запрашивает текущий статус документа заказа.
func (c *Client) OrderStatus(ctx context.Context, s *session.Session, remoteID string) (string, error) {
	var doc struct {
		Status string `json:"status"`
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetCookies(s.Cookies).
		SetResult(&doc).
		Get("/api/v1/codes-order/" + remoteID)
	if err != nil {
		return "", fmt.Errorf("order status %s: %w", remoteID, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("order status %s: status %d: %s", remoteID, resp.StatusCode(), resp.String())
	}
	if doc.Status == "" {
		return "", fmt.Errorf("order status %s: empty status in response", remoteID)
	}

	return doc.Status, nil
}

// DownloadCodes скачивает файл с кодами заказа и возвращает путь к файлу.
func (c *Client) DownloadCodes(ctx context.Context, s *session.Session, remoteID, orderName string) (string, error) {
	name := fmt.Sprintf("%s_%s.csv", sanitizeFilename(orderName), remoteID)
	path := filepath.Join(c.downloadDir, name)

	resp, err := c.rest.R().
		SetContext(ctx).
		SetCookies(s.Cookies).
		SetOutput(path).
		Get("/api/v1/codes-order/" + remoteID + "/file")
	if err != nil {
		return "", fmt.Errorf("download codes %s: %w", remoteID, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("download codes %s: status %d", remoteID, resp.StatusCode())
	}

	return path, nil
}

type productionRequest struct {
	DocumentNumber string `json:"documentNumber"`
	ProductionDate string `json:"productionDate"`
	ExpirationDate string `json:"expirationDate,omitempty"`
	BatchNumber    string `json:"batchNumber"`
	TNVEDCode      string `json:"tnvedCode,omitempty"`
	WarehouseID    string `json:"warehouseId"`
	OrganizationID string `json:"organizationId,omitempty"`
	CodesOrderID   string `json:"codesOrderId"`
}

type introductionDocument struct {
	ID     string   `json:"id"`
	Status string   `json:"status"`
	Errors []string `json:"errors"`
}

// RegisterCirculation создаёт заявку на ввод в оборот для заказа и
// дожидается её финального статуса. Операция длительная: вендор
// обрабатывает заявку асинхронно, клиент опрашивает её статус до
// introPollAttempts раз с интервалом introPollInterval.
func (c *Client) RegisterCirculation(ctx context.Context, s *session.Session, remoteID string, batch model.ProductionBatch) (model.IntroductionResult, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetCookies(s.Cookies).
		SetQueryParam("warehouseId", c.warehouseID).
		Post("/api/v1/codes-introduction")
	if err != nil {
		return model.IntroductionResult{}, fmt.Errorf("create introduction: %w", err)
	}
	if resp.IsError() {
		return model.IntroductionResult{}, fmt.Errorf("create introduction: status %d: %s", resp.StatusCode(), resp.String())
	}

	// Вендор возвращает идентификатор документа строкой в кавычках.
	introID := strings.Trim(strings.TrimSpace(resp.String()), `"`)
	if introID == "" {
		return model.IntroductionResult{}, errors.New("create introduction: empty document id in response")
	}

	production := productionRequest{
		DocumentNumber: batch.BatchNumber,
		ProductionDate: batch.ProductionDate,
		ExpirationDate: batch.ExpirationDate,
		BatchNumber:    batch.BatchNumber,
		TNVEDCode:      batch.TNVEDCode,
		WarehouseID:    c.warehouseID,
		OrganizationID: c.organizationID,
		CodesOrderID:   remoteID,
	}

	resp, err = c.rest.R().
		SetContext(ctx).
		SetCookies(s.Cookies).
		SetBody(production).
		Patch("/api/v1/codes-introduction/" + introID + "/production")
	if err != nil {
		return model.IntroductionResult{}, fmt.Errorf("introduction production %s: %w", introID, err)
	}
	if resp.IsError() {
		return model.IntroductionResult{}, fmt.Errorf("introduction production %s: status %d: %s", introID, resp.StatusCode(), resp.String())
	}

	return c.awaitIntroduction(ctx, s, introID)
}

func (c *Client) awaitIntroduction(ctx context.Context, s *session.Session, introID string) (model.IntroductionResult, error) {
	ticker := time.NewTicker(introPollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < introPollAttempts; attempt++ {
		var doc introductionDocument
		resp, err := c.rest.R().
			SetContext(ctx).
			SetCookies(s.Cookies).
			SetResult(&doc).
			Get("/api/v1/codes-introduction/" + introID)
		if err != nil {
			return model.IntroductionResult{}, fmt.Errorf("introduction status %s: %w", introID, err)
		}
		if resp.IsError() {
			return model.IntroductionResult{}, fmt.Errorf("introduction status %s: status %d: %s", introID, resp.StatusCode(), resp.String())
		}

		switch doc.Status {
		case "introduced", "done":
			return model.IntroductionResult{IntroductionID: introID}, nil
		case "error":
			errs := doc.Errors
			if len(errs) == 0 {
				errs = []string{"vendor reported an error without details"}
			}
			return model.IntroductionResult{IntroductionID: introID, Errors: errs}, nil
		}

		select {
		case <-ctx.Done():
			return model.IntroductionResult{}, fmt.Errorf("introduction status %s: %w", introID, ctx.Err())
		case <-ticker.C:
		}
	}

	return model.IntroductionResult{}, fmt.Errorf("introduction %s did not reach a final status", introID)
}

func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_",
		"?", "_", `"`, "_", "<", "_", ">", "_", "|", "_", " ", "_",
	)
	out := replacer.Replace(strings.TrimSpace(name))
	if out == "" {
		out = "order"
	}
	return out
}
