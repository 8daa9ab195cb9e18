package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
)

// FileProvider читает cookies вендора из JSON-файла вида {"имя": "значение"}.
// Сам процесс получения cookies (браузерная аутентификация) остаётся за
// рамками сервиса: файл обновляется внешним инструментом.
type FileProvider struct {
	path string
}

// NewFileProvider создаёт провайдер, читающий cookies из файла path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Acquire читает файл cookies и собирает из него новую сессию.
func (p *FileProvider) Acquire(_ context.Context) (*Session, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read cookies file: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse cookies file: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("cookies file is empty")
	}

	cookies := make([]*http.Cookie, 0, len(raw))
	for name, value := range raw {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value})
	}

	return &Session{Cookies: cookies, CreatedAt: time.Now()}, nil
}
