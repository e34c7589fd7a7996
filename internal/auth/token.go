package auth

import (
	"errors"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// TokenSource отдаёт bearer-токен текущей сессии пользователя.
// ok == false означает, что пользователь не авторизован и запрос уходит без заголовка.
type TokenSource interface {
	CurrentSessionToken() (token string, ok bool)
}

// StaticToken токен из конфигурации
type StaticToken string

func (t StaticToken) CurrentSessionToken() (string, bool) {
	v := strings.TrimSpace(string(t))
	return v, v != ""
}

// FileToken перечитывает токен из файла при каждом запросе,
// чтобы внешний процесс логина мог его обновлять.
type FileToken struct {
	Path string
	Log  zerolog.Logger
}

func (f FileToken) CurrentSessionToken() (string, bool) {
	if f.Path == "" {
		return "", false
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.Log.Warn().Err(err).Str("path", f.Path).Msg("read token file")
		}
		return "", false
	}
	v := strings.TrimSpace(string(data))
	return v, v != ""
}

// None анонимный доступ
type None struct{}

func (None) CurrentSessionToken() (string, bool) { return "", false }

// BearerHeader строит значение заголовка Authorization
func BearerHeader(src TokenSource) (string, bool) {
	if src == nil {
		return "", false
	}
	token, ok := src.CurrentSessionToken()
	if !ok {
		return "", false
	}
	return "Bearer " + token, true
}
