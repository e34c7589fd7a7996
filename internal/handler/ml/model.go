package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/smartfarmdiy/strawbydetet/internal/auth"
	"github.com/smartfarmdiy/strawbydetet/internal/domain"
)

// Timeouts дедлайны на каждую операцию
type Timeouts struct {
	ImageUpload time.Duration
	VideoUpload time.Duration
	Poll        time.Duration
	StopStream  time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		ImageUpload: 30 * time.Second,
		VideoUpload: 60 * time.Second,
		Poll:        5 * time.Second,
		StopStream:  5 * time.Second,
	}
}

// ServiceError сервис вернул поле error или неуспешный статус
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 && e.StatusCode/100 != 2 {
		return fmt.Sprintf("inference service: status %d: %s", e.StatusCode, e.Message)
	}
	return "inference service: " + e.Message
}

// ModelAdapter клиент Python-сервиса с YOLO-моделью
type ModelAdapter struct {
	baseURL  *url.URL
	exec     *Executor
	tokens   auth.TokenSource
	timeouts Timeouts
	log      zerolog.Logger
}

func NewModelAdapter(inferenceURL string, client *http.Client, tokens auth.TokenSource, timeouts Timeouts, log zerolog.Logger) (*ModelAdapter, error) {
	u, err := url.Parse(inferenceURL)
	if err != nil {
		return nil, fmt.Errorf("invalid inference url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid inference url: %q", inferenceURL)
	}
	if tokens == nil {
		tokens = auth.None{}
	}
	return &ModelAdapter{
		baseURL:  u,
		exec:     NewExecutor(client),
		tokens:   tokens,
		timeouts: timeouts,
		log:      log.With().Str("component", "inference").Logger(),
	}, nil
}

// UploadImage отправляет изображение в /upload_image
func (m *ModelAdapter) UploadImage(ctx context.Context, file domain.File) (*domain.ImageUpload, error) {
	resp, err := m.upload(ctx, "/upload_image", "image", file, m.timeouts.ImageUpload)
	if err != nil {
		return nil, err
	}

	var result domain.ImageUpload
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		if serr := statusError(resp); serr != nil {
			return nil, serr
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.Error != "" {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: result.Error}
	}
	if err := statusError(resp); err != nil {
		return nil, err
	}

	result.Percentages = result.Percentages.Normalize()
	result.ImageURL = m.ResolveURL(result.ImageURL)
	return &result, nil
}

// UploadVideo отправляет видео в /upload_video; 2xx означает, что обработка началась
func (m *ModelAdapter) UploadVideo(ctx context.Context, file domain.File) error {
	resp, err := m.upload(ctx, "/upload_video", "video", file, m.timeouts.VideoUpload)
	if err != nil {
		return err
	}
	if msg := errorField(resp.Body); msg != "" {
		return &ServiceError{StatusCode: resp.StatusCode, Message: msg}
	}
	return statusError(resp)
}

// DetectionCounts промежуточные проценты по видео
func (m *ModelAdapter) DetectionCounts(ctx context.Context) (domain.ClassificationResult, error) {
	var result domain.ClassificationResult
	if err := m.getJSON(ctx, "/detection_counts", &result); err != nil {
		return nil, err
	}
	return result.Normalize(), nil
}

// FinalCounts флаг завершения и итоговые проценты
func (m *ModelAdapter) FinalCounts(ctx context.Context) (*domain.FinalCounts, error) {
	var result domain.FinalCounts
	if err := m.getJSON(ctx, "/final_counts", &result); err != nil {
		return nil, err
	}
	if result.Percentages != nil {
		result.Percentages = result.Percentages.Normalize()
	}
	return &result, nil
}

// StopStream просит сервис освободить ресурсы видео
func (m *ModelAdapter) StopStream(ctx context.Context) error {
	return m.post(ctx, "/stop_stream", m.timeouts.StopStream)
}

// SendCameraFrame отправляет кадр с камеры (data URL или base64) и возвращает размеченный JPEG
func (m *ModelAdapter) SendCameraFrame(ctx context.Context, frame string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{"image": frame})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	req, err := m.newRequest(ctx, http.MethodPost, "/camera_feed", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.exec.Execute(ctx, req, m.timeouts.Poll)
	if err != nil {
		return nil, err
	}
	if err := authError(resp); err != nil {
		return nil, err
	}
	// сервис отвечает JSON только в случае ошибки
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if msg := errorField(resp.Body); msg != "" {
			return nil, &ServiceError{StatusCode: resp.StatusCode, Message: msg}
		}
	}
	if err := statusError(resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// CameraCounts накопленные проценты по камере
func (m *ModelAdapter) CameraCounts(ctx context.Context) (domain.ClassificationResult, error) {
	var result domain.ClassificationResult
	if err := m.getJSON(ctx, "/camera_counts", &result); err != nil {
		return nil, err
	}
	return result.Normalize(), nil
}

func (m *ModelAdapter) StopCamera(ctx context.Context) error {
	return m.post(ctx, "/stop_camera", m.timeouts.StopStream)
}

// CheckHealth проверяет доступность ML-сервиса
func (m *ModelAdapter) CheckHealth(ctx context.Context) error {
	req, err := m.newRequest(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return err
	}
	resp, err := m.exec.Execute(ctx, req, m.timeouts.Poll)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("ml service unhealthy: %d", resp.StatusCode)
	}
	return nil
}

// StreamURL адрес MJPEG-потока с размеченными кадрами видео
func (m *ModelAdapter) StreamURL() string {
	return m.baseURL.JoinPath("/video_feed").String()
}

// ResolveURL делает относительный адрес (например /static/annotated_x.jpg) абсолютным
func (m *ModelAdapter) ResolveURL(ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return m.baseURL.ResolveReference(u).String()
}

func (m *ModelAdapter) upload(ctx context.Context, path, field string, file domain.File, timeout time.Duration) (*Response, error) {
	if file.Open == nil {
		return nil, fmt.Errorf("open file: no content")
	}
	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer src.Close()

	// Создаём multipart запрос
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	disposition := mime.FormatMediaType("form-data", map[string]string{"name": field, "filename": file.Name})
	if disposition == "" {
		return nil, fmt.Errorf("invalid file name %q", file.Name)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", disposition)
	h.Set("Content-Type", file.MediaType)
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, src); err != nil {
		return nil, fmt.Errorf("copy file data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := m.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := m.exec.Execute(ctx, req, timeout)
	if err != nil {
		return nil, err
	}
	m.log.Debug().Str("path", path).Str("file", file.Name).Int("status", resp.StatusCode).Msg("upload sent")
	// 401/403 проверяем раньше разбора тела
	if err := authError(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (m *ModelAdapter) getJSON(ctx context.Context, path string, out any) error {
	req, err := m.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := m.exec.Execute(ctx, req, m.timeouts.Poll)
	if err != nil {
		return err
	}
	if err := authError(resp); err != nil {
		return err
	}
	if err := statusError(resp); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (m *ModelAdapter) post(ctx context.Context, path string, timeout time.Duration) error {
	req, err := m.newRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	resp, err := m.exec.Execute(ctx, req, timeout)
	if err != nil {
		return err
	}
	if err := authError(resp); err != nil {
		return err
	}
	if msg := errorField(resp.Body); msg != "" {
		return &ServiceError{StatusCode: resp.StatusCode, Message: msg}
	}
	return statusError(resp)
}

func (m *ModelAdapter) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL.JoinPath(path).String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if v, ok := auth.BearerHeader(m.tokens); ok {
		req.Header.Set("Authorization", v)
	}
	return req, nil
}

func authError(resp *Response) error {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("status %d: %w", resp.StatusCode, ErrUnauthorized)
	}
	return nil
}

func statusError(resp *Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	return &ServiceError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
}

func errorField(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Error
}
