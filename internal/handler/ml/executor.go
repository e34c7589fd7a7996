package ml

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBytes ограничение на размер ответа inference-сервиса
const maxResponseBytes = 8 << 20

var (
	// ErrTimeout запрос не уложился в дедлайн
	ErrTimeout = errors.New("request timed out")

	// ErrUnauthorized сервис ответил 401/403
	ErrUnauthorized = errors.New("unauthorized")

	// ErrResponseTooLarge тело ответа больше maxResponseBytes
	ErrResponseTooLarge = errors.New("response body too large")
)

type RequestErrorKind int

const (
	RequestTransport RequestErrorKind = iota
	RequestTimeout
)

// RequestError ошибка выполнения запроса (таймаут или транспорт)
type RequestError struct {
	Kind    RequestErrorKind
	Op      string
	Timeout time.Duration
	Err     error
}

func (e *RequestError) Error() string {
	if e.Kind == RequestTimeout {
		return fmt.Sprintf("%s: timed out after %s", e.Op, e.Timeout)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

func (e *RequestError) Is(target error) bool {
	return target == ErrTimeout && e.Kind == RequestTimeout
}

// Response ответ, полностью вычитанный внутри дедлайна
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Executor выполняет HTTP-запрос с дедлайном.
// Статус ответа не интерпретируется, это делает вызывающий код.
type Executor struct {
	client *http.Client
}

func NewExecutor(client *http.Client) *Executor {
	if client == nil {
		client = &http.Client{}
	}
	return &Executor{client: client}
}

func (e *Executor) Execute(ctx context.Context, req *http.Request, timeout time.Duration) (*Response, error) {
	op := req.Method + " " + req.URL.Path

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := e.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, classify(ctx, op, timeout, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, classify(ctx, op, timeout, fmt.Errorf("read body: %w", err))
	}
	if len(body) > maxResponseBytes {
		return nil, &RequestError{
			Kind: RequestTransport,
			Op:   op,
			Err:  fmt.Errorf("%w: limit is %d bytes", ErrResponseTooLarge, maxResponseBytes),
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// classify отличает истечение собственного дедлайна от отмены родительского контекста
func classify(ctx context.Context, op string, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &RequestError{Kind: RequestTimeout, Op: op, Timeout: timeout, Err: err}
	}
	return &RequestError{Kind: RequestTransport, Op: op, Err: err}
}
