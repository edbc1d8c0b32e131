package steps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/Stepflow/internal/engine"
)

// TaskHTTP — задача HTTP запроса.
const TaskHTTP = "http"

const (
	defaultHTTPTimeoutSec = 30
	maxErrorBody          = 4 * 1024
)

// httpTask выполняет HTTP запрос. Тело успешного ответа — потоковый
// результат job.
//
// Ответ 4xx — семантическая ошибка (повтор бесполезен), 5xx и сетевые
// ошибки — системные.
func httpTask(cfg Config) *engine.Task {
	return &engine.Task{
		Name:        TaskHTTP,
		Description: "Fetch a URL and stream the response body",
		Inputs: []engine.Input{
			{Name: "url", Type: engine.TypeString, Description: "request URL"},
			{
				Name:    "method",
				Type:    engine.TypeSelect,
				Default: http.MethodGet,
				Options: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead},
			},
			{Name: "body", Type: engine.TypeString, Default: "", Description: "request body"},
			{Name: "content_type", Type: engine.TypeString, Default: "application/json"},
			{Name: "timeout_sec", Type: engine.TypeInteger, Default: defaultHTTPTimeoutSec},
		},
		Body: func(ctx context.Context, job *engine.Job, in engine.Inputs) (any, error) {
			url := in.String("url")
			if url == "" {
				return nil, engine.Failf("%w: %s: url is required", ErrInvalidConfig, TaskHTTP)
			}

			req, err := buildRequest(ctx, in)
			if err != nil {
				return nil, engine.Failf("%w: %s: %v", ErrInvalidConfig, TaskHTTP, err)
			}

			resp, err := httpClient(cfg, in).Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return nil, fmt.Errorf("%w: %w", ErrStepCancelled, ctx.Err())
				}
				return nil, fmt.Errorf("http request failed: %w", err)
			}

			if resp.StatusCode >= http.StatusBadRequest {
				return nil, responseError(resp)
			}
			return resp.Body, nil
		},
	}
}

func buildRequest(ctx context.Context, in engine.Inputs) (*http.Request, error) {
	method := strings.ToUpper(in.String("method"))

	var body io.Reader
	if b := in.String("body"); b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, in.String("url"), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", in.String("content_type"))
	}
	return req, nil
}

func httpClient(cfg Config, in engine.Inputs) *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	timeout := time.Duration(in.Int("timeout_sec")) * time.Second
	if timeout <= 0 {
		timeout = defaultHTTPTimeoutSec * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// responseError читает начало тела ответа с ошибкой и закрывает его.
func responseError(resp *http.Response) error {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	herr := &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Body:       strings.TrimSpace(string(data)),
	}
	if resp.StatusCode < http.StatusInternalServerError {
		return &engine.SemanticError{Message: herr.Error(), Err: herr}
	}
	return herr
}
