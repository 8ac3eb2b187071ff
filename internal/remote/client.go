// Package remote предоставляет HTTP-клиент для обращения к API провайдеров
// с ограниченными повторами и нормализацией ответов.
package remote

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	defaultRetries     = 3
	defaultTimeout     = 10 * time.Second
	defaultConnTimeout = 3 * time.Second
	defaultBackoffBase = 500 * time.Millisecond
)

// Auth подписывает исходящий запрос способом, принятым у конкретного провайдера.
type Auth interface {
	Apply(req *http.Request, body []byte)
}

// BearerAuth добавляет к запросу токен в заголовке Authorization.
type BearerAuth struct {
	Token string
}

// Apply реализует Auth.
func (a BearerAuth) Apply(req *http.Request, _ []byte) {
	req.Header.Set("Authorization", "Bearer "+a.Token)
}

// HMACAuth подписывает запрос HMAC-SHA256 от метки времени и тела,
// используя общий секрет.
type HMACAuth struct {
	Key    string
	Secret string
}

// Apply реализует Auth.
func (a HMACAuth) Apply(req *http.Request, body []byte) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	mac := hmac.New(sha256.New, []byte(a.Secret))
	mac.Write([]byte(ts))
	mac.Write(body)

	req.Header.Set("X-Api-Key", a.Key)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
}

// Result — нормализованный результат удалённого вызова. Data содержит тело
// ответа дословно, разбор остаётся за адаптером провайдера.
type Result struct {
	Success    bool
	StatusCode int
	Message    string
	ErrorCode  string
	Data       json.RawMessage
}

// envelope покрывает типовые поля ошибок в ответах провайдеров.
type envelope struct {
	Message   string `json:"message"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

// Client выполняет аутентифицированные HTTP-вызовы к одному провайдеру.
type Client struct {
	name        string
	baseURL     string
	auth        Auth
	httpClient  *retryablehttp.Client
	timeout     time.Duration
	logger      *zap.Logger
}

// Option настраивает создаваемый клиент.
type Option func(*Client)

// WithRetries задаёт число повторов при временных сбоях.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.httpClient.RetryMax = n
		}
	}
}

// WithTimeout задаёт таймаут одного вызова целиком.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAuth задаёт способ аутентификации запросов.
func WithAuth(a Auth) Option {
	return func(c *Client) {
		c.auth = a
	}
}

// NewClient создаёт клиент провайдера с указанным именем и базовым адресом.
// Повторы выполняются только при сетевых ошибках и ответах 5xx; ответы 4xx
// считаются окончательными и возвращаются сразу.
func NewClient(name, baseURL string, logger *zap.Logger, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = defaultRetries
	rc.Logger = nil
	rc.CheckRetry = checkRetry
	rc.Backoff = backoff
	rc.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: defaultConnTimeout,
			}).DialContext,
		},
	}

	c := &Client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
		timeout:    defaultTimeout,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// checkRetry повторяет вызов при транспортной ошибке или 5xx. Ответы 4xx
// не повторяются: условие постоянное и повтор небезопасен.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp != nil && resp.StatusCode >= http.StatusInternalServerError {
		return true, nil
	}
	return false, nil
}

// backoff растёт пропорционально номеру попытки: base × attempt.
func backoff(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
	return defaultBackoffBase * time.Duration(attemptNum+1)
}

// Call выполняет один вызов API провайдера. Тело, если задано, сериализуется
// в JSON. Ошибка возвращается только при невозможности получить ответ;
// ответы с кодами ошибок нормализуются в Result с Success=false.
func (c *Client) Call(ctx context.Context, method, endpoint string, body any, query url.Values) (*Result, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("remote client not configured")
	}

	u := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(callCtx, method, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		c.auth.Apply(req.Request, payload)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		c.logCall(method, endpoint, 0, elapsed, err)
		return nil, fmt.Errorf("call %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logCall(method, endpoint, resp.StatusCode, elapsed, err)
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logCall(method, endpoint, resp.StatusCode, elapsed, nil)

	res := &Result{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Data:       data,
	}

	if !res.Success {
		var env envelope
		if json.Unmarshal(data, &env) == nil {
			res.Message = env.Message
			if res.Message == "" {
				res.Message = env.Error
			}
			res.ErrorCode = env.ErrorCode
		}
		if res.Message == "" {
			res.Message = http.StatusText(resp.StatusCode)
		}
	}

	return res, nil
}

// logCall записывает каждый удалённый вызов для последующего аудита.
func (c *Client) logCall(method, endpoint string, status int, elapsed time.Duration, err error) {
	if c.logger == nil {
		return
	}

	fields := []zap.Field{
		zap.String("provider", c.name),
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Int("status", status),
		zap.Duration("latency", elapsed),
	}

	if err != nil {
		c.logger.Warn("provider call failed", append(fields, zap.Error(err))...)
		return
	}

	c.logger.Debug("provider call", fields...)
}
