// Package exchange - клиент биржи: подпись запросов, устойчивый транспорт
// с перебором хостов и REST-методы Poloniex Futures v3.
package exchange

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// HTTPClientConfig настройки транспорта к бирже
type HTTPClientConfig struct {
	ConnectTimeout        time.Duration // TCP connect (default: 5s)
	TLSHandshakeTimeout   time.Duration // default: 5s
	ResponseHeaderTimeout time.Duration // ожидание заголовков ответа (default: 10s)

	MaxIdleConnsPerHost int           // default: 10
	MaxConnsPerHost     int           // default: 20
	IdleConnTimeout     time.Duration // default: 90s
	KeepAliveInterval   time.Duration // default: 30s
}

// DefaultHTTPClientConfig значения по умолчанию
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout:        5 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       90 * time.Second,
		KeepAliveInterval:     30 * time.Second,
	}
}

// HTTPClient пул соединений к хостам биржи.
// Общий таймаут не задаётся: каждый attempt ограничивается контекстом в Requester.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient создаёт транспорт с keep-alive
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAliveInterval,
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: time.Second,
	}

	return &HTTPClient{client: &http.Client{Transport: transport}}
}

// WrapHTTPClient использует готовый http.Client (httptest)
func WrapHTTPClient(c *http.Client) *HTTPClient {
	return &HTTPClient{client: c}
}

// Do выполняет запрос
func (hc *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	return hc.client.Do(req)
}

// Close закрывает idle соединения, вызывается при shutdown
func (hc *HTTPClient) Close() {
	hc.client.CloseIdleConnections()
}
