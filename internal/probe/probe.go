// Package probe checks that an article exists before a browser is spent on
// rendering it.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// ErrArticleNotFound reports that the wiki answered 404 for the article URL.
var ErrArticleNotFound = errors.New("article not found")

// Config controls the probe collector.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
}

// Prober issues lightweight HEAD requests through a shared Colly collector.
type Prober struct {
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New constructs a configured Prober.
func New(cfg Config, logger *zap.Logger) (*Prober, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []colly.CollectorOption{
		colly.Async(true),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	base := colly.NewCollector(opts...)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	if cfg.RequestTimeout > 0 {
		base.SetRequestTimeout(cfg.RequestTimeout)
	}
	return &Prober{
		baseCollector: base,
		logger:        logger,
	}, nil
}

// Exists resolves nil when the article URL answers with a success status,
// ErrArticleNotFound on 404, and a transport or status error otherwise.
func (p *Prober) Exists(ctx context.Context, rawURL string) error {
	collector := p.baseCollector.Clone()
	resultCh := make(chan error, 1)
	var once sync.Once
	send := func(err error) {
		once.Do(func() {
			resultCh <- err
		})
	}

	collector.OnResponse(func(r *colly.Response) {
		if r.StatusCode >= 400 {
			send(statusError(r.StatusCode))
			return
		}
		send(nil)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			send(statusError(r.StatusCode))
			return
		}
		if err == nil {
			err = errors.New("unknown collector error")
		}
		send(err)
	})

	if err := collector.Head(rawURL); err != nil {
		return fmt.Errorf("probe %s: %w", rawURL, err)
	}
	collector.Wait()

	select {
	case err := <-resultCh:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	default:
		return errors.New("probe produced no result")
	}
}

func statusError(code int) error {
	if code == http.StatusNotFound {
		return ErrArticleNotFound
	}
	return fmt.Errorf("probe status %d", code)
}
