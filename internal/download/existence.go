// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ManuGH/segflow/internal/events"
	"github.com/ManuGH/segflow/internal/fragment"
	"github.com/ManuGH/segflow/internal/log"
	"github.com/ManuGH/segflow/internal/resilience"
)

// errNotFound is a definitive answer and does not count against the breaker.
var errNotFound = errors.New("not found")

type existenceCheck struct {
	e      *Engine
	req    *fragment.Request
	cb     func(exists bool)
	cancel context.CancelFunc
	done   bool
}

func (c *existenceCheck) detach() {
	c.done = true
	c.cancel()
	delete(c.e.checks, c)
}

// CheckExistence probes req.URL with a HEAD request. Concurrent probes of
// the same URL share one request. cb and the CheckForExistenceCompleted
// event follow on the loop unless Abort intervenes. An open breaker reports
// the fragment as missing without touching the network.
func (e *Engine) CheckExistence(req *fragment.Request, cb func(exists bool)) {
	if req == nil {
		return
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout := e.cfg.NetworkTimeout.For(req.MediaType); timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	c := &existenceCheck{e: e, req: req, cb: cb, cancel: cancel}
	e.checks[c] = struct{}{}

	go func() {
		res, err, shared := e.probes.Do(req.URL, func() (any, error) {
			var exists bool
			berr := e.breaker.Execute(func() error {
				ok, herr := e.head(ctx, req.URL)
				if herr != nil {
					return herr
				}
				exists = ok
				if !ok {
					return errNotFound
				}
				return nil
			})
			if errors.Is(berr, errNotFound) {
				berr = nil
			}
			return exists, berr
		})
		exists, _ := res.(bool)
		e.loop.Post(func() { e.existenceDone(c, exists, shared, err) })
	}()
}

func (e *Engine) head(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	if e.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", e.cfg.UserAgent)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false, err
	}
	_ = resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return true, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return false, nil
	default:
		return false, fmt.Errorf("existence probe: status %d", resp.StatusCode)
	}
}

func (e *Engine) existenceDone(c *existenceCheck, exists, shared bool, err error) {
	if c.done {
		return
	}
	c.detach()
	if err != nil {
		evt := e.logger.Warn()
		if errors.Is(err, resilience.ErrCircuitOpen) {
			evt = e.logger.Debug()
		}
		evt.Err(err).
			Str(log.FieldEvent, "download.existence_failed").
			Str(log.FieldURL, c.req.URL).
			Bool("shared", shared).
			Msg("existence probe failed")
	}
	e.pub.Emit(events.Event{
		Topic:     events.CheckForExistenceCompleted,
		StreamID:  c.req.StreamID,
		MediaType: c.req.MediaType,
		Payload:   events.Existence{URL: c.req.URL, Exists: exists},
	})
	if c.cb != nil {
		c.cb(exists)
	}
}
