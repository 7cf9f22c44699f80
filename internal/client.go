// Copyright (c) 2026 The Stampede Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loadtools/stampede/api"
)

// RequestStatus classifies the outcome of a single request.
type RequestStatus string

const (
	StatusSuccess         RequestStatus = "success"
	StatusTimeout         RequestStatus = "timeout"
	StatusConnectionError RequestStatus = "connection_error"
	StatusHTTPError       RequestStatus = "http_error"
	StatusUnknownError    RequestStatus = "unknown_error"
)

// RequestResult is the timed outcome of one request.
type RequestResult struct {
	Endpoint   string
	WorkerID   int
	Status     RequestStatus
	StatusCode int
	Duration   time.Duration
	// BytesRead is the response body size
	BytesRead int64
	StartedAt time.Time
	Err       error
}

// Success reports whether the response had a 2xx/3xx status.
func (r RequestResult) Success() bool {
	return r.Status == StatusSuccess
}

// ErrCode returns the stats key for a failed request: the HTTP status
// code as a string, or the failure class for transport errors.
func (r RequestResult) ErrCode() string {
	if r.Status == StatusHTTPError {
		return strconv.Itoa(r.StatusCode)
	}
	return string(r.Status)
}

// Client executes timed requests against endpoints, enforcing the
// connection permit budget and feeding every outcome through the
// error handler. The underlying transport reuses connections across
// workers.
type Client struct {
	http    *http.Client
	handler *Handler
	monitor *Monitor
	now     func() time.Time
}

// NewClient returns a Client using handler for error decisions and
// monitor for connection admission.
func NewClient(handler *Handler, monitor *Monitor, maxIdlePerHost int) *Client {
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = api.MaxConcurrentUsers
	}
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        0,
				MaxIdleConnsPerHost: maxIdlePerHost,
			},
		},
		handler: handler,
		monitor: monitor,
		now:     time.Now,
	}
}

// ErrCircuitOpen is returned when the endpoint's circuit breaker is
// rejecting requests.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ErrNoPermits is returned when the connection permit budget is
// exhausted.
var ErrNoPermits = errors.New("connection permits exhausted")

// Do executes one timed request against ep. It returns the classified
// result and the corrective action the worker should take. Requests
// rejected by the circuit breaker or the permit budget fail without
// touching the network.
func (c *Client) Do(ctx context.Context, ep api.Endpoint, workerID int) (RequestResult, Action) {
	res := RequestResult{Endpoint: ep.Name, WorkerID: workerID, StartedAt: c.now()}

	if !c.handler.AllowRequest(ep.Name) {
		res.Status = StatusConnectionError
		res.Err = ErrCircuitOpen
		// The breaker already knows this endpoint is failing; skipping
		// the request is the point, so just keep going.
		return res, ActionContinue
	}

	if !c.monitor.AcquireConnection() {
		res.Status = StatusConnectionError
		res.Err = ErrNoPermits
		// Local permit pressure, not an endpoint failure: report it as
		// a plain network error so it cannot trip the endpoint's
		// breaker.
		action := c.handler.HandleNetworkError(ep.Name, workerID, ErrorNetwork, "connection permits exhausted")
		return res, action
	}
	defer c.monitor.ReleaseConnection()

	reqCtx, cancel := context.WithTimeout(ctx, ep.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, ep.Method, ep.URL, nil)
	if err != nil {
		res.Status = StatusUnknownError
		res.Err = err
		action := c.handler.HandleApplicationError(ep.Name, workerID, ErrorConfiguration,
			fmt.Sprintf("building request for %s: %v", ep.URL, err))
		return res, action
	}
	req.Header.Set("User-Agent", "stampede")

	start := c.now()
	resp, err := c.http.Do(req)
	res.Duration = c.now().Sub(start)

	if err != nil {
		res.Status, res.Err = classifyTransportError(err)
		var action Action
		switch res.Status {
		case StatusTimeout:
			action = c.handler.HandleNetworkError(ep.Name, workerID, ErrorTimeout, err.Error())
		case StatusConnectionError:
			action = c.handler.HandleNetworkError(ep.Name, workerID, ErrorConnection, err.Error())
		default:
			action = c.handler.HandleApplicationError(ep.Name, workerID, ErrorApplication, err.Error())
		}
		return res, action
	}

	// Drain so the connection can be reused.
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		log.Debug().Err(err).Str("endpoint", ep.Name).Msg("draining response body")
	}
	res.BytesRead = n
	resp.Body.Close()

	res.StatusCode = resp.StatusCode
	if resp.StatusCode >= 400 {
		res.Status = StatusHTTPError
		res.Err = fmt.Errorf("http status %d", resp.StatusCode)
		action := c.handler.HandleHTTPError(ep.Name, workerID, resp.StatusCode,
			fmt.Sprintf("%s returned %d", ep.Name, resp.StatusCode))
		return res, action
	}

	res.Status = StatusSuccess
	c.handler.RecordSuccess(ep.Name)
	return res, ActionContinue
}

// classifyTransportError maps a transport error to a request status.
func classifyTransportError(err error) (RequestStatus, error) {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if uerr.Timeout() {
			return StatusTimeout, err
		}
		err = uerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout, err
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return StatusTimeout, err
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return StatusConnectionError, err
	}
	if errors.Is(err, context.Canceled) {
		return StatusConnectionError, err
	}
	// Anything reaching the transport and failing is a connection
	// problem as far as the load test is concerned.
	if _, ok := err.(*url.Error); ok {
		return StatusConnectionError, err
	}
	return StatusUnknownError, err
}
