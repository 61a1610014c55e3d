package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"
)

type captureRequest struct {
	URL      string `json:"url"`
	FullPage bool   `json:"full_page,omitempty"`
}

type captureResponse struct {
	Success   bool   `json:"success"`
	FromCache bool   `json:"from_cache"`
	ErrorKind string `json:"error_kind"`
}

// Result is the outcome of one capture request
type Result struct {
	Status    int
	FromCache bool
	ErrorKind string
	Latency   time.Duration
	Bytes     int
	Err       error
}

// Requester issues capture requests over a shared fasthttp client
type Requester struct {
	client   *fasthttp.Client
	endpoint string
	timeout  time.Duration
	fullPage bool
}

func NewRequester(config *Config) *Requester {
	return &Requester{
		client: &fasthttp.Client{
			MaxConnsPerHost: config.Concurrency * 2,
			ReadTimeout:     config.Timeout,
			WriteTimeout:    config.Timeout,
		},
		endpoint: config.Target + "/capture",
		timeout:  config.Timeout,
		fullPage: config.FullPage,
	}
}

// Capture posts one capture request and classifies the response
func (r *Requester) Capture(ctx context.Context, url string) *Result {
	body, err := json.Marshal(captureRequest{URL: url, FullPage: r.fullPage})
	if err != nil {
		return &Result{Err: err}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(r.endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	start := time.Now()
	err = r.client.DoDeadline(req, resp, start.Add(r.timeout))
	latency := time.Since(start)

	if ctx.Err() != nil {
		return &Result{Err: ctx.Err(), Latency: latency}
	}
	if err != nil {
		return &Result{Err: err, Latency: latency}
	}

	result := &Result{
		Status:  resp.StatusCode(),
		Latency: latency,
		Bytes:   len(resp.Body()),
	}

	var parsed captureResponse
	if json.Unmarshal(resp.Body(), &parsed) == nil {
		result.FromCache = parsed.FromCache
		result.ErrorKind = parsed.ErrorKind
	}
	return result
}
