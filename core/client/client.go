// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy access to a JSON REST api

The client either talks to a remote service over HTTP, or - instead of marshalling
HTTP - directly to a mux router. The latter is the tool of choice for unit tests,
where the simulated cloud services are served in-process.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the service at url
func NewWithURL(url string) Client {
	return Client{
		url:            strings.TrimSuffix(url, "/"),
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	// we want a true copy to avoid side effects
	headers := map[string]string{key: value}
	for k, v := range c.defaultHeaders {
		if k != key {
			headers[k] = v
		}
	}
	c.defaultHeaders = headers
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of the client
func (c Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// do executes a request and returns the response with its fully read body
func (c Client) do(method, path string, header map[string]string, body []byte) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.defaultHeaders {
		r.Header.Set(key, value)
	}
	for key, value := range header {
		r.Header.Set(key, value)
	}

	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		return rec.Result(), rec.Body.Bytes(), nil
	}

	res, err := c.httpClient.Do(r)
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, nil, err
	}
	return res, resBody, nil
}

func marshalBody(method, path string, body interface{}) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if j, ok := body.([]byte); ok {
		return j, nil
	}
	j, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s to %s: %w", method, path, err)
	}
	return j, nil
}

func unmarshalResult(resBody []byte, result interface{}) error {
	if len(resBody) == 0 || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

// RawGetWithHeader gets the resource from path. Expects http.StatusOK or http.StatusAccepted as
// response, otherwise it will flag an error. Returns the actual http status code and the response header.
//
// The path can be extend with query strings.
//
// result can be map[string]interface{} or a raw *[]byte.
// result can be nil.
func (c Client) RawGetWithHeader(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	res, resBody, err := c.do(http.MethodGet, path, header, nil)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	status := res.StatusCode
	if status == http.StatusNoContent {
		return status, res.Header, nil
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return status, res.Header, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, strings.TrimSpace(string(resBody)))
	}
	return status, res.Header, unmarshalResult(resBody, result)
}

// RawGet gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.RawGetWithHeader(path, nil, result)
	return status, err
}

// RawPutWithHeader puts a resource to path. Expects http.StatusOK, http.StatusCreated,
// http.StatusAccepted or http.StatusNoContent as valid responses, otherwise it will flag an
// error. Returns the actual http status code and the response header.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPutWithHeader(path string, header map[string]string, body interface{}, result interface{}) (int, http.Header, error) {
	j, err := marshalBody(http.MethodPut, path, body)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	res, resBody, err := c.do(http.MethodPut, path, header, j)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	status := res.StatusCode
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
	default:
		return status, res.Header, fmt.Errorf("put got status=%d body=%s", status, strings.TrimSpace(string(resBody)))
	}
	return status, res.Header, unmarshalResult(resBody, result)
}

// RawPut puts a resource to path. See RawPutWithHeader.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.RawPutWithHeader(path, nil, body, result)
	return status, err
}

// RawPatch sends a patch to path. Expects http.StatusOK or http.StatusNoContent as valid responses,
// otherwise it will flag an error. Returns the actual http status code.
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	j, err := marshalBody(http.MethodPatch, path, body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	res, resBody, err := c.do(http.MethodPatch, path, nil, j)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	status := res.StatusCode
	if status != http.StatusOK && status != http.StatusNoContent {
		return status, fmt.Errorf("patch got status=%d body=%s", status, strings.TrimSpace(string(resBody)))
	}
	return status, unmarshalResult(resBody, result)
}
