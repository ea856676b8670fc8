// Copyright 2025 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package batch implements the download side of the Git LFS batch API.
package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/lfsfetch/endpoint"
)

// MediaType is the content type of batch API requests and responses.
const MediaType = "application/vnd.git-lfs+json"

// ProtocolError is set on errors caused by a batch response that can't be
// used.
var ProtocolError = errtag.Make("LFS batch protocol error", true)

// Ref identifies an object in a batch request.
type Ref struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

// Action is how to perform an operation on an object.
type Action struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header,omitempty"`
}

// Actions are the operations the server allows on an object.
type Actions struct {
	Download *Action `json:"download,omitempty"`
}

// ObjectError is a per-object failure reported by the server.
type ObjectError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Object is an object in a batch response.
type Object struct {
	OID     string       `json:"oid"`
	Size    int64        `json:"size"`
	Actions *Actions     `json:"actions,omitempty"`
	Error   *ObjectError `json:"error,omitempty"`
}

// Ref returns the request reference of the object.
func (o *Object) Ref() Ref { return Ref{OID: o.OID, Size: o.Size} }

// DownloadAction returns the download action of the object or an error tagged
// with ProtocolError if the server did not provide one.
func (o *Object) DownloadAction() (*Action, error) {
	if o.Error != nil {
		return nil, errors.Reason("server refused %s: %d %s", o.OID, o.Error.Code, o.Error.Message).
			Tag(ProtocolError).Err()
	}
	if o.Actions == nil || o.Actions.Download == nil || o.Actions.Download.Href == "" {
		return nil, errors.Reason("no download action for %s", o.OID).Tag(ProtocolError).Err()
	}
	return o.Actions.Download, nil
}

type request struct {
	Operation string `json:"operation"`
	Objects   []Ref  `json:"objects"`
}

type response struct {
	Objects *[]Object `json:"objects"`
	Message string    `json:"message,omitempty"`
}

// StatusError is returned when an HTTP request fails with a non-2xx status.
type StatusError struct {
	URL    string
	Code   int
	Status string
	// Body is the beginning of the response body.
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %s", e.URL, e.Status)
	}
	return fmt.Sprintf("%s: HTTP %s: %s", e.URL, e.Status, e.Body)
}

// NewStatusError reads up to 1KiB of resp's body into a StatusError.
func NewStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{
		URL:    resp.Request.URL.String(),
		Code:   resp.StatusCode,
		Status: resp.Status,
		Body:   string(bytes.TrimSpace(body)),
	}
}

// Client talks to a batch API.
type Client struct {
	// HTTP is the client to use. Defaults to http.DefaultClient.
	HTTP *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Negotiate asks the server for download URLs of refs.
//
// When the server rejects the request as too large, the list is split in two
// halves which are negotiated separately. A single object rejected as too
// large is an error tagged with ProtocolError. Other HTTP failures are
// returned as *StatusError.
func (c *Client) Negotiate(ctx context.Context, ep *endpoint.Endpoint, refs []Ref) ([]Object, error) {
	objs, err := c.post(ctx, ep, refs)
	if err == nil {
		return objs, nil
	}

	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusRequestEntityTooLarge {
		return nil, err
	}
	if len(refs) <= 1 {
		return nil, errors.Annotate(err, "batch request for a single object is too large").Tag(ProtocolError).Err()
	}

	half := len(refs) / 2
	logging.Debugf(ctx, "Batch of %d objects is too large, splitting", len(refs))
	first, err := c.Negotiate(ctx, ep, refs[:half])
	if err != nil {
		return nil, err
	}
	second, err := c.Negotiate(ctx, ep, refs[half:])
	if err != nil {
		return nil, err
	}
	return append(first, second...), nil
}

func (c *Client) post(ctx context.Context, ep *endpoint.Endpoint, refs []Ref) ([]Object, error) {
	body, err := json.Marshal(&request{Operation: "download", Objects: refs})
	if err != nil {
		return nil, errors.Annotate(err, "encoding batch request").Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL+"/objects/batch", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Annotate(err, "creating batch request").Err()
	}
	req.Header.Set("Accept", MediaType)
	req.Header.Set("Content-Type", MediaType)
	for k, v := range ep.Header {
		req.Header.Set(k, v)
	}

	resp, err := c.http().Do(req)
	if err != nil {
		return nil, errors.Annotate(err, "sending batch request").Err()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewStatusError(resp)
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, errors.Annotate(err, "decoding batch response").Tag(ProtocolError).Err()
	}
	if r.Objects == nil {
		return nil, errors.Reason("batch response has no objects (message: %q)", r.Message).Tag(ProtocolError).Err()
	}
	return *r.Objects, nil
}
