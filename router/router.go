// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package router implements the request dispatcher: Uri-Path based resource lookup plus the
// `.well-known/core` resource. `.well-known/edhoc` is handled by the engine before the router.
package router

import (
	"strings"

	"github.com/oscore-coap/engine/coaperr"
	"github.com/oscore-coap/engine/message"
)

// Request is what a handler sees after framing, security, blockwise and
// Echo checks have all passed.
type Request struct {
	Code    message.Code
	Path    string
	Query   map[string]string
	Options message.Options
	Payload []byte
}

// Response is a handler's reply, serialized by the caller.
type Response struct {
	Code    message.Code
	Options message.Options
	Payload []byte
}

// Handler processes one dispatched request.
type Handler func(Request) (Response, error)

// Resource is a registered path with its supported method handlers.
type Resource struct {
	Path     string
	Handlers map[message.Code]Handler

	// LinkAttributes are the RFC 6690 attribute pairs rendered for this
	// resource in the `.well-known/core` listing, e.g. {"rt": "sensor",
	// "if": "core.s"}.
	LinkAttributes map[string]string
}

// Router dispatches by Uri-Path.
type Router struct {
	resources map[string]*Resource
	order     []string // registration order; the Link-Format listing sorts it by path
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{resources: make(map[string]*Resource)}
}

// Register adds or replaces a resource.
func (r *Router) Register(res *Resource) {
	if _, exists := r.resources[res.Path]; !exists {
		r.order = append(r.order, res.Path)
	}
	r.resources[res.Path] = res
}

// joinURIPath reconstructs a slash-separated path from the repeatable
// Uri-Path segments of a request (RFC 7252 section 5.10.2).
func joinURIPath(opts message.Options) string {
	segs := opts.FindAll(message.OptionURIPath)
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = string(s.Value)
	}
	return strings.Join(parts, "/")
}

func parseURIQuery(opts message.Options) map[string]string {
	q := map[string]string{}
	for _, opt := range opts.FindAll(message.OptionURIQuery) {
		kv := string(opt.Value)
		if i := strings.IndexByte(kv, '='); i >= 0 {
			q[kv[:i]] = kv[i+1:]
		} else {
			q[kv] = ""
		}
	}
	return q
}

// Dispatch resolves opts' Uri-Path to a registered resource and method
// handler and invokes it. `.well-known/core` (and the empty path) is
// always served by this router, GET only; every other path, including
// `.well-known/edhoc`, resolves only if a resource is registered for it.
func (r *Router) Dispatch(code message.Code, opts message.Options, payload []byte) (Response, error) {
	path := joinURIPath(opts)

	if path == "" || path == "well-known/core" || path == ".well-known/core" {
		if code != message.GET {
			return Response{}, coaperr.New(coaperr.MethodNotAllowed, errMethodNotAllowed(path, code))
		}
		return r.serveCoreDirectory(parseURIQuery(opts)), nil
	}

	res, ok := r.resources[path]
	if !ok {
		return Response{}, coaperr.New(coaperr.ResourceAbsent, errResourceAbsent(path))
	}
	h, ok := res.Handlers[code]
	if !ok {
		return Response{}, coaperr.New(coaperr.MethodNotAllowed, errMethodNotAllowed(path, code))
	}
	return h(Request{Code: code, Path: path, Query: parseURIQuery(opts), Options: opts, Payload: payload})
}
