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

// Package logging is the logrus-backed adapter for the config.Logger
// seam (config/options.go): library code depends only on the
// Printf(format string, v ...interface{}) interface, and cmd/ binaries
// supply this concrete implementation rather than having the library
// packages import logrus directly.
package logging

import (
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// Logrus adapts a *logrus.Entry (or Logger) to config.Logger.
type Logrus struct {
	entry *logrus.Entry
}

// NewLogrus wraps l (pass logrus.StandardLogger() for the package
// default) as a config.Logger.
func NewLogrus(l *logrus.Logger) *Logrus {
	return &Logrus{entry: logrus.NewEntry(l)}
}

// Printf implements config.Logger.
func (l *Logrus) Printf(format string, v ...interface{}) {
	l.entry.Printf(format, v...)
}

// WithField returns a derived Logrus carrying an additional structured
// field, e.g. l.WithField("peer", addr.String()).
func (l *Logrus) WithField(key string, value interface{}) *Logrus {
	return &Logrus{entry: l.entry.WithField(key, value)}
}

// Exchange is a correlation ID for one EDHOC handshake or blockwise
// transfer, so every log line belonging to that exchange can be grepped
// across goroutines even though the engine has no per-request context
// object threaded through it. Grounded on runZeroInc/conniver's use of
// rs/xid for request correlation IDs in cmd/get.
type Exchange struct {
	id xid.ID
}

// NewExchange mints a fresh correlation ID.
func NewExchange() Exchange {
	return Exchange{id: xid.New()}
}

// String returns the sortable, globally-unique textual form.
func (e Exchange) String() string {
	return e.id.String()
}

// Logger derives a Logrus adapter tagged with this exchange's
// correlation ID under the "exchange" field.
func (e Exchange) Logger(base *Logrus) *Logrus {
	if base == nil {
		return nil
	}
	return base.WithField("exchange", e.id.String())
}
