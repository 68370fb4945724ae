// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package log

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// slogger bridges slog records to a Logger.
type slogger struct {
	l     Logger
	attrs []slog.Attr
	group string
}

var _ slog.Handler = &slogger{}

// SetSlogLogger sets up the default logger for the slog package.
func SetSlogLogger(source string) {
	var l Logger

	if source == "" {
		l = Default()
	} else {
		l = log.get(source)
	}

	slog.SetDefault(slog.New(l.SlogHandler()))
}

func (l logger) SlogHandler() slog.Handler {
	return &slogger{l: l}
}

func (s *slogger) Enabled(_ context.Context, level slog.Level) bool {
	switch {
	case level < slog.LevelInfo:
		return s.l.DebugEnabled()
	default:
		return true
	}
}

func (s *slogger) Handle(_ context.Context, r slog.Record) error {
	msg := s.message(r)
	switch {
	case r.Level < slog.LevelInfo:
		s.l.Debug("%s", msg)
	case r.Level < slog.LevelWarn:
		s.l.Info("%s", msg)
	case r.Level < slog.LevelError:
		s.l.Warn("%s", msg)
	default:
		s.l.Error("%s", msg)
	}
	return nil
}

func (s *slogger) message(r slog.Record) string {
	b := &strings.Builder{}
	b.WriteString(r.Message)

	for _, a := range s.attrs {
		fmt.Fprintf(b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(b, " %s=%v", s.qualify(a.Key), a.Value)
		return true
	})

	return b.String()
}

func (s *slogger) qualify(key string) string {
	if s.group == "" {
		return key
	}
	return s.group + "." + key
}

func (s *slogger) WithAttrs(attrs []slog.Attr) slog.Handler {
	qualified := append([]slog.Attr{}, s.attrs...)
	for _, a := range attrs {
		qualified = append(qualified, slog.Attr{Key: s.qualify(a.Key), Value: a.Value})
	}
	return &slogger{l: s.l, attrs: qualified, group: s.group}
}

func (s *slogger) WithGroup(name string) slog.Handler {
	group := name
	if s.group != "" {
		group = s.group + "." + name
	}
	return &slogger{l: s.l, attrs: s.attrs, group: group}
}
