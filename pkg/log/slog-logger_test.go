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
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlogHandler(t *testing.T) {
	l := Get("slog-test")
	prev := l.EnableDebug(false)
	t.Cleanup(func() { l.EnableDebug(prev) })

	h := l.SlogHandler()
	ctx := context.Background()

	require.False(t, h.Enabled(ctx, slog.LevelDebug))
	require.True(t, h.Enabled(ctx, slog.LevelInfo))
	require.True(t, h.Enabled(ctx, slog.LevelError))

	l.EnableDebug(true)
	require.True(t, h.Enabled(ctx, slog.LevelDebug))

	g := h.WithAttrs([]slog.Attr{slog.Int("a", 1)}).WithGroup("g").WithGroup("h")
	s, ok := g.(*slogger)
	require.True(t, ok)
	require.Equal(t, "g.h", s.group)

	r := slog.NewRecord(time.Time{}, slog.LevelInfo, "hello", 0)
	r.AddAttrs(slog.String("b", "x"))
	require.Equal(t, "hello a=1 g.h.b=x", s.message(r))

	slog.New(g).Info("logged through slog", "c", 3)
}
