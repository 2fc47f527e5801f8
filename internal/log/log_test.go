/*
 * Copyright 2022 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLog_ParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warning")
	require.NoError(t, err)
	require.Equal(t, LevelWarn, lvl)
	lvl, err = ParseLevel("TRACE")
	require.NoError(t, err)
	require.Equal(t, LevelTrace, lvl)
	_, err = ParseLevel("loud")
	require.Error(t, err)
}

func TestLog_Modules(t *testing.T) {
	old := Root()
	defer SetDefault(old)
	defer func() {
		modLock.Lock()
		modules = make(map[string]bool)
		modLock.Unlock()
	}()

	buf := new(bytes.Buffer)
	SetDefault(NewTextLogger(buf, LevelTrace))
	Debug(Cache, "before", "k", 1)
	require.Contains(t, buf.String(), "module=cache")
	require.Contains(t, buf.String(), "k=1")

	/* only enabled modules pass, errors always do */
	buf.Reset()
	EnableModules("dbl, ibl")
	Info(Cache, "filtered")
	Info(DBL, "kept")
	Error(Alloc, "fatal")
	require.NotContains(t, buf.String(), "filtered")
	require.Contains(t, buf.String(), "kept")
	require.Contains(t, buf.String(), "fatal")

	/* disabling the last one does not re-enable everything */
	DisableModule(DBL)
	DisableModule(IBL)
	buf.Reset()
	Warn(DBL, "gone")
	require.Empty(t, buf.String())
}

func TestLog_LevelFilter(t *testing.T) {
	buf := new(bytes.Buffer)
	l := NewTextLogger(buf, LevelInfo)
	require.False(t, l.Enabled(LevelDebug))
	l.Debug(Block, "hidden")
	l.With("cpu", 3).Info(Block, "shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "cpu=3")
}
