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
package opts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptions_ParseOrDefault(t *testing.T) {
	require.Equal(t, 123, parseOrDefault("MIRAGE_TEST_UNSET_KEY", 123, 1))
	t.Setenv("MIRAGE_TEST_KEY", "0x100")
	require.Equal(t, 256, parseOrDefault("MIRAGE_TEST_KEY", 1, 16))
	t.Setenv("MIRAGE_TEST_KEY", "8")
	require.PanicsWithValue(t, "mirage: value too small for MIRAGE_TEST_KEY", func() {
		parseOrDefault("MIRAGE_TEST_KEY", 1, 16)
	})
	t.Setenv("MIRAGE_TEST_KEY", "abc")
	require.PanicsWithValue(t, "mirage: invalid value for MIRAGE_TEST_KEY", func() {
		parseOrDefault("MIRAGE_TEST_KEY", 1, 16)
	})
}

func TestOptions_ZeroCPUs(t *testing.T) {
	t.Setenv("MIRAGE_NUM_CPUS", "0")
	require.PanicsWithValue(t, "mirage: value too small for MIRAGE_NUM_CPUS", func() {
		parseOrDefault("MIRAGE_NUM_CPUS", defaultCPUs(), 0)
	})
	t.Setenv("MIRAGE_NUM_CPUS", "1")
	require.Equal(t, 1, parseOrDefault("MIRAGE_NUM_CPUS", defaultCPUs(), 0))
}

func TestOptions_Defaults(t *testing.T) {
	o := GetDefaultOptions()
	require.True(t, o.DirectReturn)
	require.Greater(t, o.NumCPUs, 0)
	require.True(t, o.CanGrowBlock(o.MaxBlockBytes-1))
	require.False(t, o.CanGrowBlock(o.MaxBlockBytes))
}
