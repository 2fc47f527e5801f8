/*
 * Copyright 2021 ByteDance Inc.
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

package cache

import (
    `sync`
    `testing`

    `github.com/brianvoe/gofakeit/v6`
    `github.com/stretchr/testify/require`
)

func TestTable_GetPut(t *testing.T) {
    tab := NewTable()
    ref := map[uint64]uint64{}
    for i := 0; i < 10000; i++ {
        k := gofakeit.Uint64() | 1
        v := gofakeit.Uint64()
        tab.Put(k, v)
        ref[k] = v
    }
    require.Equal(t, len(ref), tab.Len())
    require.Greater(t, tab.Cap(), _InitSlots)
    for k, v := range ref {
        got, ok := tab.Get(k)
        require.True(t, ok)
        require.Equal(t, v, got)
    }
    _, ok := tab.Get(2)
    require.False(t, ok)
}

func TestTable_Replace(t *testing.T) {
    tab := NewTable()
    tab.Put(42, 1)
    tab.Put(42, 2)
    v, ok := tab.Get(42)
    require.True(t, ok)
    require.Equal(t, uint64(2), v)
    require.Equal(t, 1, tab.Len())
    require.Equal(t, _InitSlots, tab.Cap())
}

func TestGlobal_FirstStoreWins(t *testing.T) {
    for _, lockFree := range []bool { false, true } {
        g := NewGlobal(lockFree)
        wg := sync.WaitGroup{}
        res := make([]uint64, 16)
        for i := range res {
            wg.Add(1)
            go func(i int) {
                defer wg.Done()
                res[i], _ = g.LoadOrStore(100, uint64(i + 1))
            }(i)
        }
        wg.Wait()
        for _, v := range res {
            require.Equal(t, res[0], v)
        }
        v, ok := g.Load(100)
        require.True(t, ok)
        require.Equal(t, res[0], v)

        /* ranges see every key */
        g.LoadOrStore(200, 7)
        n := 0
        g.Range(func(k uint64, v uint64) bool { n++; return true })
        require.Equal(t, 2, n)
        require.Equal(t, 2, g.Len())
        _, ok = g.Load(300)
        require.False(t, ok)
    }
}
