// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scoped_test

import (
	"testing"

	"github.com/gomlx/kdiffusion/internal/scoped"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestParams(t *testing.T) {
	p := scoped.New("/")
	p.Set("/", "sigma_max", 80.0)
	p.Set("/", "sample_steps", 50)
	p.Set("/demo", "sample_steps", 20)
	p.Set("/demo/grid", "padding", 0)

	cases := []struct {
		scope, key string
		want       any
		found      bool
	}{
		{"/demo", "sample_steps", 20, true},
		{"/demo/grid", "sample_steps", 20, true},
		{"/demo/grid", "sigma_max", 80.0, true},
		{"/evaluate", "sample_steps", 50, true},
		{"/", "padding", nil, false},
		{"/evaluate/x/y", "missing", nil, false},
	}
	for _, c := range cases {
		t.Run(c.scope+":"+c.key, func(t *testing.T) {
			value, found := p.Get(c.scope, c.key)
			require.Equal(t, c.found, found)
			assert.Equal(t, c.want, value)
		})
	}

	assert.True(t, p.Has("/demo", "sample_steps"))
	assert.False(t, p.Has("/demo/grid", "sample_steps"))

	var got []string
	p.Enumerate(func(scope, key string, _ any) {
		got = append(got, scope+":"+key)
	})
	assert.Equal(t, []string{"/:sample_steps", "/:sigma_max", "/demo:sample_steps", "/demo/grid:padding"}, got)
}

func TestClone(t *testing.T) {
	p := scoped.New("/")
	p.Set("/", "seed", 42)
	cloned := p.Clone()
	cloned.Set("/", "seed", 7)
	value, _ := p.Get("/", "seed")
	assert.Equal(t, 42, value)
	value, _ = cloned.Get("/", "seed")
	assert.Equal(t, 7, value)
}
