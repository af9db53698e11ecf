/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package context

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextParams(t *testing.T) {
	ctx := New()
	ctx.SetParams(map[string]any{
		"sigma_max":    80.0,
		"sample_steps": 50,
		"name":         "model",
	})
	demoCtx := ctx.In("demo")
	demoCtx.SetParam("sample_steps", 20)
	assert.Equal(t, "/demo", demoCtx.Scope())

	assert.Equal(t, 20, GetParamOr(demoCtx, "sample_steps", 0))
	assert.Equal(t, 50, GetParamOr(ctx.In("evaluate"), "sample_steps", 0))
	assert.Equal(t, "fallback", GetParamOr(ctx, "missing", "fallback"))

	// Conversion: int to float64, float64 to int.
	assert.Equal(t, 50.0, GetParamOr(ctx, "sample_steps", 0.0))
	assert.Equal(t, 80, GetParamOr(ctx, "sigma_max", 0))

	require.Panics(t, func() { _ = GetParamOr(ctx, "name", 0.0) })
	require.Panics(t, func() { _ = MustGetParam[int](ctx, "missing") })
	require.Panics(t, func() { ctx.In("a/b") })

	assert.Equal(t, map[string]any{
		"sigma_max":         80.0,
		"sample_steps":      50,
		"name":              "model",
		"demo/sample_steps": 20,
	}, ctx.ParamsMap())

	cloned := ctx.Clone()
	cloned.SetParam("sample_steps", 1)
	assert.Equal(t, 50, GetParamOr(ctx, "sample_steps", 0))
}

func TestScopes(t *testing.T) {
	scope, name := SplitScope("/demo/sample_steps")
	assert.Equal(t, "/demo", scope)
	assert.Equal(t, "sample_steps", name)
	scope, name = SplitScope("/sigma_max")
	assert.Equal(t, RootScope, scope)
	assert.Equal(t, "sigma_max", name)
	scope, name = SplitScope("sigma_max")
	assert.Equal(t, "", scope)
	assert.Equal(t, "sigma_max", name)

	ctx := New()
	ctx.SetParam("sample_steps", 50)
	ctx.InAbsPath("/demo/fast").SetParam("sample_steps", 10)
	assert.Equal(t, 10, GetParamOr(ctx.In("demo").In("fast"), "sample_steps", 0))
	assert.Equal(t, 50, GetParamOr(ctx.In("demo"), "sample_steps", 0))
	require.Panics(t, func() { ctx.InAbsPath("demo") })
}

func TestLoadParamsMap(t *testing.T) {
	ctx := New()
	ctx.SetParam("sample_steps", 50)
	ctx.In("demo").SetParam("sample_steps", 20)
	m := ctx.ParamsMap()
	assert.Equal(t, map[string]any{"sample_steps": 50, "demo/sample_steps": 20}, m)

	loaded := New()
	loaded.LoadParamsMap(m)
	assert.Equal(t, 20, GetParamOr(loaded.In("demo"), "sample_steps", 0))
	assert.Equal(t, 50, GetParamOr(loaded.In("evaluate"), "sample_steps", 0))
}
