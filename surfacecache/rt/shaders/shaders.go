package shaders

import (
	_ "embed"
)

//go:embed resample.wgsl
var ResampleWGSL string

//go:embed fullscreen.wgsl
var FullscreenWGSL string

//go:embed text.wgsl
var TextWGSL string
