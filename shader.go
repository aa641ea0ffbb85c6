package reframe

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"regexp"
	"strings"

	"github.com/disintegration/imaging"
)

// Shader errors
var (
	ErrShaderUnsupported = errors.New("shader needs the GLES backend")
	ErrShaderCompile     = errors.New("shader compile failed")
)

// Built-in shader names.
const (
	ShaderIdentity  = "identity"
	ShaderInvert    = "invert"
	ShaderGrayscale = "grayscale"
)

// Fragment shaders sample sTexture at vTextureCoord.
const (
	identityFragmentShader = `precision mediump float;
varying vec2 vTextureCoord;
uniform sampler2D sTexture;
void main() {
  gl_FragColor = texture2D(sTexture, vTextureCoord);
}
`

	invertFragmentShader = `precision mediump float;
varying vec2 vTextureCoord;
uniform sampler2D sTexture;
void main() {
  vec4 color = texture2D(sTexture, vTextureCoord);
  gl_FragColor = vec4(1.0 - color.rgb, color.a);
}
`

	grayscaleFragmentShader = `precision mediump float;
varying vec2 vTextureCoord;
uniform sampler2D sTexture;
void main() {
  vec4 color = texture2D(sTexture, vTextureCoord);
  float y = dot(color.rgb, vec3(0.299, 0.587, 0.114));
  gl_FragColor = vec4(y, y, y, color.a);
}
`
)

// Shader is a per-pixel colour pass applied while drawing the frame.
type Shader struct {
	Name   string // Built-in name, or "custom"
	Source string // GLSL ES 1.0 fragment shader

	// apply is the CPU rendition used by the software renderer.
	// nil for identity and for custom GLSL.
	apply func(image.Image) *image.NRGBA
}

var builtinShaders = map[string]Shader{
	ShaderIdentity: {Name: ShaderIdentity, Source: identityFragmentShader},
	ShaderInvert:   {Name: ShaderInvert, Source: invertFragmentShader, apply: imaging.Invert},
	ShaderGrayscale: {Name: ShaderGrayscale, Source: grayscaleFragmentShader, apply: func(img image.Image) *image.NRGBA {
		return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
			y := uint8((299*uint32(c.R) + 587*uint32(c.G) + 114*uint32(c.B) + 500) / 1000)
			return color.NRGBA{R: y, G: y, B: y, A: c.A}
		})
	}},
}

var (
	externalExtension = regexp.MustCompile(`(?m)^[ \t]*#extension[ \t]+GL_OES_EGL_image_external[^\n]*\n?`)
	externalSampler   = regexp.MustCompile(`\bsamplerExternalOES\b`)
)

// ParseShader resolves a shader by built-in name or treats src as GLSL.
// An empty string selects identity. External-texture shaders are rewritten
// to sample a plain 2D texture.
func ParseShader(src string) (Shader, error) {
	name := strings.ToLower(strings.TrimSpace(src))
	if name == "" {
		name = ShaderIdentity
	}
	if sh, ok := builtinShaders[name]; ok {
		return sh, nil
	}
	if !strings.Contains(src, "main") {
		return Shader{}, fmt.Errorf("%w: unknown shader %q", ErrShaderCompile, src)
	}
	return Shader{Name: "custom", Source: normalizeFragmentShader(src)}, nil
}

// BuiltinShaders returns the names of the built-in shaders.
func BuiltinShaders() []string {
	return []string{ShaderIdentity, ShaderInvert, ShaderGrayscale}
}

func normalizeFragmentShader(src string) string {
	src = externalExtension.ReplaceAllString(src, "")
	return externalSampler.ReplaceAllString(src, "sampler2D")
}

// CPU reports whether the software renderer can run the shader.
func (s Shader) CPU() bool {
	return s.Name != "custom"
}

// Apply runs the CPU rendition. Identity returns img unchanged.
func (s Shader) Apply(img image.Image) (image.Image, error) {
	if !s.CPU() {
		return nil, fmt.Errorf("%w: custom GLSL", ErrShaderUnsupported)
	}
	if s.apply == nil {
		return img, nil
	}
	return s.apply(img), nil
}
