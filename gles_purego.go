//go:build linux && !nogles

// Headless GLES2 rendering via EGL pbuffers using purego.

package reframe

import (
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/image/draw"
)

var (
	glesOnce    sync.Once
	glesInitErr error
	eglHandle   uintptr
	glesHandle  uintptr
)

// EGL entry points
var (
	eglGetDisplay           func(display uintptr) uintptr
	eglInitialize           func(dpy uintptr, major, minor *int32) uint32
	eglBindAPI              func(api uint32) uint32
	eglChooseConfig         func(dpy uintptr, attribs *int32, configs *uintptr, size int32, num *int32) uint32
	eglCreatePbufferSurface func(dpy, config uintptr, attribs *int32) uintptr
	eglCreateContext        func(dpy, config, share uintptr, attribs *int32) uintptr
	eglMakeCurrent          func(dpy, draw, read, ctx uintptr) uint32
	eglDestroySurface       func(dpy, surface uintptr) uint32
	eglDestroyContext       func(dpy, ctx uintptr) uint32
	eglTerminate            func(dpy uintptr) uint32
	eglGetError             func() int32
)

// GLES2 entry points
var (
	glCreateShader            func(kind uint32) uint32
	glShaderSource            func(shader uint32, count int32, src **byte, length *int32)
	glCompileShader           func(shader uint32)
	glGetShaderiv             func(shader, pname uint32, params *int32)
	glGetShaderInfoLog        func(shader uint32, size int32, length *int32, log *byte)
	glDeleteShader            func(shader uint32)
	glCreateProgram           func() uint32
	glAttachShader            func(program, shader uint32)
	glLinkProgram             func(program uint32)
	glGetProgramiv            func(program, pname uint32, params *int32)
	glGetProgramInfoLog       func(program uint32, size int32, length *int32, log *byte)
	glUseProgram              func(program uint32)
	glDeleteProgram           func(program uint32)
	glGetAttribLocation       func(program uint32, name *byte) int32
	glGetUniformLocation      func(program uint32, name *byte) int32
	glGenTextures             func(n int32, textures *uint32)
	glDeleteTextures          func(n int32, textures *uint32)
	glBindTexture             func(target, texture uint32)
	glActiveTexture           func(texture uint32)
	glTexParameteri           func(target, pname uint32, param int32)
	glTexImage2D              func(target uint32, level, internalFormat, width, height, border int32, format, kind uint32, pixels unsafe.Pointer)
	glPixelStorei             func(pname uint32, param int32)
	glViewport                func(x, y, width, height int32)
	glClearColor              func(r, g, b, a float32)
	glClear                   func(mask uint32)
	glVertexAttribPointer     func(index uint32, size int32, kind uint32, normalized uint8, stride int32, ptr unsafe.Pointer)
	glEnableVertexAttribArray func(index uint32)
	glUniform1i               func(location, value int32)
	glDrawArrays              func(mode uint32, first, count int32)
	glReadPixels              func(x, y, width, height int32, format, kind uint32, pixels unsafe.Pointer)
	glFinish                  func()
	glGetError                func() uint32
)

const (
	eglSuccess              = 0x3000
	eglNone                 = 0x3038
	eglAlphaSize            = 0x3021
	eglBlueSize             = 0x3022
	eglGreenSize            = 0x3023
	eglRedSize              = 0x3024
	eglSurfaceType          = 0x3033
	eglRenderableType       = 0x3040
	eglHeight               = 0x3056
	eglWidth                = 0x3057
	eglContextClientVersion = 0x3098
	eglOpenGLESAPI          = 0x30A0
	eglPbufferBit           = 0x0001
	eglOpenGLES2Bit         = 0x0004

	glTriangleStrip     = 0x0005
	glTexture2D         = 0x0DE1
	glUnpackAlignment   = 0x0CF5
	glPackAlignment     = 0x0D05
	glUnsignedByte      = 0x1401
	glFloat             = 0x1406
	glRGBA              = 0x1908
	glLinear            = 0x2601
	glTextureMagFilter  = 0x2800
	glTextureMinFilter  = 0x2801
	glTextureWrapS      = 0x2802
	glTextureWrapT      = 0x2803
	glColorBufferBit    = 0x4000
	glClampToEdge       = 0x812F
	glTexture0          = 0x84C0
	glFragmentShader    = 0x8B30
	glVertexShader      = 0x8B31
	glCompileStatus     = 0x8B81
	glLinkStatus        = 0x8B82
	glInfoLogLength     = 0x8B84
)

// The vertex stage flips t so image row 0 lands at the top of the quad.
const glesVertexShader = `attribute vec4 aPosition;
attribute vec2 aTextureCoord;
varying vec2 vTextureCoord;
void main() {
  gl_Position = aPosition;
  vTextureCoord = vec2(aTextureCoord.x, 1.0 - aTextureCoord.y);
}
`

func loadGLES() error {
	glesOnce.Do(func() {
		glesInitErr = loadGLESLibs()
	})
	return glesInitErr
}

func dlopenFirst(libName string) (uintptr, error) {
	var lastErr error
	for _, path := range nativeLibPaths(libName, "", "REFRAME_GLES_LIB_PATH", libName) {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			return handle, nil
		}
		lastErr = err
	}
	return 0, fmt.Errorf("failed to load %s: %w", libName, lastErr)
}

func loadGLESLibs() error {
	var err error
	if eglHandle, err = dlopenFirst("libEGL.so.1"); err != nil {
		return err
	}
	if glesHandle, err = dlopenFirst("libGLESv2.so.2"); err != nil {
		return err
	}

	purego.RegisterLibFunc(&eglGetDisplay, eglHandle, "eglGetDisplay")
	purego.RegisterLibFunc(&eglInitialize, eglHandle, "eglInitialize")
	purego.RegisterLibFunc(&eglBindAPI, eglHandle, "eglBindAPI")
	purego.RegisterLibFunc(&eglChooseConfig, eglHandle, "eglChooseConfig")
	purego.RegisterLibFunc(&eglCreatePbufferSurface, eglHandle, "eglCreatePbufferSurface")
	purego.RegisterLibFunc(&eglCreateContext, eglHandle, "eglCreateContext")
	purego.RegisterLibFunc(&eglMakeCurrent, eglHandle, "eglMakeCurrent")
	purego.RegisterLibFunc(&eglDestroySurface, eglHandle, "eglDestroySurface")
	purego.RegisterLibFunc(&eglDestroyContext, eglHandle, "eglDestroyContext")
	purego.RegisterLibFunc(&eglTerminate, eglHandle, "eglTerminate")
	purego.RegisterLibFunc(&eglGetError, eglHandle, "eglGetError")

	purego.RegisterLibFunc(&glCreateShader, glesHandle, "glCreateShader")
	purego.RegisterLibFunc(&glShaderSource, glesHandle, "glShaderSource")
	purego.RegisterLibFunc(&glCompileShader, glesHandle, "glCompileShader")
	purego.RegisterLibFunc(&glGetShaderiv, glesHandle, "glGetShaderiv")
	purego.RegisterLibFunc(&glGetShaderInfoLog, glesHandle, "glGetShaderInfoLog")
	purego.RegisterLibFunc(&glDeleteShader, glesHandle, "glDeleteShader")
	purego.RegisterLibFunc(&glCreateProgram, glesHandle, "glCreateProgram")
	purego.RegisterLibFunc(&glAttachShader, glesHandle, "glAttachShader")
	purego.RegisterLibFunc(&glLinkProgram, glesHandle, "glLinkProgram")
	purego.RegisterLibFunc(&glGetProgramiv, glesHandle, "glGetProgramiv")
	purego.RegisterLibFunc(&glGetProgramInfoLog, glesHandle, "glGetProgramInfoLog")
	purego.RegisterLibFunc(&glUseProgram, glesHandle, "glUseProgram")
	purego.RegisterLibFunc(&glDeleteProgram, glesHandle, "glDeleteProgram")
	purego.RegisterLibFunc(&glGetAttribLocation, glesHandle, "glGetAttribLocation")
	purego.RegisterLibFunc(&glGetUniformLocation, glesHandle, "glGetUniformLocation")
	purego.RegisterLibFunc(&glGenTextures, glesHandle, "glGenTextures")
	purego.RegisterLibFunc(&glDeleteTextures, glesHandle, "glDeleteTextures")
	purego.RegisterLibFunc(&glBindTexture, glesHandle, "glBindTexture")
	purego.RegisterLibFunc(&glActiveTexture, glesHandle, "glActiveTexture")
	purego.RegisterLibFunc(&glTexParameteri, glesHandle, "glTexParameteri")
	purego.RegisterLibFunc(&glTexImage2D, glesHandle, "glTexImage2D")
	purego.RegisterLibFunc(&glPixelStorei, glesHandle, "glPixelStorei")
	purego.RegisterLibFunc(&glViewport, glesHandle, "glViewport")
	purego.RegisterLibFunc(&glClearColor, glesHandle, "glClearColor")
	purego.RegisterLibFunc(&glClear, glesHandle, "glClear")
	purego.RegisterLibFunc(&glVertexAttribPointer, glesHandle, "glVertexAttribPointer")
	purego.RegisterLibFunc(&glEnableVertexAttribArray, glesHandle, "glEnableVertexAttribArray")
	purego.RegisterLibFunc(&glUniform1i, glesHandle, "glUniform1i")
	purego.RegisterLibFunc(&glDrawArrays, glesHandle, "glDrawArrays")
	purego.RegisterLibFunc(&glReadPixels, glesHandle, "glReadPixels")
	purego.RegisterLibFunc(&glFinish, glesHandle, "glFinish")
	purego.RegisterLibFunc(&glGetError, glesHandle, "glGetError")
	return nil
}

func cString(s string) *byte {
	b := append([]byte(s), 0)
	return &b[0]
}

// glesRenderer draws into an offscreen pbuffer and reads the result back.
type glesRenderer struct {
	logger hclog.Logger

	width  int
	height int

	display uintptr
	surface uintptr
	context uintptr

	program  uint32
	texture  uint32
	aPos     int32
	aTex     int32
	uSampler int32

	upload *image.RGBA
	pix    []byte
	out    *VideoFrame
}

func newGLESRenderer(width, height int, logger hclog.Logger) (Renderer, error) {
	if err := loadGLES(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	r := &glesRenderer{
		logger: logger,
		width:  width,
		height: height,
		pix:    make([]byte, width*height*4),
		out:    NewI420Frame(width, height),
	}
	if err := r.initEGL(); err != nil {
		r.Close()
		return nil, err
	}

	sh, _ := ParseShader(ShaderIdentity)
	if err := r.SetShader(sh); err != nil {
		r.Close()
		return nil, err
	}

	glGenTextures(1, &r.texture)
	glBindTexture(glTexture2D, r.texture)
	glTexParameteri(glTexture2D, glTextureMinFilter, glLinear)
	glTexParameteri(glTexture2D, glTextureMagFilter, glLinear)
	glTexParameteri(glTexture2D, glTextureWrapS, glClampToEdge)
	glTexParameteri(glTexture2D, glTextureWrapT, glClampToEdge)
	glPixelStorei(glUnpackAlignment, 1)
	glPixelStorei(glPackAlignment, 1)

	logger.Debug("GLES renderer ready", "width", width, "height", height)
	return r, nil
}

func (r *glesRenderer) initEGL() error {
	r.display = eglGetDisplay(0)
	if r.display == 0 {
		return fmt.Errorf("%w: no EGL display", ErrBackendUnavailable)
	}
	var major, minor int32
	if eglInitialize(r.display, &major, &minor) == 0 {
		r.display = 0
		return fmt.Errorf("%w: eglInitialize: 0x%x", ErrBackendUnavailable, eglGetError())
	}
	eglBindAPI(eglOpenGLESAPI)

	configAttribs := []int32{
		eglSurfaceType, eglPbufferBit,
		eglRenderableType, eglOpenGLES2Bit,
		eglRedSize, 8,
		eglGreenSize, 8,
		eglBlueSize, 8,
		eglAlphaSize, 8,
		eglNone,
	}
	var config uintptr
	var numConfigs int32
	if eglChooseConfig(r.display, &configAttribs[0], &config, 1, &numConfigs) == 0 || numConfigs == 0 {
		return fmt.Errorf("%w: no RGBA8888 pbuffer config", ErrBackendUnavailable)
	}

	surfaceAttribs := []int32{eglWidth, int32(r.width), eglHeight, int32(r.height), eglNone}
	r.surface = eglCreatePbufferSurface(r.display, config, &surfaceAttribs[0])
	if r.surface == 0 {
		return fmt.Errorf("%w: eglCreatePbufferSurface: 0x%x", ErrBackendUnavailable, eglGetError())
	}

	contextAttribs := []int32{eglContextClientVersion, 2, eglNone}
	r.context = eglCreateContext(r.display, config, 0, &contextAttribs[0])
	if r.context == 0 {
		return fmt.Errorf("%w: eglCreateContext: 0x%x", ErrBackendUnavailable, eglGetError())
	}

	if eglMakeCurrent(r.display, r.surface, r.surface, r.context) == 0 {
		return fmt.Errorf("%w: eglMakeCurrent: 0x%x", ErrBackendUnavailable, eglGetError())
	}
	return nil
}

func compileShader(kind uint32, src string) (uint32, error) {
	shader := glCreateShader(kind)
	csrc := cString(src)
	glShaderSource(shader, 1, &csrc, nil)
	glCompileShader(shader)
	runtime.KeepAlive(csrc)

	var status int32
	glGetShaderiv(shader, glCompileStatus, &status)
	if status == 0 {
		var n int32
		glGetShaderiv(shader, glInfoLogLength, &n)
		msg := "no log"
		if n > 1 {
			buf := make([]byte, n)
			glGetShaderInfoLog(shader, n, nil, &buf[0])
			msg = string(buf[:n-1])
		}
		glDeleteShader(shader)
		return 0, fmt.Errorf("%w: %s", ErrShaderCompile, msg)
	}
	return shader, nil
}

func (r *glesRenderer) SetShader(sh Shader) error {
	vs, err := compileShader(glVertexShader, glesVertexShader)
	if err != nil {
		return err
	}
	defer glDeleteShader(vs)

	fs, err := compileShader(glFragmentShader, sh.Source)
	if err != nil {
		return err
	}
	defer glDeleteShader(fs)

	program := glCreateProgram()
	glAttachShader(program, vs)
	glAttachShader(program, fs)
	glLinkProgram(program)

	var status int32
	glGetProgramiv(program, glLinkStatus, &status)
	if status == 0 {
		var n int32
		glGetProgramiv(program, glInfoLogLength, &n)
		msg := "no log"
		if n > 1 {
			buf := make([]byte, n)
			glGetProgramInfoLog(program, n, nil, &buf[0])
			msg = string(buf[:n-1])
		}
		glDeleteProgram(program)
		return fmt.Errorf("%w: link: %s", ErrShaderCompile, msg)
	}

	aPos := glGetAttribLocation(program, cString("aPosition"))
	aTex := glGetAttribLocation(program, cString("aTextureCoord"))
	uSampler := glGetUniformLocation(program, cString("sTexture"))
	if aPos < 0 || aTex < 0 {
		glDeleteProgram(program)
		return fmt.Errorf("%w: program lacks aPosition/aTextureCoord", ErrShaderCompile)
	}

	if r.program != 0 {
		glDeleteProgram(r.program)
	}
	r.program, r.aPos, r.aTex, r.uSampler = program, aPos, aTex, uSampler
	r.logger.Debug("fragment shader installed", "shader", sh.Name)
	return nil
}

func (r *glesRenderer) Draw(src *VideoFrame, t Transform) error {
	img, err := frameImage(src)
	if err != nil {
		return err
	}
	if r.upload == nil || r.upload.Rect.Dx() != src.Width || r.upload.Rect.Dy() != src.Height {
		r.upload = image.NewRGBA(image.Rect(0, 0, src.Width, src.Height))
	}
	draw.Draw(r.upload, r.upload.Rect, img, image.Point{}, draw.Src)

	glViewport(0, 0, int32(r.width), int32(r.height))
	glClearColor(0, 0, 0, 1)
	glClear(glColorBufferBit)

	glUseProgram(r.program)
	glActiveTexture(glTexture0)
	glBindTexture(glTexture2D, r.texture)
	glTexImage2D(glTexture2D, 0, glRGBA, int32(src.Width), int32(src.Height), 0,
		glRGBA, glUnsignedByte, unsafe.Pointer(&r.upload.Pix[0]))
	if r.uSampler >= 0 {
		glUniform1i(r.uSampler, 0)
	}

	vertices := t.Vertices()
	texCoords := t.TexCoords()
	var pinner runtime.Pinner
	pinner.Pin(&vertices[0])
	pinner.Pin(&texCoords[0])
	defer pinner.Unpin()

	glVertexAttribPointer(uint32(r.aPos), 3, glFloat, 0, 0, unsafe.Pointer(&vertices[0]))
	glEnableVertexAttribArray(uint32(r.aPos))
	glVertexAttribPointer(uint32(r.aTex), 2, glFloat, 0, 0, unsafe.Pointer(&texCoords[0]))
	glEnableVertexAttribArray(uint32(r.aTex))
	glDrawArrays(glTriangleStrip, 0, 4)
	glFinish()

	if code := glGetError(); code != 0 {
		return fmt.Errorf("GLES draw failed: 0x%x", code)
	}
	return nil
}

func (r *glesRenderer) ReadFrame() (*VideoFrame, error) {
	glReadPixels(0, 0, int32(r.width), int32(r.height), glRGBA, glUnsignedByte, unsafe.Pointer(&r.pix[0]))
	if code := glGetError(); code != 0 {
		return nil, fmt.Errorf("glReadPixels failed: 0x%x", code)
	}

	// GL rows are bottom-up.
	stride := r.width * 4
	tmp := make([]byte, stride)
	for top, bottom := 0, r.height-1; top < bottom; top, bottom = top+1, bottom-1 {
		a := r.pix[top*stride : (top+1)*stride]
		b := r.pix[bottom*stride : (bottom+1)*stride]
		copy(tmp, a)
		copy(a, b)
		copy(b, tmp)
	}

	rgbaToI420(r.out, r.pix, stride)
	return r.out, nil
}

func (r *glesRenderer) Backend() RendererBackend { return BackendGLES }

func (r *glesRenderer) Close() error {
	if r.display == 0 {
		return nil
	}
	if r.program != 0 {
		glDeleteProgram(r.program)
		r.program = 0
	}
	if r.texture != 0 {
		glDeleteTextures(1, &r.texture)
		r.texture = 0
	}
	eglMakeCurrent(r.display, 0, 0, 0)
	var errs []error
	if r.context != 0 && eglDestroyContext(r.display, r.context) == 0 {
		errs = append(errs, fmt.Errorf("eglDestroyContext: 0x%x", eglGetError()))
	}
	if r.surface != 0 && eglDestroySurface(r.display, r.surface) == 0 {
		errs = append(errs, fmt.Errorf("eglDestroySurface: 0x%x", eglGetError()))
	}
	eglTerminate(r.display)
	r.display, r.surface, r.context = 0, 0, 0
	return errors.Join(errs...)
}
