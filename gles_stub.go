//go:build !linux || nogles

package reframe

import (
	"fmt"
	"runtime"

	"github.com/hashicorp/go-hclog"
)

func newGLESRenderer(width, height int, logger hclog.Logger) (Renderer, error) {
	return nil, fmt.Errorf("%w: GLES rendering not built for %s", ErrBackendUnavailable, runtime.GOOS)
}
