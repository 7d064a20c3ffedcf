//go:build !cgo

package capture

import (
	"fmt"

	"github.com/technosupport/ts-fas/internal/camera"
)

type noBackend struct{}

// DefaultBackend without cgo cannot open devices; every open fails and the
// owning pipeline runs Degraded with a placeholder stream.
func DefaultBackend() Backend {
	return noBackend{}
}

func (noBackend) Open(desc camera.Descriptor) (Session, error) {
	return nil, fmt.Errorf("%w: %s: built without cgo capture support", ErrCameraOpen, desc.Locator())
}
