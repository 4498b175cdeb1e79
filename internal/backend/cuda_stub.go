//go:build !cuda

package backend

// NewCUDA reports that this binary was built without the cuda tag.
func NewCUDA() (Backend, error) {
	return nil, ErrAcceleratorUnavailable
}
