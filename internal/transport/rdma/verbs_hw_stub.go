//go:build !(rdma_hw && linux && cgo)

package rdma

import "fmt"

// NewHardwareVerbsBackend is unavailable without the rdma_hw build tag.
func NewHardwareVerbsBackend() (VerbsBackend, error) {
	return nil, fmt.Errorf("%w: binary built without the rdma_hw tag", ErrRDMANotAvailable)
}
