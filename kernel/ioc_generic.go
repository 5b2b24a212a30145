//go:build !ppc64 && !ppc64le

package kernel

const (
	iocWrite    = 1
	iocRead     = 2
	iocDirShift = 30
)
