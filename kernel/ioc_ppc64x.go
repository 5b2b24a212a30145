//go:build ppc64 || ppc64le

package kernel

const (
	iocRead     = 2
	iocWrite    = 4
	iocDirShift = 29
)
