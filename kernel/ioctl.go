package kernel

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Driver escape numbers, relative to the 'F' ioctl type.
const (
	nvIoctlMagic       = 'F'
	nvIoctlBase        = 200
	nvEscNumaInfo      = nvIoctlBase + 15
	nvEscSetNumaStatus = nvIoctlBase + 16

	maxOfflineAddresses = 64
)

// numaInfoParams mirrors nv_ioctl_numa_info_t.
type numaInfoParams struct {
	nid           int32
	status        int32
	memblockSize  uint64
	numaMemAddr   uint64
	numaMemSize   uint64
	useAutoOnline uint8
	_             [7]byte
	addresses     [maxOfflineAddresses]uint64
	numEntries    uint32
	_             [4]byte
}

// setNumaStatusParams mirrors nv_ioctl_set_numa_status_t.
type setNumaStatusParams struct {
	status int32
}

var (
	ioctlNumaInfo      = iowr(nvIoctlMagic, nvEscNumaInfo, unsafe.Sizeof(numaInfoParams{}))
	ioctlSetNumaStatus = iowr(nvIoctlMagic, nvEscSetNumaStatus, unsafe.Sizeof(setNumaStatusParams{}))
)

// iowr encodes _IOWR(typ, nr, size).
func iowr(typ, nr, size uintptr) uintptr {
	return (iocRead|iocWrite)<<iocDirShift | size<<iocSizeShift | typ<<iocTypeShift | nr
}

const (
	iocTypeShift = 8
	iocSizeShift = 16
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// fileControl issues driver ioctls on an open device file.
type fileControl struct {
	fd   int
	path string
}

func (c *fileControl) NumaInfo() (NumaInfo, error) {
	var p numaInfoParams
	p.numEntries = maxOfflineAddresses

	if err := ioctl(c.fd, ioctlNumaInfo, unsafe.Pointer(&p)); err != nil {
		return NumaInfo{}, fmt.Errorf("query NUMA info on %s: %w", c.path, err)
	}

	n := min(int(p.numEntries), maxOfflineAddresses)
	info := NumaInfo{
		Node:          p.nid,
		State:         NumaState(p.status),
		BlockSize:     p.memblockSize,
		Base:          p.numaMemAddr,
		Size:          p.numaMemSize,
		UseAutoOnline: p.useAutoOnline != 0,
		Blacklist:     append([]uint64(nil), p.addresses[:n]...),
	}
	return info, nil
}

func (c *fileControl) SetNumaState(s NumaState) error {
	p := setNumaStatusParams{status: int32(s)}
	if err := ioctl(c.fd, ioctlSetNumaStatus, unsafe.Pointer(&p)); err != nil {
		return fmt.Errorf("set NUMA status %s on %s: %w", s, c.path, err)
	}
	return nil
}

func (c *fileControl) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
