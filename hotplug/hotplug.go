// Package hotplug drives the kernel's memory hotplug interface in
// sysfs for one device-attached NUMA node: it discovers the node's
// memory blocks, probes a physical region into existence, moves blocks
// online or offline and retires blacklisted pages.
//
// Every file is read and written through an afero.Fs rooted at the
// host's sysfs mount so the same code runs against a MemMapFs in
// tests.
package hotplug

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// Sysfs file contents.
const (
	cmdOnline       = "online_movable"
	cmdOffline      = "offline"
	stateOnline     = "online"
	zoneMovable     = "Movable"
	probeFile       = "probe"
	hardOfflineFile = "hard_offline_page"
)

var (
	// ErrNotFound is returned when a node has no memory blocks or its
	// directory cannot be read.
	ErrNotFound = errors.New("no memory blocks found")

	// ErrMisaligned is returned when a region does not start and end
	// on a block boundary.
	ErrMisaligned = errors.New("region not aligned to memory block size")

	// ErrNoBlocksChanged matches a *ShortfallError where not a single
	// block reached the target state.
	ErrNoBlocksChanged = errors.New("no memory blocks changed state")

	// ErrAutoOnlineNotMovable is returned when a block was onlined by
	// someone else into a zone other than Movable.
	ErrAutoOnlineNotMovable = errors.New("memory auto-onlined outside the movable zone")
)

var memoryDirRE = regexp.MustCompile(`^memory(\d+)$`)

// State is the state of a memory block.
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

func (s State) command() string {
	if s == Online {
		return cmdOnline
	}
	return cmdOffline
}

// Region is a device memory range assigned to a NUMA node.
type Region struct {
	Node      int
	Base      uint64
	Size      uint64
	BlockSize uint64
}

// Aligned reports whether the region starts and ends on a block
// boundary.
func (r Region) Aligned() bool {
	if r.BlockSize == 0 {
		return false
	}
	return r.Base%r.BlockSize == 0 && (r.Base+r.Size)%r.BlockSize == 0
}

// Blocks returns the number of blocks needed to cover the region.
func (r Region) Blocks() uint64 {
	if r.BlockSize == 0 {
		return 0
	}
	return r.Size / r.BlockSize
}

// BlockRange is an inclusive range of memory block ids.
type BlockRange struct {
	First uint32
	Last  uint32
}

// Len returns the number of ids in the range.
func (br BlockRange) Len() int {
	return int(br.Last-br.First) + 1
}

// IDs returns the ids in ascending order, or descending when desc is
// set.
func (br BlockRange) IDs(desc bool) []uint32 {
	ids := make([]uint32, 0, br.Len())
	for id := uint64(br.First); id <= uint64(br.Last); id++ {
		ids = append(ids, uint32(id))
	}
	if desc {
		sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	}
	return ids
}

func (br BlockRange) String() string {
	return fmt.Sprintf("%d-%d", br.First, br.Last)
}

// Controller performs memory hotplug operations against sysfs.
type Controller struct {
	fs     afero.Fs
	root   string
	logger *slog.Logger
}

// New returns a Controller that reads and writes sysfs, mounted at
// root, through fs.
func New(fs afero.Fs, root string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		fs:     fs,
		root:   root,
		logger: logger.With("component", "hotplug"),
	}
}

// NewOS returns a Controller over the host filesystem.
func NewOS(root string, logger *slog.Logger) *Controller {
	return New(afero.NewOsFs(), root, logger)
}

func (c *Controller) memoryDir() string {
	return filepath.Join(c.root, "devices", "system", "memory")
}

func (c *Controller) nodeDir(node int) string {
	return filepath.Join(c.root, "devices", "system", "node", "node"+strconv.Itoa(node))
}

func (c *Controller) blockDir(id uint32) string {
	return filepath.Join(c.memoryDir(), "memory"+strconv.FormatUint(uint64(id), 10))
}

// DiscoverBlocks returns the lowest and highest memory block ids
// listed under the node's sysfs directory. Ids in between are assumed
// to belong to the node as well.
func (c *Controller) DiscoverBlocks(ctx context.Context, node int) (BlockRange, error) {
	dir := c.nodeDir(node)
	entries, err := afero.ReadDir(c.fs, dir)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to read node directory", "path", dir, "error", err)
		return BlockRange{}, fmt.Errorf("node%d: %w: %w", node, ErrNotFound, err)
	}

	var br BlockRange
	found := false
	for _, e := range entries {
		m := memoryDirRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id64, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		id := uint32(id64)
		if !found {
			br = BlockRange{First: id, Last: id}
			found = true
			continue
		}
		br.First = min(br.First, id)
		br.Last = max(br.Last, id)
	}

	if !found {
		c.logger.ErrorContext(ctx, "no memory blocks in node directory", "path", dir)
		return BlockRange{}, fmt.Errorf("node%d: %w", node, ErrNotFound)
	}

	c.logger.DebugContext(ctx, "discovered memory blocks", "node", node, "blocks", br.String())
	return br, nil
}

// Probe asks the kernel to create memory blocks for every block-sized
// stride of the region. Blocks that already exist are accepted. When
// the probe file is absent the driver has probed the memory itself
// and Probe does nothing.
func (c *Controller) Probe(ctx context.Context, r Region) error {
	if !r.Aligned() {
		c.logger.ErrorContext(ctx, "probe range not aligned to memory block size",
			"base", hex(r.Base), "size", hex(r.Size), "block_size", hex(r.BlockSize))
		return fmt.Errorf("probe %s+%s: %w", hex(r.Base), hex(r.Size), ErrMisaligned)
	}

	probe := filepath.Join(c.memoryDir(), probeFile)
	if _, err := c.fs.Stat(probe); err != nil && os.IsNotExist(err) {
		c.logger.DebugContext(ctx, "no probe file, memory probed by the driver", "path", probe)
		return nil
	}

	end := r.Base + r.Size
	for addr := r.Base; addr+r.BlockSize <= end; addr += r.BlockSize {
		c.logger.DebugContext(ctx, "probing memory address", "address", hex(addr))

		werr := c.writeString(probe, hex(addr))

		id := uint32(addr / r.BlockSize)
		if _, err := c.fs.Stat(c.blockDir(id)); err != nil {
			c.logger.ErrorContext(ctx, "memory block missing after probe", "block", id, "error", err)
			return fmt.Errorf("verify memory%d after probing %s: %w", id, hex(addr), err)
		}

		switch {
		case werr == nil:
		case errors.Is(werr, os.ErrExist):
			c.logger.InfoContext(ctx, "memory address already probed", "address", hex(addr))
		default:
			c.logger.ErrorContext(ctx, "failed to probe memory address", "address", hex(addr), "error", werr)
			return fmt.Errorf("probe %s: %w", hex(addr), werr)
		}
	}
	return nil
}

// CheckAutoOnline inspects the node's blocks for memory onlined
// outside this daemon. It reports true when every block is already
// online in the Movable zone. A block online in any other zone yields
// ErrAutoOnlineNotMovable.
func (c *Controller) CheckAutoOnline(ctx context.Context, r Region) (bool, error) {
	br, err := c.DiscoverBlocks(ctx, r.Node)
	if err != nil {
		return false, err
	}

	movable := 0
	for _, id := range br.IDs(false) {
		state, err := c.readString(filepath.Join(c.blockDir(id), "state"))
		if err != nil {
			c.logger.ErrorContext(ctx, "failed to read memory block state", "block", id, "error", err)
			return false, fmt.Errorf("memory%d state: %w", id, err)
		}
		if !strings.Contains(state, stateOnline) {
			continue
		}

		c.logger.DebugContext(ctx, "memory block already online", "block", id)

		zones, err := c.readString(filepath.Join(c.blockDir(id), "valid_zones"))
		if err != nil {
			c.logger.ErrorContext(ctx, "failed to read memory block valid zones", "block", id, "error", err)
			return false, fmt.Errorf("memory%d valid_zones: %w", id, err)
		}
		if !strings.HasPrefix(zones, zoneMovable) {
			c.logger.WarnContext(ctx,
				"memory block is online and its default zone is not movable; "+
					"other software auto-onlined the device memory, check "+
					"CONFIG_MEMORY_HOTPLUG_DEFAULT_ONLINE and udev memory auto-online rules",
				"block", id, "valid_zones", zones)
			return false, fmt.Errorf("memory%d (%s): %w", id, zones, ErrAutoOnlineNotMovable)
		}
		movable++
	}

	return movable == br.Len(), nil
}

// ChangeResult accounts for a bulk state change.
type ChangeResult struct {
	Target State
	Blocks BlockRange
	// Flipped counts blocks whose state was written successfully.
	Flipped int
	// AlreadyInState counts blocks that needed no change.
	AlreadyInState int
	// Failed counts blocks that could not be changed.
	Failed int
}

// Changed is the number of blocks in the target state after the
// operation.
func (r ChangeResult) Changed() int {
	return r.Flipped + r.AlreadyInState
}

// ShortfallError reports a bulk state change that left too few blocks
// in the target state to cover the region.
type ShortfallError struct {
	Target   State
	Changed  uint64
	Required uint64
	// Bytes is the size of memory not in the target state.
	Bytes uint64
	// Cause is the last per-block error seen.
	Cause error
}

func (e *ShortfallError) Error() string {
	msg := fmt.Sprintf("failed to change %d of %d memory blocks (%s bytes) to %s",
		e.Required-e.Changed, e.Required, hex(e.Bytes), e.Target)
	if e.Changed == 0 {
		msg = fmt.Sprintf("%s: %d memory blocks required", ErrNoBlocksChanged, e.Required)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ShortfallError) Unwrap() error { return e.Cause }

// Is matches ErrNoBlocksChanged when nothing changed.
func (e *ShortfallError) Is(target error) bool {
	return target == ErrNoBlocksChanged && e.Changed == 0
}

// Blocks returns the shortfall in blocks.
func (e *ShortfallError) Blocks() uint64 {
	return e.Required - e.Changed
}

// ChangeNodeState moves every block of the node to target. Blocks are
// onlined from the highest id down so the kernel can place them in
// the movable zone; they are offlined from the lowest id up. A block
// already in the target state counts toward the region.
func (c *Controller) ChangeNodeState(ctx context.Context, r Region, target State) (ChangeResult, error) {
	res := ChangeResult{Target: target}

	if r.BlockSize == 0 {
		return res, fmt.Errorf("change node%d to %s: zero memory block size", r.Node, target)
	}

	br, err := c.DiscoverBlocks(ctx, r.Node)
	if err != nil {
		return res, err
	}
	res.Blocks = br

	c.logger.DebugContext(ctx, "changing memory block state",
		"node", r.Node, "blocks", br.String(), "block_size", hex(r.BlockSize), "target", target)

	var lastErr error
	for _, id := range br.IDs(target == Online) {
		flipped, err := c.changeBlockState(ctx, id, target)
		switch {
		case err != nil:
			res.Failed++
			lastErr = err
		case flipped:
			res.Flipped++
		default:
			res.AlreadyInState++
		}
	}

	changed := uint64(res.Changed())
	required := r.Blocks()
	if changed == 0 || changed*r.BlockSize < r.Size {
		var short uint64
		if required > changed {
			short = required - changed
		}
		serr := &ShortfallError{
			Target:   target,
			Changed:  changed,
			Required: required,
			Bytes:    short * r.BlockSize,
			Cause:    lastErr,
		}
		c.logger.ErrorContext(ctx, "failed to change node memory state",
			"node", r.Node, "target", target, "changed", changed,
			"required", required, "shortfall_blocks", short, "error", serr)
		return res, serr
	}

	return res, nil
}

// changeBlockState moves one block to target and reports whether a
// write was needed.
func (c *Controller) changeBlockState(ctx context.Context, id uint32, target State) (bool, error) {
	path := filepath.Join(c.blockDir(id), "state")

	cur, err := c.readString(path)
	if err != nil {
		c.logger.DebugContext(ctx, "failed to read memory block state", "path", path, "error", err)
		return false, err
	}

	curState := Offline
	if strings.Contains(cur, stateOnline) {
		curState = Online
	}
	if curState == target {
		c.logger.DebugContext(ctx, "memory block already in target state", "path", path, "target", target)
		return false, nil
	}

	if err := c.writeString(path, target.command()); err != nil {
		c.logger.DebugContext(ctx, "failed to change memory block state", "path", path, "target", target, "error", err)
		return false, err
	}
	c.logger.DebugContext(ctx, "changed memory block state", "path", path, "target", target)
	return true, nil
}

// RetirePages hard-offlines each address. The first failure stops
// the walk.
func (c *Controller) RetirePages(ctx context.Context, addrs []uint64) error {
	path := filepath.Join(c.memoryDir(), hardOfflineFile)
	for _, addr := range addrs {
		c.logger.InfoContext(ctx, "retiring memory address", "address", hex(addr))
		if err := c.writeString(path, hex(addr)); err != nil {
			c.logger.ErrorContext(ctx, "failed to retire memory address", "address", hex(addr), "error", err)
			return fmt.Errorf("retire %s: %w", hex(addr), err)
		}
	}
	return nil
}

func (c *Controller) readString(path string) (string, error) {
	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		return "", err
	}
	s := strings.TrimRight(string(data), "\n")
	if s == "" {
		return "", &os.PathError{Op: "read", Path: path, Err: io.ErrUnexpectedEOF}
	}
	return s, nil
}

// writeString writes s to an existing sysfs attribute. Sysfs reports
// rejection through the write itself, so both the write and close
// errors matter.
func (c *Controller) writeString(path, s string) error {
	f, err := c.fs.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	n, err := f.Write([]byte(s))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n < len(s) {
		err = &os.PathError{Op: "write", Path: path, Err: io.ErrShortWrite}
	}
	return err
}

func hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}
