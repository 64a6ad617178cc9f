package realmfs

import (
	"encoding/binary"
	"fmt"
	"os"
)

const (
	blockSize      = header0Size
	blocksPerMeg   = (1024 * 1024) / blockSize
	blocksPerGig   = 1024 * blocksPerMeg
	superblockSize = 1024

	// freeBlockCountLoOffset and freeBlockCountHiOffset are the ext4
	// superblock's s_free_blocks_count_lo/hi fields.
	freeBlockCountLoOffset = 0x0C
	freeBlockCountHiOffset = 0x158

	// autoResizeMinimumFreeBlocks triggers a grow recommendation when
	// free space drops below it (1 GiB in blocks).
	autoResizeMinimumFreeBlocks = blocksPerGig
	// autoResizeIncreaseBlocks is the size increment added per grow,
	// rounded up to (4 GiB in blocks).
	autoResizeIncreaseBlocks = 4 * blocksPerGig
)

// header0Size avoids importing internal/header just for its Size
// constant, which would be a needless cross-package dependency for a
// single number shared by convention (both are the disk block size).
const header0Size = 4096

// ResizeSize is a RealmFS size delta or target, expressed in 4096-byte
// blocks.
type ResizeSize uint64

// GigResizeSize returns a ResizeSize of n gibibytes.
func GigResizeSize(n uint64) ResizeSize { return ResizeSize(n * blocksPerGig) }

// MegResizeSize returns a ResizeSize of n mebibytes.
func MegResizeSize(n uint64) ResizeSize { return ResizeSize(n * blocksPerMeg) }

// BlockResizeSize returns a ResizeSize of n blocks directly.
func BlockResizeSize(n uint64) ResizeSize { return ResizeSize(n) }

// NBlocks returns the size as a block count.
func (r ResizeSize) NBlocks() uint64 { return uint64(r) }

// GiB returns the size rounded down to whole gibibytes.
func (r ResizeSize) GiB() uint64 { return uint64(r) / blocksPerGig }

// MiB returns the size rounded down to whole mebibytes.
func (r ResizeSize) MiB() uint64 { return uint64(r) / blocksPerMeg }

// superblock is the first 1024 bytes of an ext4 filesystem's superblock,
// read directly from the image file rather than through any filesystem
// library, since the only field needed is the free block count.
type superblock struct {
	raw [superblockSize]byte
}

// loadSuperblock reads the ext4 superblock from path at 1024+offset,
// where offset accounts for any header prepended to the raw filesystem
// (the image's 4096-byte ImageHeader block).
func loadSuperblock(path string, offset int64) (*superblock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("realmfs: open %s: %w", path, err)
	}
	defer f.Close()

	var sb superblock
	if _, err := f.ReadAt(sb.raw[:], 1024+offset); err != nil {
		return nil, fmt.Errorf("realmfs: read superblock from %s: %w", path, err)
	}
	return &sb, nil
}

func (sb *superblock) u32(offset int) uint32 {
	return binary.LittleEndian.Uint32(sb.raw[offset:])
}

// freeBlockCount reconstructs the 64-bit free block count from the
// ext4 superblock's split lo/hi 32-bit fields.
func (sb *superblock) freeBlockCount() uint64 {
	lo := uint64(sb.u32(freeBlockCountLoOffset))
	hi := uint64(sb.u32(freeBlockCountHiOffset))
	return (hi << 32) | lo
}

// AutoResizeSize returns the recommended grow target for r's image if
// its ext4 filesystem has less than 1 GiB free, rounded up to the next
// 4 GiB boundary above its current allocated size. It returns (0,
// false) if no resize is currently recommended.
func (r *RealmFS) AutoResizeSize() (ResizeSize, bool) {
	sb, err := loadSuperblock(r.path, header0Size)
	if err != nil {
		log.Warnf("error reading superblock from %s: %v", r.path, err)
		return 0, false
	}

	free := sb.freeBlockCount()
	if free >= autoResizeMinimumFreeBlocks {
		return 0, false
	}

	metainfoBlocks := r.Header().Metainfo().NBlocks + 1
	increaseMultiple := metainfoBlocks / autoResizeIncreaseBlocks
	growSize := (increaseMultiple + 1) * autoResizeIncreaseBlocks
	return BlockResizeSize(growSize), true
}

// FreeSizeBlocks returns the free block count of r's image's ext4
// filesystem.
func (r *RealmFS) FreeSizeBlocks() (uint64, error) {
	sb, err := loadSuperblock(r.path, header0Size)
	if err != nil {
		return 0, err
	}
	return sb.freeBlockCount(), nil
}

// AllocatedSizeBlocks returns the number of 4096-byte blocks actually
// allocated to the image file on disk (which may be less than its
// logical size if sparse).
func (r *RealmFS) AllocatedSizeBlocks() (uint64, error) {
	fi, err := os.Stat(r.path)
	if err != nil {
		return 0, fmt.Errorf("realmfs: stat %s: %w", r.path, err)
	}
	// os.FileInfo does not expose st_blocks portably; approximate with
	// the logical size, which is exact for the non-sparse images this
	// pipeline produces.
	return uint64(fi.Size()) / header0Size, nil
}
