// Package verity maps a header-backed image file to a dm-verity device,
// shelling out to veritysetup against a loop device the way the
// provisioner shells out to parted and cryptsetup.
package verity

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/subgraph/citadel-core/internal/blockio"
	"github.com/subgraph/citadel-core/internal/header"
	"github.com/subgraph/citadel-core/internal/logger"
	"github.com/subgraph/citadel-core/internal/shell"
)

var log = logger.Logger()

const veritysetupBin = "veritysetup"

const blockSize = header.Size // 4096, same block size as the image header

// Verity operates dm-verity against a single image file, whose header
// supplies nblocks, verity-salt, verity-root, image-type, and (for
// RealmFS images) realmfs-name.
type Verity struct {
	imagePath string
	hdr       *header.Header
}

// New opens the header of image and returns a Verity bound to it.
func New(image string) (*Verity, error) {
	h, err := header.Open(image)
	if err != nil {
		return nil, fmt.Errorf("verity: %w", err)
	}
	return &Verity{imagePath: image, hdr: h}, nil
}

// GenerateHashtree opens a loop device on the image at 4096-byte block
// size, runs veritysetup format to produce a hashtree over the data
// blocks using salt, then appends the resulting hashtree pages to the
// image file itself. It fails if the image's current size does not
// exactly match (nblocks+1)*4096, since the hashtree must be appended
// immediately after the last data block.
func (v *Verity) GenerateHashtree(salt string, nblocks uint64) (*Output, error) {
	fi, err := os.Stat(v.imagePath)
	if err != nil {
		return nil, fmt.Errorf("verity: stat %s: %w", v.imagePath, err)
	}
	expected := int64(nblocks+1) * blockSize
	if fi.Size() != expected {
		return nil, fmt.Errorf("verity: actual file size (%d) does not match expected size (%d)", fi.Size(), expected)
	}

	treeFile := v.imagePath + ".verity"
	var out *Output

	err = blockio.WithLoop(v.imagePath, blockSize, true, func(loopDev string) error {
		cmd := fmt.Sprintf("%s --data-blocks=%d --salt=%s format %s %s",
			veritysetupBin, nblocks, salt, loopDev, treeFile)
		text, err := shell.ExecCmd(cmd, true, nil)
		if err != nil {
			return fmt.Errorf("verity: format: %w", err)
		}
		out = ParseVeritysetupOutput(text)
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer os.Remove(treeFile)

	if err := appendFile(v.imagePath, treeFile); err != nil {
		return nil, err
	}

	v.hdr.SetFlag(header.FlagHashTree)
	return out, nil
}

func appendFile(dstPath, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("verity: open hashtree file %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("verity: open image %s for append: %w", dstPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("verity: append hashtree to %s: %w", dstPath, err)
	}
	return nil
}

// Verify checks the image's dm-verity hashtree against its own
// verity-root, without creating a persistent device-mapper device.
func (v *Verity) Verify() (bool, error) {
	mi := v.hdr.Metainfo()
	ok := true
	err := blockio.WithLoop(v.imagePath, blockSize, true, func(loopDev string) error {
		cmd := fmt.Sprintf("%s --hash-offset=%d verify %s %s %s",
			veritysetupBin, mi.NBlocks*blockSize, loopDev, loopDev, mi.VerityRoot)
		if _, err := shell.ExecCmd(cmd, true, nil); err != nil {
			ok = false
			return nil
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Setup loop-mounts the image and creates a dm-verity device under a
// name derived from the image's metainfo (DeviceName), passing the salt
// and root hash from metainfo. The caller must have already verified the
// image's signature, unless signature checking has been disabled by the
// nosignatures kernel flag.
func (v *Verity) Setup() (deviceName string, err error) {
	log.Infof("creating loop and dm-verity devices for %s", v.imagePath)

	devname := v.DeviceName()
	err = blockio.WithLoop(v.imagePath, blockSize, true, func(loopDev string) error {
		return setupDevice(loopDev, devname, v.hdr.Metainfo())
	})
	if err != nil {
		return "", err
	}
	return devname, nil
}

// SetupRootfsPartition creates the fixed-name "rootfs" verity device
// directly against a partition device node, bypassing the loop-device
// dance used for image files (a partition is already a block device).
func SetupRootfsPartition(partitionPath string, hdr *header.Header) error {
	return setupDevice(partitionPath, "rootfs", hdr.Metainfo())
}

func setupDevice(srcdev, devname string, mi header.Metainfo) error {
	cmd := fmt.Sprintf("%s --hash-offset=%d --data-blocks=%d create %s %s %s %s",
		veritysetupBin, mi.NBlocks*blockSize, mi.NBlocks, devname, srcdev, srcdev, mi.VerityRoot)
	if _, err := shell.ExecCmd(cmd, true, nil); err != nil {
		return fmt.Errorf("verity: setup device %s: %w", devname, err)
	}
	return nil
}

// Close tears down a dm-verity device by name. The caller is responsible
// for releasing the backing loop device afterward.
func Close(deviceName string) error {
	log.Infof("removing verity device %s", deviceName)
	if _, err := shell.ExecCmd(fmt.Sprintf("%s close %s", veritysetupBin, deviceName), true, nil); err != nil {
		return fmt.Errorf("verity: close %s: %w", deviceName, err)
	}
	return nil
}

// DeviceName derives the dm-verity device name from the image's
// metainfo: "rootfs" for rootfs images, "verity-realmfs-<name>-<tag>"
// for RealmFS images, and "verity-<type>-<tag>" otherwise.
func (v *Verity) DeviceName() string {
	mi := v.hdr.Metainfo()
	tag := Tag(mi.VerityRoot)

	switch mi.ImageType {
	case header.TypeRootfs:
		return "rootfs"
	case header.TypeRealmFS:
		name := mi.RealmFSName
		if name == "" {
			name = "unknown"
		}
		return fmt.Sprintf("verity-realmfs-%s-%s", name, tag)
	default:
		return fmt.Sprintf("verity-%s-%s", mi.ImageType, tag)
	}
}

// Tag returns the first 16 hex characters of a verity root hash, used to
// disambiguate mountpoints and device names for the same realm name
// across RealmFS generations.
func Tag(root string) string {
	if len(root) < 16 {
		return root
	}
	return root[:16]
}

// Output holds the parsed key/value output of `veritysetup format`.
type Output struct {
	raw string
	kv  map[string]string
}

// ParseVeritysetupOutput parses the "Key:   Value" lines veritysetup
// format prints to stdout.
func ParseVeritysetupOutput(text string) *Output {
	o := &Output{raw: text, kv: make(map[string]string)}
	for _, line := range strings.Split(text, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		o.kv[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return o
}

// RootHash returns the "Root hash" field, if present.
func (o *Output) RootHash() (string, bool) {
	v, ok := o.kv["Root hash"]
	return v, ok
}

// Salt returns the "Salt" field, if present.
func (o *Output) Salt() (string, bool) {
	v, ok := o.kv["Salt"]
	return v, ok
}

// Raw returns the unparsed veritysetup output.
func (o *Output) Raw() string {
	return o.raw
}

// DataBlocks returns the "Data blocks" field parsed as an integer, if
// present.
func (o *Output) DataBlocks() (uint64, bool) {
	v, ok := o.kv["Data blocks"]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	return n, err == nil
}
