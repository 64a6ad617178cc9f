package realmfs

import "testing"

func TestResizeSizeConversions(t *testing.T) {
	g := GigResizeSize(4)
	if g.GiB() != 4 {
		t.Errorf("GiB() = %d, want 4", g.GiB())
	}
	if g.NBlocks() != 4*blocksPerGig {
		t.Errorf("NBlocks() = %d, want %d", g.NBlocks(), 4*blocksPerGig)
	}

	m := MegResizeSize(512)
	if m.MiB() != 512 {
		t.Errorf("MiB() = %d, want 512", m.MiB())
	}

	b := BlockResizeSize(100)
	if b.NBlocks() != 100 {
		t.Errorf("NBlocks() = %d, want 100", b.NBlocks())
	}
}

func TestFreeBlockCountDecode(t *testing.T) {
	var sb superblock
	// s_free_blocks_count_lo at 0x0C, s_free_blocks_count_hi at 0x158
	sb.raw[freeBlockCountLoOffset] = 0x10
	sb.raw[freeBlockCountLoOffset+1] = 0x00
	sb.raw[freeBlockCountLoOffset+2] = 0x00
	sb.raw[freeBlockCountLoOffset+3] = 0x00
	sb.raw[freeBlockCountHiOffset] = 0x02

	got := sb.freeBlockCount()
	want := uint64(0x10) | (uint64(0x02) << 32)
	if got != want {
		t.Errorf("freeBlockCount() = %d, want %d", got, want)
	}
}
