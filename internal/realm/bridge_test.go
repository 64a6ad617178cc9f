package realm

import "testing"

func newTestBridge() *BridgeAllocator {
	return &BridgeAllocator{
		allocated: make(map[string]int),
		used:      make(map[int]bool),
	}
}

func TestAllocateAddressFor(t *testing.T) {
	b := newTestBridge()

	addr, err := b.AllocateAddressFor("realm-a", 0)
	if err != nil {
		t.Fatalf("AllocateAddressFor: %v", err)
	}
	if addr != "10.0.3.2" {
		t.Fatalf("addr = %q, want 10.0.3.2", addr)
	}

	addr2, err := b.AllocateAddressFor("realm-a", 0)
	if err != nil {
		t.Fatalf("AllocateAddressFor (repeat): %v", err)
	}
	if addr2 != addr {
		t.Fatalf("repeat allocation = %q, want %q (stable)", addr2, addr)
	}

	addr3, err := b.AllocateAddressFor("realm-b", 0)
	if err != nil {
		t.Fatalf("AllocateAddressFor (second realm): %v", err)
	}
	if addr3 != "10.0.3.3" {
		t.Fatalf("addr3 = %q, want 10.0.3.3", addr3)
	}
}

func TestAllocateReservedIP(t *testing.T) {
	b := newTestBridge()

	addr, err := b.AllocateAddressFor("realm-a", 50)
	if err != nil {
		t.Fatalf("AllocateAddressFor: %v", err)
	}
	if addr != "10.0.3.50" {
		t.Fatalf("addr = %q, want 10.0.3.50", addr)
	}

	if _, err := b.AllocateAddressFor("realm-b", 50); err == nil {
		t.Fatal("expected error allocating an already-reserved ip to a second realm")
	}
}

func TestFreeAllocationFor(t *testing.T) {
	b := newTestBridge()

	if _, err := b.AllocateAddressFor("realm-a", 10); err != nil {
		t.Fatalf("AllocateAddressFor: %v", err)
	}
	if err := b.FreeAllocationFor("realm-a"); err != nil {
		t.Fatalf("FreeAllocationFor: %v", err)
	}

	addr, err := b.AllocateAddressFor("realm-b", 10)
	if err != nil {
		t.Fatalf("AllocateAddressFor after free: %v", err)
	}
	if addr != "10.0.3.10" {
		t.Fatalf("addr = %q, want 10.0.3.10", addr)
	}
}

func TestUpdateAllocatorAdapter(t *testing.T) {
	b := newTestBridge()
	u := UpdateAllocator{Bridge: b}

	addr, gw, err := u.AllocateAddressFor("main-update")
	if err != nil {
		t.Fatalf("AllocateAddressFor: %v", err)
	}
	if gw != bridgeGateway {
		t.Fatalf("gateway = %q, want %q", gw, bridgeGateway)
	}
	if addr == "" {
		t.Fatal("expected non-empty address")
	}

	if err := u.FreeAllocationFor("main-update"); err != nil {
		t.Fatalf("FreeAllocationFor: %v", err)
	}
}
