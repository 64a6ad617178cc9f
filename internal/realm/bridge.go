package realm

import (
	"fmt"
	"sync"
)

// bridgeSubnet and bridgeGateway define the fixed /24 pool realm
// containers are allocated addresses from, matching the "clear" network
// zone systemd-nspawn containers join with --network-zone=clear.
const (
	bridgeSubnet  = "10.0.3"
	bridgeGateway = "10.0.3.1"
	bridgeMinHost = 2
	bridgeMaxHost = 254
)

// BridgeAllocator hands out addresses from the default bridge's fixed
// /24 pool, honoring a realm's reserved-ip if it has one, and otherwise
// assigning the lowest free host number. It is safe for concurrent use.
type BridgeAllocator struct {
	mu        sync.Mutex
	allocated map[string]int // name -> host number
	used      map[int]bool
}

var defaultBridge = &BridgeAllocator{
	allocated: make(map[string]int),
	used:      make(map[int]bool),
}

// DefaultBridge returns the process-wide allocator for the default
// bridge, matching the original's BridgeAllocator::default_bridge().
func DefaultBridge() *BridgeAllocator {
	return defaultBridge
}

// Gateway returns the bridge's gateway address.
func (b *BridgeAllocator) Gateway() string { return bridgeGateway }

// AllocateAddressFor assigns an address to name: reservedIP (a host
// number in 2..=254, 0 meaning "no preference") when one is given,
// failing if it is out of that range or already allocated, and
// otherwise the lowest unused host number in the pool. Calling it again
// for a name that already holds an allocation returns the same address.
func (b *BridgeAllocator) AllocateAddressFor(name string, reservedIP int) (addr string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if host, ok := b.allocated[name]; ok {
		return b.addressFor(host), nil
	}

	host, err := b.pickHost(reservedIP)
	if err != nil {
		return "", err
	}
	b.allocated[name] = host
	b.used[host] = true
	return b.addressFor(host), nil
}

func (b *BridgeAllocator) pickHost(reservedIP int) (int, error) {
	if reservedIP != 0 {
		if reservedIP < bridgeMinHost || reservedIP > bridgeMaxHost {
			return 0, fmt.Errorf("realm: reserved-ip %d out of range %d..=%d", reservedIP, bridgeMinHost, bridgeMaxHost)
		}
		if !b.used[reservedIP] {
			return reservedIP, nil
		}
		return 0, fmt.Errorf("realm: reserved-ip %d is already allocated", reservedIP)
	}
	for host := bridgeMinHost; host <= bridgeMaxHost; host++ {
		if !b.used[host] {
			return host, nil
		}
	}
	return 0, fmt.Errorf("realm: address pool %s.0/24 exhausted", bridgeSubnet)
}

func (b *BridgeAllocator) addressFor(host int) string {
	return fmt.Sprintf("%s.%d", bridgeSubnet, host)
}

// FreeAllocationFor releases name's address allocation, if any.
func (b *BridgeAllocator) FreeAllocationFor(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	host, ok := b.allocated[name]
	if !ok {
		return nil
	}
	delete(b.allocated, name)
	delete(b.used, host)
	return nil
}

// UpdateAllocator adapts a BridgeAllocator to internal/realmfs's narrower
// AddressAllocator interface, which has no reserved-ip concept since an
// update session's nspawn container is not a persistent realm.
type UpdateAllocator struct {
	Bridge *BridgeAllocator
}

// AllocateAddressFor implements internal/realmfs.AddressAllocator.
func (u UpdateAllocator) AllocateAddressFor(name string) (addr, gateway string, err error) {
	addr, err = u.Bridge.AllocateAddressFor(name, 0)
	if err != nil {
		return "", "", err
	}
	return addr, u.Bridge.Gateway(), nil
}

// FreeAllocationFor implements internal/realmfs.AddressAllocator.
func (u UpdateAllocator) FreeAllocationFor(name string) error {
	return u.Bridge.FreeAllocationFor(name)
}
