package state

import (
	"encoding/json"
	"strings"
	"time"
)

// Bucket names.
const (
	BucketDHCPLeases = "dhcp_leases"
)

// DHCPLease is a server-side lease as persisted across restarts.
type DHCPLease struct {
	MAC     string    `json:"mac"`
	IP      string    `json:"ip"`
	Netdev  string    `json:"netdev"`
	Expires time.Time `json:"expires"`
}

// DHCPBucket provides typed access to persisted DHCP leases.
type DHCPBucket struct {
	store Store
}

// NewDHCPBucket creates a lease bucket accessor.
func NewDHCPBucket(store Store) *DHCPBucket {
	return &DHCPBucket{store: store}
}

// Get retrieves a lease by MAC address.
func (b *DHCPBucket) Get(mac string) (*DHCPLease, error) {
	var lease DHCPLease
	if err := b.store.GetJSON(BucketDHCPLeases, normalizeMAC(mac), &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}

// Set stores a lease keyed by its MAC.
func (b *DHCPBucket) Set(lease *DHCPLease) error {
	return b.store.SetJSON(BucketDHCPLeases, normalizeMAC(lease.MAC), lease)
}

// Delete removes the lease for mac.
func (b *DHCPBucket) Delete(mac string) error {
	return b.store.Delete(BucketDHCPLeases, normalizeMAC(mac))
}

// List returns every persisted lease.
func (b *DHCPBucket) List() ([]*DHCPLease, error) {
	raw, err := b.store.List(BucketDHCPLeases)
	if err != nil {
		return nil, err
	}

	leases := make([]*DHCPLease, 0, len(raw))
	for _, data := range raw {
		var lease DHCPLease
		if err := json.Unmarshal(data, &lease); err != nil {
			// A corrupt row should not take the whole table down.
			continue
		}
		leases = append(leases, &lease)
	}
	return leases, nil
}

func normalizeMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}
