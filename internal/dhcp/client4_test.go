package dhcp

import (
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albfan/miraclecast/internal/clock"
)

var (
	testMAC      = net.HardwareAddr{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}
	testServerIP = net.IPv4(192, 168, 77, 1).To4()
	testYourIP   = net.IPv4(192, 168, 77, 100).To4()
)

func newTestClient(t *testing.T, typ ClientType) (*Client4, *fakeIO, *fakeSched, *eventRec, *clock.MockClock) {
	t.Helper()

	io := newFakeIO()
	sched := &fakeSched{}
	rec := &eventRec{}
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	c, err := NewClient4(Config4{
		Ifindex:  3,
		Ifname:   "p2p-wlan0-0",
		HWAddr:   testMAC,
		Type:     typ,
		IO:       io,
		Clock:    clk,
		Callback: rec.cb,
		sched:    sched,
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c, io, sched, rec, clk
}

// reply builds a server reply matching the client's current transaction.
func reply(c *Client4, typ dhcpv4.MessageType, mods ...dhcpv4.Modifier) []byte {
	msg, _ := dhcpv4.New(
		dhcpv4.WithMessageType(typ),
		dhcpv4.WithHwAddr(c.hw),
		dhcpv4.WithYourIP(testYourIP),
		dhcpv4.WithServerIP(testServerIP),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(testServerIP)),
		dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionIPAddressLeaseTime, leaseBytes(3600))),
		dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionSubnetMask, []byte{255, 255, 255, 0})),
		dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionRouter, testServerIP)),
	)
	msg.OpCode = dhcpv4.OpcodeBootReply
	msg.TransactionID = c.xid
	for _, mod := range mods {
		mod(msg)
	}
	return msg.ToBytes()
}

func deliverBOOTP(c *Client4, payload []byte) {
	c.deliver(Inbound{BOOTP: payload})
}

func TestClient4_NewValidation(t *testing.T) {
	_, err := NewClient4(Config4{Ifindex: 0, HWAddr: testMAC, IO: newFakeIO()})
	assert.ErrorIs(t, err, ErrInvalidIndex)

	_, err = NewClient4(Config4{Ifindex: 1, HWAddr: net.HardwareAddr{1, 2}, IO: newFakeIO()})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestClient4_DiscoverToBound(t *testing.T) {
	c, io, sched, rec, _ := newTestClient(t, TypeIPv4)

	require.NoError(t, c.Start(nil))
	assert.Equal(t, StateInitSelecting, c.State())
	assert.Equal(t, ListenRaw, io.lastMode())
	require.Len(t, io.sentL2(), 1) // the DISCOVER

	deliverBOOTP(c, reply(c, dhcpv4.MessageTypeOffer))
	assert.Equal(t, StateRequesting, c.State())
	require.Len(t, io.sentL2(), 2) // the REQUEST

	req, err := dhcpv4.FromBytes(io.sentL2()[1])
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.MessageTypeRequest, req.MessageType())
	assert.Equal(t, testServerIP.String(), req.ServerIdentifier().String())
	assert.Equal(t, testYourIP.String(), req.RequestedIPAddress().String())

	deliverBOOTP(c, reply(c, dhcpv4.MessageTypeAck))
	assert.Equal(t, StateBound, c.State())
	assert.Equal(t, ListenNone, io.lastMode())

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventLeaseAvailable, events[0].Type)

	lease := events[0].Lease
	assert.Equal(t, testYourIP.String(), lease.IP.String())
	assert.Equal(t, uint32(3600), lease.Seconds)
	assert.Equal(t, uint32(1800), lease.T1)
	assert.Equal(t, uint32(3150), lease.T2)
	assert.Equal(t, "ffffff00", lease.Subnet.String())
	assert.Equal(t, testServerIP.String(), lease.Router.String())

	// T1, T2 and expiry are armed.
	found := map[time.Duration]bool{}
	for _, timer := range sched.pending() {
		found[timer.d] = true
	}
	assert.True(t, found[1800*time.Second], "T1 armed")
	assert.True(t, found[3150*time.Second], "T2 armed")
	assert.True(t, found[3600*time.Second], "expiry armed")
}

func TestClient4_RebootingStart(t *testing.T) {
	c, io, _, _, _ := newTestClient(t, TypeIPv4)

	last := net.IPv4(192, 168, 77, 50)
	require.NoError(t, c.Start(last))
	assert.Equal(t, StateRebooting, c.State())

	req, err := dhcpv4.FromBytes(io.sentL2()[0])
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.MessageTypeRequest, req.MessageType())
	assert.Equal(t, "192.168.77.50", req.RequestedIPAddress().String())
}

func TestClient4_AcceptanceRules(t *testing.T) {
	c, _, _, rec, _ := newTestClient(t, TypeIPv4)
	require.NoError(t, c.Start(nil))

	// Wrong xid.
	wrongXid := reply(c, dhcpv4.MessageTypeOffer)
	wrongXid[4] ^= 0xFF
	deliverBOOTP(c, wrongXid)
	assert.Equal(t, StateInitSelecting, c.State())

	// Wrong chaddr.
	msg, _ := dhcpv4.New(
		dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer),
		dhcpv4.WithHwAddr(net.HardwareAddr{0x02, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}),
		dhcpv4.WithYourIP(testYourIP),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(testServerIP)),
	)
	msg.OpCode = dhcpv4.OpcodeBootReply
	msg.TransactionID = c.xid
	deliverBOOTP(c, msg.ToBytes())
	assert.Equal(t, StateInitSelecting, c.State())

	// A request opcode is never accepted.
	fromClient := reply(c, dhcpv4.MessageTypeOffer)
	fromClient[0] = byte(dhcpv4.OpcodeBootRequest)
	deliverBOOTP(c, fromClient)
	assert.Equal(t, StateInitSelecting, c.State())

	assert.Empty(t, rec.all())
}

func TestClient4_LeaseClamp(t *testing.T) {
	assert.Equal(t, uint32(10), clampLease(0))
	assert.Equal(t, uint32(10), clampLease(7))
	assert.Equal(t, uint32(3600), clampLease(3600))
	// An "infinite" lease is truncated by the 28-bit mask.
	assert.Equal(t, uint32(0x0FFFFFFF), clampLease(0xFFFFFFFF))
	// The mask runs before the floor: 0x10000001 masks to 1, raised to 10.
	assert.Equal(t, uint32(10), clampLease(0x10000001))
}

func TestClient4_AckLeaseClampApplied(t *testing.T) {
	c, _, _, rec, _ := newTestClient(t, TypeIPv4)
	require.NoError(t, c.Start(nil))

	deliverBOOTP(c, reply(c, dhcpv4.MessageTypeOffer))
	deliverBOOTP(c, reply(c, dhcpv4.MessageTypeAck,
		dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionIPAddressLeaseTime, leaseBytes(3)))))

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, uint32(10), events[0].Lease.Seconds)
}

func TestClient4_DiscoverRetriesExhausted(t *testing.T) {
	c, io, sched, rec, _ := newTestClient(t, TypeIPv4)
	require.NoError(t, c.Start(nil))

	for i := 0; i < discoverAttempts-1; i++ {
		require.True(t, sched.fire(retryInterval))
	}
	// The sixth firing exhausts the attempts without another send.
	require.True(t, sched.fire(retryInterval))

	assert.Len(t, io.sentL2(), discoverAttempts-1+1) // initial + retries

	events := rec.all()
	require.NotEmpty(t, events)
	assert.Equal(t, EventNoLease, events[len(events)-1].Type)
}

func TestClient4_NakRestarts(t *testing.T) {
	c, _, sched, _, _ := newTestClient(t, TypeIPv4)
	require.NoError(t, c.Start(nil))

	deliverBOOTP(c, reply(c, dhcpv4.MessageTypeOffer))
	assert.Equal(t, StateRequesting, c.State())

	deliverBOOTP(c, reply(c, dhcpv4.MessageTypeNak))
	require.True(t, sched.fire(restartDelay))
	assert.Equal(t, StateInitSelecting, c.State())
	assert.Nil(t, c.Lease())
}

func TestClient4_RenewRebindExpire(t *testing.T) {
	c, io, sched, rec, _ := newTestClient(t, TypeIPv4)
	require.NoError(t, c.Start(nil))

	deliverBOOTP(c, reply(c, dhcpv4.MessageTypeOffer))
	deliverBOOTP(c, reply(c, dhcpv4.MessageTypeAck))
	require.Equal(t, StateBound, c.State())

	// T1: renew over kernel UDP, unicast to the server.
	require.True(t, sched.fire(1800*time.Second))
	assert.Equal(t, StateRenewing, c.State())
	assert.Equal(t, ListenUDP, io.lastMode())
	require.Len(t, io.sentUDP(), 1)

	// T2: rebind over raw broadcast.
	require.True(t, sched.fire(3150*time.Second))
	assert.Equal(t, StateRebinding, c.State())
	assert.Equal(t, ListenRaw, io.lastMode())

	// Expiry: lease lost, discovery restarts.
	require.True(t, sched.fire(3600*time.Second))
	assert.Equal(t, StateInitSelecting, c.State())

	var sawLost bool
	for _, e := range rec.all() {
		if e.Type == EventLeaseLost {
			sawLost = true
		}
	}
	assert.True(t, sawLost)
}

func TestClient4_RenewedAckReschedules(t *testing.T) {
	c, _, sched, rec, _ := newTestClient(t, TypeIPv4)
	require.NoError(t, c.Start(nil))

	deliverBOOTP(c, reply(c, dhcpv4.MessageTypeOffer))
	deliverBOOTP(c, reply(c, dhcpv4.MessageTypeAck))
	require.True(t, sched.fire(1800*time.Second))
	require.Equal(t, StateRenewing, c.State())

	deliverBOOTP(c, reply(c, dhcpv4.MessageTypeAck))
	assert.Equal(t, StateBound, c.State())

	var leases int
	for _, e := range rec.all() {
		if e.Type == EventLeaseAvailable {
			leases++
		}
	}
	assert.Equal(t, 2, leases)
}

func TestClient4_StopFromBoundReleases(t *testing.T) {
	c, io, _, _, _ := newTestClient(t, TypeIPv4)
	require.NoError(t, c.Start(nil))

	deliverBOOTP(c, reply(c, dhcpv4.MessageTypeOffer))
	deliverBOOTP(c, reply(c, dhcpv4.MessageTypeAck))

	c.Stop()

	sent := io.sentUDP()
	require.Len(t, sent, 1)
	msg, err := dhcpv4.FromBytes(sent[0])
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.MessageTypeRelease, msg.MessageType())

	// Idempotent.
	c.Stop()
}

func TestClient4_SecsSaturation(t *testing.T) {
	c, io, _, _, clk := newTestClient(t, TypeIPv4)
	require.NoError(t, c.Start(nil))

	clk.Advance(100000 * time.Second) // > 0xFFFF

	c.mu.Lock()
	c.sendDiscoverLocked()
	c.mu.Unlock()

	sent := io.sentL2()
	msg, err := dhcpv4.FromBytes(sent[len(sent)-1])
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFF), msg.NumSeconds)
}
