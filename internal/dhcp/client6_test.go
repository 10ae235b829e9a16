package dhcp

import (
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albfan/miraclecast/internal/clock"
)

var serverDUID = &dhcpv6.DUIDLL{
	HWType:        iana.HWTypeEthernet,
	LinkLayerAddr: net.HardwareAddr{0x02, 0xDE, 0xAD, 0xBE, 0xEF, 0x01},
}

func newTestClient6(t *testing.T, rapidCommit bool) (*Client6, *fakeIO6, *fakeSched, *eventRec6, *clock.MockClock) {
	t.Helper()

	io := newFakeIO6()
	sched := &fakeSched{}
	rec := &eventRec6{}
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	c, err := NewClient6(Config6{
		Ifindex:     3,
		HWAddr:      testMAC,
		DUIDType:    DUIDLL,
		RapidCommit: rapidCommit,
		IO:          io,
		Clock:       clk,
		Callback:    rec.cb,
		sched:       sched,
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c, io, sched, rec, clk
}

func baseReply(c *Client6, typ dhcpv6.MessageType) *dhcpv6.Message {
	msg, _ := dhcpv6.NewMessage()
	msg.MessageType = typ
	msg.TransactionID = c.xid
	msg.AddOption(dhcpv6.OptClientID(c.duid))
	msg.AddOption(dhcpv6.OptServerID(serverDUID))
	return msg
}

func withIANA(c *Client6, msg *dhcpv6.Message, t1, t2, preferred, valid time.Duration, ip net.IP) {
	ia := &dhcpv6.OptIANA{IaId: c.iaid, T1: t1, T2: t2}
	ia.Options.Add(&dhcpv6.OptIAAddress{
		IPv6Addr:          ip,
		PreferredLifetime: preferred,
		ValidLifetime:     valid,
	})
	msg.AddOption(ia)
}

func TestClient6_DUIDConstruction(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	ll, err := makeDUID(DUIDLL, testMAC, now)
	require.NoError(t, err)
	raw := ll.ToBytes()
	require.Len(t, raw, 10) // type(2) + hwtype(2) + mac(6)
	assert.Equal(t, []byte{0, 3, 0, 1}, raw[:4])
	assert.Equal(t, []byte(testMAC), raw[4:])

	llt, err := makeDUID(DUIDLLT, testMAC, now)
	require.NoError(t, err)
	raw = llt.ToBytes()
	require.Len(t, raw, 14) // type(2) + hwtype(2) + time(4) + mac(6)
	assert.Equal(t, []byte{0, 1, 0, 1}, raw[:4])

	_, err = makeDUID(DUIDEN, testMAC, now)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestClient6_IAIDFromMAC(t *testing.T) {
	c, _, _, _, _ := newTestClient6(t, false)
	assert.Equal(t, [4]byte{0x22, 0x33, 0x44, 0x55}, c.IAID())
}

func TestClient6_SolicitAdvertiseRequestReply(t *testing.T) {
	c, io, _, rec, _ := newTestClient6(t, false)
	require.NoError(t, c.Start())
	assert.Equal(t, State6Soliciting, c.State())
	require.Len(t, io.sentMsgs(), 1)

	solicit, err := dhcpv6.MessageFromBytes(io.sentMsgs()[0])
	require.NoError(t, err)
	assert.Equal(t, dhcpv6.MessageTypeSolicit, solicit.MessageType)
	assert.NotNil(t, solicit.Options.ClientID())
	assert.NotNil(t, solicit.Options.OneIANA())

	// First transmission carries elapsed time zero.
	assert.Equal(t, time.Duration(0), solicit.Options.ElapsedTime())

	adv := baseReply(c, dhcpv6.MessageTypeAdvertise)
	withIANA(c, adv, 900*time.Second, 1440*time.Second, 1800*time.Second, 3600*time.Second, net.ParseIP("fe80::1"))
	c.deliver(adv.ToBytes())
	assert.Equal(t, State6Requesting, c.State())
	require.Len(t, io.sentMsgs(), 2)

	req, err := dhcpv6.MessageFromBytes(io.sentMsgs()[1])
	require.NoError(t, err)
	assert.Equal(t, dhcpv6.MessageTypeRequest, req.MessageType)
	assert.NotNil(t, req.Options.ServerID())

	rep := baseReply(c, dhcpv6.MessageTypeReply)
	withIANA(c, rep, 900*time.Second, 1440*time.Second, 1800*time.Second, 3600*time.Second, net.ParseIP("fe80::1"))
	c.deliver(rep.ToBytes())
	assert.Equal(t, State6Bound, c.State())

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, Event6LeaseAvailable, events[0].Type)

	lease := events[0].Lease
	assert.Equal(t, uint32(900), lease.T1)
	assert.Equal(t, uint32(1440), lease.T2)
	assert.Equal(t, uint32(3600), lease.Expire)
	require.Len(t, lease.NAAddrs, 1)
	assert.Equal(t, "fe80::1", lease.NAAddrs[0].IP.String())
}

func TestClient6_RapidCommit(t *testing.T) {
	c, io, _, rec, _ := newTestClient6(t, true)
	require.NoError(t, c.Start())

	solicit, err := dhcpv6.MessageFromBytes(io.sentMsgs()[0])
	require.NoError(t, err)
	assert.NotNil(t, solicit.GetOneOption(dhcpv6.OptionRapidCommit))

	// A REPLY without the rapid-commit option must be ignored.
	bare := baseReply(c, dhcpv6.MessageTypeReply)
	withIANA(c, bare, 900*time.Second, 1440*time.Second, 1800*time.Second, 3600*time.Second, net.ParseIP("fe80::1"))
	c.deliver(bare.ToBytes())
	assert.Equal(t, State6Soliciting, c.State())

	// With it, the lease binds directly from SOLICIT.
	committed := baseReply(c, dhcpv6.MessageTypeReply)
	committed.AddOption(&dhcpv6.OptionGeneric{OptionCode: dhcpv6.OptionRapidCommit})
	withIANA(c, committed, 900*time.Second, 1440*time.Second, 1800*time.Second, 3600*time.Second, net.ParseIP("fe80::1"))
	c.deliver(committed.ToBytes())
	assert.Equal(t, State6Bound, c.State())

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, Event6LeaseAvailable, events[0].Type)
	assert.NotNil(t, c.serverDUID)
}

func TestClient6_AcceptanceRules(t *testing.T) {
	c, _, _, _, _ := newTestClient6(t, false)
	require.NoError(t, c.Start())

	// Missing client id.
	msg, _ := dhcpv6.NewMessage()
	msg.MessageType = dhcpv6.MessageTypeAdvertise
	msg.TransactionID = c.xid
	msg.AddOption(dhcpv6.OptServerID(serverDUID))
	c.deliver(msg.ToBytes())
	assert.Equal(t, State6Soliciting, c.State())

	// Foreign client id.
	foreign := &dhcpv6.DUIDLL{HWType: iana.HWTypeEthernet, LinkLayerAddr: net.HardwareAddr{6, 5, 4, 3, 2, 1}}
	msg, _ = dhcpv6.NewMessage()
	msg.MessageType = dhcpv6.MessageTypeAdvertise
	msg.TransactionID = c.xid
	msg.AddOption(dhcpv6.OptClientID(foreign))
	msg.AddOption(dhcpv6.OptServerID(serverDUID))
	c.deliver(msg.ToBytes())
	assert.Equal(t, State6Soliciting, c.State())

	// Missing server id.
	msg, _ = dhcpv6.NewMessage()
	msg.MessageType = dhcpv6.MessageTypeAdvertise
	msg.TransactionID = c.xid
	msg.AddOption(dhcpv6.OptClientID(c.duid))
	c.deliver(msg.ToBytes())
	assert.Equal(t, State6Soliciting, c.State())
}

func TestClient6_ServerLatched(t *testing.T) {
	c, io, _, _, _ := newTestClient6(t, false)
	require.NoError(t, c.Start())

	adv := baseReply(c, dhcpv6.MessageTypeAdvertise)
	withIANA(c, adv, 900*time.Second, 1440*time.Second, 1800*time.Second, 3600*time.Second, net.ParseIP("fe80::1"))
	c.deliver(adv.ToBytes())
	require.Equal(t, State6Requesting, c.State())

	// A reply from a different server is discarded.
	other := &dhcpv6.DUIDLL{HWType: iana.HWTypeEthernet, LinkLayerAddr: net.HardwareAddr{0x02, 1, 2, 3, 4, 5}}
	rep, _ := dhcpv6.NewMessage()
	rep.MessageType = dhcpv6.MessageTypeReply
	rep.TransactionID = c.xid
	rep.AddOption(dhcpv6.OptClientID(c.duid))
	rep.AddOption(dhcpv6.OptServerID(other))
	c.deliver(rep.ToBytes())
	assert.Equal(t, State6Requesting, c.State())
	_ = io
}

func TestClient6_StatusFailureNoLease(t *testing.T) {
	c, _, _, rec, _ := newTestClient6(t, false)
	require.NoError(t, c.Start())

	adv := baseReply(c, dhcpv6.MessageTypeAdvertise)
	withIANA(c, adv, 900*time.Second, 1440*time.Second, 1800*time.Second, 3600*time.Second, net.ParseIP("fe80::1"))
	c.deliver(adv.ToBytes())

	rep := baseReply(c, dhcpv6.MessageTypeReply)
	rep.AddOption(&dhcpv6.OptStatusCode{StatusCode: iana.StatusNoAddrsAvail, StatusMessage: "pool empty"})
	c.deliver(rep.ToBytes())

	events := rec.all()
	require.NotEmpty(t, events)
	assert.Equal(t, Event6NoLease, events[len(events)-1].Type)
}

func TestClient6_RenewRebindTimers(t *testing.T) {
	c, io, sched, _, _ := newTestClient6(t, false)
	require.NoError(t, c.Start())

	adv := baseReply(c, dhcpv6.MessageTypeAdvertise)
	withIANA(c, adv, 900*time.Second, 1440*time.Second, 1800*time.Second, 3600*time.Second, net.ParseIP("fe80::1"))
	c.deliver(adv.ToBytes())

	rep := baseReply(c, dhcpv6.MessageTypeReply)
	withIANA(c, rep, 900*time.Second, 1440*time.Second, 1800*time.Second, 3600*time.Second, net.ParseIP("fe80::1"))
	c.deliver(rep.ToBytes())
	require.Equal(t, State6Bound, c.State())

	require.True(t, sched.fire(900*time.Second))
	assert.Equal(t, State6Renewing, c.State())

	sent := io.sentMsgs()
	renew, err := dhcpv6.MessageFromBytes(sent[len(sent)-1])
	require.NoError(t, err)
	assert.Equal(t, dhcpv6.MessageTypeRenew, renew.MessageType)

	require.True(t, sched.fire(1440*time.Second))
	assert.Equal(t, State6Rebinding, c.State())

	sent = io.sentMsgs()
	rebind, err := dhcpv6.MessageFromBytes(sent[len(sent)-1])
	require.NoError(t, err)
	assert.Equal(t, dhcpv6.MessageTypeRebind, rebind.MessageType)
	// Rebind goes serverless.
	assert.Nil(t, rebind.Options.ServerID())
}

func TestClient6_PrefixDelegation(t *testing.T) {
	io := newFakeIO6()
	sched := &fakeSched{}
	rec := &eventRec6{}
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	c, err := NewClient6(Config6{
		Ifindex:   3,
		HWAddr:    testMAC,
		DUIDType:  DUIDLL,
		RequestPD: true,
		IO:        io,
		Clock:     clk,
		Callback:  rec.cb,
		sched:     sched,
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	require.NoError(t, c.Start())

	adv := baseReply(c, dhcpv6.MessageTypeAdvertise)
	c.deliver(adv.ToBytes())
	require.Equal(t, State6Requesting, c.State())

	_, prefix, _ := net.ParseCIDR("2001:db8:1::/48")
	rep := baseReply(c, dhcpv6.MessageTypeReply)
	pd := &dhcpv6.OptIAPD{IaId: c.iaid, T1: 900 * time.Second, T2: 1440 * time.Second}
	pd.Options.Add(&dhcpv6.OptIAPrefix{
		PreferredLifetime: 1800 * time.Second,
		ValidLifetime:     3600 * time.Second,
		Prefix:            prefix,
	})
	rep.AddOption(pd)
	c.deliver(rep.ToBytes())

	events := rec.all()
	require.Len(t, events, 1)
	require.Equal(t, Event6LeaseAvailable, events[0].Type)

	lease := events[0].Lease
	require.Len(t, lease.Prefixes, 1)
	assert.Equal(t, uint8(48), lease.Prefixes[0].PrefixLen)
	assert.Equal(t, uint32(3600), lease.Prefixes[0].Valid)
	assert.Equal(t, uint32(900), lease.T1)
	assert.False(t, lease.Prefixes[0].Expire.IsZero())
}

func TestClient6_ElapsedTimeOnResend(t *testing.T) {
	c, io, sched, _, clk := newTestClient6(t, false)
	require.NoError(t, c.Start())

	clk.Advance(2 * time.Second)
	require.True(t, sched.fire(solicitInitialRT))

	sent := io.sentMsgs()
	require.Len(t, sent, 2)
	resend, err := dhcpv6.MessageFromBytes(sent[1])
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, resend.Options.ElapsedTime())
}
