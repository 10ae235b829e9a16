package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albfan/miraclecast/internal/config"
	"github.com/albfan/miraclecast/internal/wpas"
)

var sinkSube = []byte{
	0x00, 0x00, 0x06,
	0x00, 0x01, // primary sink
	0x1C, 0x44, // port 7236
	0x00, 0x32,
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	app, err := NewApp(config.Default(), "/usr/bin/miracle-dhcp")
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func TestApp_PeerFoundRegistersSink(t *testing.T) {
	app := newTestApp(t)

	app.PeerFound(wpas.Peer{
		Address:        "02:AA:BB:CC:DD:EE",
		Name:           "TV",
		WFDSubelements: sinkSube,
	})

	require.Len(t, app.Sinks(), 1)
	sink := app.Sink("02aabbccddee")
	require.NotNil(t, sink)
	assert.Equal(t, "02:AA:BB:CC:DD:EE", sink.Peer())
}

func TestApp_PeerWithoutWFDIgnored(t *testing.T) {
	app := newTestApp(t)

	app.PeerFound(wpas.Peer{Address: "02:00:00:00:00:01"})
	assert.Empty(t, app.Sinks())

	// A source device is not a sink either.
	source := []byte{0x00, 0x00, 0x06, 0x00, 0x00, 0x1C, 0x44, 0x00, 0x32}
	app.PeerFound(wpas.Peer{Address: "02:00:00:00:00:02", WFDSubelements: source})
	assert.Empty(t, app.Sinks())
}

func TestApp_PeerLostDropsSink(t *testing.T) {
	app := newTestApp(t)

	app.PeerFound(wpas.Peer{Address: "02:AA:BB:CC:DD:EE", WFDSubelements: sinkSube})
	require.Len(t, app.Sinks(), 1)

	app.PeerLost("02:AA:BB:CC:DD:EE")
	assert.Empty(t, app.Sinks())
}

func TestApp_GroupFormedSpawnsHelper(t *testing.T) {
	app := newTestApp(t)

	var spawnedArgs []string
	app.spawn = func(binary string, args []string) (*os.Process, *os.File, error) {
		spawnedArgs = args
		r, w, err := os.Pipe()
		require.NoError(t, err)
		w.Close()
		return &os.Process{Pid: -1}, r, nil
	}

	app.GroupFormed(wpas.Group{
		Ifname:      "p2p-wlan0-0",
		Ifindex:     7,
		Role:        wpas.RoleGroupOwner,
		PeerAddress: "02:AA:BB:CC:DD:EE",
	})

	require.NotEmpty(t, spawnedArgs)
	joined := ""
	for _, a := range spawnedArgs {
		joined += a + " "
	}
	assert.Contains(t, joined, "--netdev p2p-wlan0-0")
	assert.Contains(t, joined, "--server")
	assert.Contains(t, joined, "--prefix 192.168.77")
}

func TestApp_GroupFormedClientMode(t *testing.T) {
	app := newTestApp(t)

	var spawnedArgs []string
	app.spawn = func(binary string, args []string) (*os.Process, *os.File, error) {
		spawnedArgs = args
		r, w, err := os.Pipe()
		require.NoError(t, err)
		w.Close()
		return &os.Process{Pid: -1}, r, nil
	}

	app.GroupFormed(wpas.Group{
		Ifname: "p2p-wlan0-1",
		Role:   wpas.RoleClient,
	})

	joined := ""
	for _, a := range spawnedArgs {
		joined += a + " "
	}
	assert.NotContains(t, joined, "--server")
}

func TestSinkLabel(t *testing.T) {
	assert.Equal(t, "02aabbccddee", sinkLabel("02:AA:BB:CC:DD:EE"))
}
