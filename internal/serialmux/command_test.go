package serialmux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mmwave/internal/sink"
)

func TestCommandChannel_SendCommandAppendsNewline(t *testing.T) {
	port := NewTestablePort()
	h := newHarness(t)
	cc := NewCommandChannel(CommandOptions{
		ChannelOptions: ChannelOptions{Factory: NewMockPortFactory(port)},
		Out:            &syncBuffer{},
	})
	require.NoError(t, cc.Open("/dev/ttyACM0", PortOptions{BaudRate: CommandBaudRate}))
	h.register(t, cc)
	h.run()

	require.NoError(t, cc.SendCommand("sensorStop"))
	require.NoError(t, cc.SendCommand("flushCfg\n"))
	require.NoError(t, cc.SendCommand("sensorStart"))

	require.Eventually(t, func() bool {
		return string(port.Written()) == "sensorStop\nflushCfg\nsensorStart\n"
	}, waitFor, time.Millisecond)
	assert.Equal(t, "command", cc.Name())
}

func TestCommandChannel_ForwardsOutput(t *testing.T) {
	port := NewTestablePort()
	out := &syncBuffer{}
	lines := sink.NewTap()
	_, sub := lines.Subscribe()

	h := newHarness(t)
	cc := NewCommandChannel(CommandOptions{
		ChannelOptions: ChannelOptions{Factory: NewMockPortFactory(port)},
		Out:            out,
		Lines:          lines,
	})
	require.NoError(t, cc.Open("/dev/ttyACM0", PortOptions{}))
	h.register(t, cc)
	h.run()

	port.AddReadData([]byte("sensorStart\r\nDo"))
	assert.Equal(t, "sensorStart", receive(t, sub))
	port.AddReadData([]byte("ne\r\nmmw"))
	assert.Equal(t, "Done", receive(t, sub))

	require.Eventually(t, func() bool {
		return out.String() == "sensorStart\r\nDone\r\nmmw"
	}, waitFor, time.Millisecond)
}

func TestCommandChannel_LongPartialLineFlushed(t *testing.T) {
	lines := sink.NewTap()
	_, sub := lines.Subscribe()
	cc := NewCommandChannel(CommandOptions{Out: &syncBuffer{}, Lines: lines})

	long := make([]byte, maxPendingLine+1)
	for i := range long {
		long[i] = 'x'
	}
	cc.OnRead(long)
	assert.Len(t, receive(t, sub), maxPendingLine+1)
	assert.Empty(t, cc.pending)
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for published line")
		return ""
	}
}
