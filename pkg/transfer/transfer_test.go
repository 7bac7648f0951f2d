package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"sockkit/pkg/socket"
)

// channelPair 创建一对本地流套接字通道，测试结束时自动关闭
func channelPair(tb testing.TB) (*FDChannel, *FDChannel) {
	tb.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(tb, err)
	require.NoError(tb, unix.SetNonblock(fds[0], true))
	require.NoError(tb, unix.SetNonblock(fds[1], true))
	local, peer := NewFDChannel(fds[0]), NewFDChannel(fds[1])
	tb.Cleanup(func() {
		_ = local.Close()
		_ = peer.Close()
	})
	return local, peer
}

func writeAll(tb testing.TB, ch *FDChannel, p []byte) {
	tb.Helper()
	res := Transmit(context.Background(), ch, p, time.Second)
	require.Equal(tb, Ready, res.Outcome, "write: %v", res.Err)
}

func TestReceiveChunkingInvariant(t *testing.T) {
	stream := []byte("the quick brown fox jumps over the lazy dog\n")

	for _, chunk := range []int{1, 2, 3, 5, 8, 13, len(stream)} {
		chunk := chunk
		for _, bufSize := range []int{1, 4, 64} {
			local, peer := channelPair(t)

			go func() {
				for off := 0; off < len(stream); off += chunk {
					end := min(off+chunk, len(stream))
					writeAll(t, peer, stream[off:end])
					time.Sleep(time.Millisecond)
				}
			}()

			res := Receive(context.Background(), local, 2*time.Second, EndsWith([]byte("\n")),
				WithBufferSize(bufSize), WithPollInterval(5*time.Millisecond))
			require.Equal(t, Ready, res.Outcome, "chunk=%d buf=%d err=%v", chunk, bufSize, res.Err)
			assert.Equal(t, stream, res.Data, "chunk=%d buf=%d", chunk, bufSize)
		}
	}
}

func TestReceiveDetectorCalledCumulatively(t *testing.T) {
	local, peer := channelPair(t)

	var seen [][]byte
	detector := func(received []byte) bool {
		seen = append(seen, bytes.Clone(received))
		return bytes.Count(received, []byte(";")) == 2
	}

	go func() {
		writeAll(t, peer, []byte("a;"))
		time.Sleep(20 * time.Millisecond)
		writeAll(t, peer, []byte("b;"))
	}()

	res := Receive(context.Background(), local, time.Second, detector, WithPollInterval(5*time.Millisecond))
	require.Equal(t, Ready, res.Outcome)
	assert.Equal(t, "a;b;", string(res.Data))
	require.NotEmpty(t, seen)
	assert.Equal(t, "a;b;", string(seen[len(seen)-1]))
	for i := 1; i < len(seen); i++ {
		assert.True(t, bytes.HasPrefix(seen[i], seen[i-1]), "buffer must never be reset between reads")
	}
}

func TestReceiveNilDetector(t *testing.T) {
	local, peer := channelPair(t)
	writeAll(t, peer, []byte("anything"))

	res := Receive(context.Background(), local, time.Second, nil)
	assert.Equal(t, Ready, res.Outcome)
	assert.Equal(t, "anything", string(res.Data))
}

func TestReceiveTimeout(t *testing.T) {
	local, _ := channelPair(t)

	start := time.Now()
	res := Receive(context.Background(), local, 200*time.Millisecond, EndsWith([]byte("\n")))
	assert.Equal(t, Timeout, res.Outcome)
	assert.Empty(t, res.Data)
	assert.NoError(t, res.Err)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestReceiveTimeoutKeepsPartialData(t *testing.T) {
	local, peer := channelPair(t)
	writeAll(t, peer, []byte("no newline"))

	res := Receive(context.Background(), local, 100*time.Millisecond, EndsWith([]byte("\n")))
	assert.Equal(t, Timeout, res.Outcome)
	assert.Equal(t, "no newline", string(res.Data))
}

func TestReceiveClosed(t *testing.T) {
	t.Run("without data", func(t *testing.T) {
		local, peer := channelPair(t)
		require.NoError(t, peer.Close())

		res := Receive(context.Background(), local, time.Second, EndsWith([]byte("\n")))
		assert.Equal(t, Closed, res.Outcome)
		assert.False(t, res.Partial())
		assert.Empty(t, res.Data)
	})

	t.Run("with partial data", func(t *testing.T) {
		local, peer := channelPair(t)
		writeAll(t, peer, []byte("half a mess"))
		require.NoError(t, peer.Close())

		res := Receive(context.Background(), local, time.Second, EndsWith([]byte("\n")))
		assert.Equal(t, Closed, res.Outcome)
		assert.True(t, res.Partial())
		assert.Equal(t, "half a mess", string(res.Data))

		data, err := ReceiveMessage(context.Background(), local, time.Second, EndsWith([]byte("\n")))
		assert.ErrorIs(t, err, ErrClosed)
		assert.Empty(t, data)
	})
}

func TestReceiveAborted(t *testing.T) {
	local, _ := channelPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	res := Receive(ctx, local, 0, EndsWith([]byte("\n")), WithPollInterval(10*time.Millisecond))
	assert.Equal(t, Aborted, res.Outcome)

	_, err := ReceiveMessage(ctx, local, 0, nil)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestReceiveMaxBytes(t *testing.T) {
	local, peer := channelPair(t)
	writeAll(t, peer, bytes.Repeat([]byte("x"), 100))

	res := Receive(context.Background(), local, time.Second, EndsWith([]byte("\n")), WithMaxBytes(10), WithBufferSize(8))
	assert.Equal(t, Error, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrMessageTooLarge)
}

func TestReceiveOnClosedChannel(t *testing.T) {
	local, _ := channelPair(t)
	require.NoError(t, local.Close())

	res := Receive(context.Background(), local, time.Second, nil)
	assert.Equal(t, Error, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrChannelClosed)
}

func TestTransmitLargePayload(t *testing.T) {
	local, peer := channelPair(t)
	require.NoError(t, unix.SetsockoptInt(local.Fd(), unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))

	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)

	var received bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res := Receive(context.Background(), peer, 5*time.Second, func(b []byte) bool {
			return len(b) == len(payload)
		}, WithPollInterval(5*time.Millisecond))
		received.Write(res.Data)
	}()

	var calls int
	res := Transmit(context.Background(), local, payload, 5*time.Second, WithProgress(func(sent, total int) {
		calls++
		assert.Equal(t, len(payload), total)
	}))
	wg.Wait()

	require.Equal(t, Ready, res.Outcome, "transmit: %v", res.Err)
	assert.Equal(t, len(payload), res.Sent)
	assert.Greater(t, calls, 1, "payload should need several partial writes")
	assert.True(t, bytes.Equal(payload, received.Bytes()))
}

func TestTransmitEmpty(t *testing.T) {
	local, _ := channelPair(t)
	res := Transmit(context.Background(), local, nil, time.Second)
	assert.Equal(t, Ready, res.Outcome)
	assert.Equal(t, 0, res.Sent)
}

func TestTransmitTimeoutReportsSent(t *testing.T) {
	local, _ := channelPair(t)
	payload := bytes.Repeat([]byte("z"), 8*1024*1024)

	res := Transmit(context.Background(), local, payload, 100*time.Millisecond, WithPollInterval(10*time.Millisecond))
	assert.Equal(t, Timeout, res.Outcome)
	assert.Greater(t, res.Sent, 0)
	assert.Less(t, res.Sent, len(payload))

	sent, err := TransmitAll(context.Background(), local, payload, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, sent, len(payload))
}

func TestTransmitPeerClosed(t *testing.T) {
	local, peer := channelPair(t)
	require.NoError(t, peer.Close())

	res := Transmit(context.Background(), local, []byte("hello"), time.Second)
	assert.Equal(t, Error, res.Outcome)
	assert.Equal(t, 0, res.Sent)
	errno, ok := res.Errno()
	assert.True(t, ok)
	assert.Contains(t, []unix.Errno{unix.EPIPE, unix.ECONNRESET}, errno)

	var oe *OutcomeError
	assert.True(t, errors.As(res.AsError(), &oe))
	assert.Equal(t, Error, oe.Outcome)
}

func TestTransmitAborted(t *testing.T) {
	local, _ := channelPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Transmit(ctx, local, bytes.Repeat([]byte("z"), 8*1024*1024), 0, WithPollInterval(10*time.Millisecond))
	assert.Equal(t, Aborted, res.Outcome)
}

type recordingReceiver struct {
	data   bytes.Buffer
	loops  int
	closed bool
	err    error
	stopAt int
}

func (r *recordingReceiver) ReceiverData(p []byte) bool {
	r.data.Write(p)
	return r.stopAt == 0 || r.data.Len() < r.stopAt
}

func (r *recordingReceiver) ReceiverLoop() bool {
	r.loops++
	return true
}

func (r *recordingReceiver) ReceiverClosed()         { r.closed = true }
func (r *recordingReceiver) ReceiverError(err error) { r.err = err }

func TestReceiverLoop(t *testing.T) {
	local, peer := channelPair(t)

	go func() {
		writeAll(t, peer, []byte("one"))
		time.Sleep(80 * time.Millisecond)
		writeAll(t, peer, []byte("two"))
		_ = peer.Close()
	}()

	rec := &recordingReceiver{}
	out := ReceiverLoop(context.Background(), local, 20*time.Millisecond, rec, WithPollInterval(5*time.Millisecond))
	assert.Equal(t, Closed, out)
	assert.Equal(t, "onetwo", rec.data.String())
	assert.True(t, rec.closed)
	assert.NoError(t, rec.err)
	assert.Greater(t, rec.loops, 0)
}

func TestReceiverLoopStopsOnCallback(t *testing.T) {
	local, peer := channelPair(t)
	writeAll(t, peer, []byte("enough"))

	rec := &recordingReceiver{stopAt: 3}
	out := ReceiverLoop(context.Background(), local, 20*time.Millisecond, rec)
	assert.Equal(t, Ready, out)
	assert.False(t, rec.closed)
}

// borrowedChannel 报告另一个套接字的描述符，直到被标记为关闭，
// 模拟等待期间描述符被关闭并被其他连接复用
type borrowedChannel struct {
	fd     int
	closed atomic.Bool
}

func (c *borrowedChannel) Fd() int {
	if c.closed.Load() {
		return -1
	}
	return c.fd
}

func (c *borrowedChannel) Secure() bool { return false }

func (c *borrowedChannel) ReadAvailable([]byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrChannelClosed
	}
	return 0, ErrWouldBlock
}

func (c *borrowedChannel) WriteSome(context.Context, []byte, time.Time) (int, error) {
	return 0, ErrWouldBlock
}

func (c *borrowedChannel) Close() error {
	c.closed.Store(true)
	return nil
}

func TestReceiveNoticesCloseWhileWaiting(t *testing.T) {
	other, _ := channelPair(t)
	ch := &borrowedChannel{fd: other.Fd()}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = ch.Close()
	}()

	start := time.Now()
	res := Receive(context.Background(), ch, 5*time.Second, nil, WithPollInterval(10*time.Millisecond))
	assert.Equal(t, Error, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrChannelClosed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitReadableHonoursDeadline(t *testing.T) {
	local, _ := channelPair(t)

	start := time.Now()
	r, err := WaitReadable(context.Background(), local, time.Now().Add(80*time.Millisecond), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, socket.TimedOut, r)
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestOutcomeErrorMatching(t *testing.T) {
	err := &OutcomeError{Outcome: Timeout}
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrClosed)
	assert.Equal(t, "timeout", err.Error())

	wrapped := &OutcomeError{Outcome: Error, Err: io.ErrUnexpectedEOF}
	assert.ErrorIs(t, wrapped, io.ErrUnexpectedEOF)
	assert.Nil(t, ReceiveResult{Outcome: Ready}.AsError())
}
