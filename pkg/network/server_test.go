package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"sockkit/internal/logger"
	"sockkit/internal/testcert"
	"sockkit/pkg/pool"
	"sockkit/pkg/secure"
	"sockkit/pkg/socket"
	"sockkit/pkg/telemetry"
	"sockkit/pkg/transfer"
)

func init() {
	// 初始化日志
	_ = logger.InitLogger(true, "")
}

var newline = transfer.EndsWith([]byte("\n"))

// startServer 在 127.0.0.1 的随机端口上启动服务器，测试结束时停止
func startServer(t *testing.T, opts ServerOptions) *SocketServer {
	t.Helper()
	opts.Host = "127.0.0.1"
	if opts.AcceptPollInterval == 0 {
		opts.AcceptPollInterval = 100 * time.Millisecond
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}

	srv, err := NewSocketServer(opts)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	require.Equal(t, Running, srv.State())

	t.Cleanup(func() {
		srv.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Wait(ctx))
	})
	return srv
}

func dial(t *testing.T, srv *SocketServer, tlsConfig *tls.Config) *pool.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.GetAddress(), tlsConfig)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// rawConnection 基于本地套接字对创建尚未加入连接池的连接
func rawConnection(t *testing.T) (*pool.Connection, *transfer.FDChannel) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	local, peer := transfer.NewFDChannel(fds[0]), transfer.NewFDChannel(fds[1])
	t.Cleanup(func() {
		_ = local.Close()
		_ = peer.Close()
	})
	return pool.NewConnection(local, socket.Address{}, pool.Plain), peer
}

func pongHandler(outcomes chan<- transfer.Outcome) ConnectionHandler {
	return func(ctx context.Context, c *pool.Connection) {
		r := c.Receive(ctx, 2*time.Second, newline)
		if outcomes != nil {
			outcomes <- r.Outcome
		}
		if r.Outcome != transfer.Ready || string(r.Data) != "PING\n" {
			return
		}
		_, _ = c.TransmitAll(ctx, []byte("PONG\n"), 2*time.Second)
	}
}

func TestNewSocketServerValidation(t *testing.T) {
	_, err := NewSocketServer(ServerOptions{Port: 70000, Handler: pongHandler(nil)})
	assert.ErrorIs(t, err, socket.ErrInvalidPort)

	_, err = NewSocketServer(ServerOptions{})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestLifecycle(t *testing.T) {
	srv, err := NewSocketServer(ServerOptions{
		Host:               "127.0.0.1",
		Handler:            pongHandler(nil),
		AcceptPollInterval: 50 * time.Millisecond,
		PollInterval:       10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, Idle, srv.State())

	// Idle 时停止是空操作
	srv.Stop()
	assert.Equal(t, Idle, srv.State())
	assert.NoError(t, srv.Wait(context.Background()))

	require.NoError(t, srv.Start())
	assert.Equal(t, Running, srv.State())
	assert.NotZero(t, srv.Port())
	assert.ErrorIs(t, srv.Start(), ErrAlreadyRunning)

	srv.Stop()
	assert.Contains(t, []State{Stopping, Stopped}, srv.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Wait(ctx))
	assert.Equal(t, Stopped, srv.State())
	assert.Zero(t, srv.Pool().Count())

	// 已停止时再次停止也是空操作
	srv.Stop()
	assert.Equal(t, Stopped, srv.State())

	// 停止后可以重新启动
	require.NoError(t, srv.Start())
	assert.Equal(t, Running, srv.State())
	srv.Stop()
	require.NoError(t, srv.Wait(ctx))
	assert.Equal(t, Stopped, srv.State())
}

func TestStartWhileStopping(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	srv := startServer(t, ServerOptions{
		Handler: func(ctx context.Context, c *pool.Connection) {
			close(entered)
			<-release
		},
	})

	dial(t, srv, nil)
	<-entered

	srv.Stop()
	assert.Equal(t, Stopping, srv.State())
	assert.ErrorIs(t, srv.Start(), ErrStopping)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, srv.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, srv.Wait(context.Background()))
	assert.Equal(t, Stopped, srv.State())
	assert.Zero(t, srv.Pool().Count())
}

func TestPingPong(t *testing.T) {
	outcomes := make(chan transfer.Outcome, 1)
	rec := telemetry.NewRecorder(64)
	srv := startServer(t, ServerOptions{
		Backlog: 5,
		Handler: pongHandler(outcomes),
		Sink:    rec,
	})

	c := dial(t, srv, nil)
	ctx := context.Background()

	_, err := c.TransmitAll(ctx, []byte("PING\n"), time.Second)
	require.NoError(t, err)

	reply, err := c.ReceiveMessage(ctx, 2*time.Second, newline)
	require.NoError(t, err)
	assert.Equal(t, "PONG\n", string(reply))
	assert.Equal(t, transfer.Ready, <-outcomes)
	require.NoError(t, c.Close())

	assert.Eventually(t, func() bool { return srv.Pool().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rec.Count(telemetry.EventAccept))
	assert.Equal(t, 1, rec.Count(telemetry.EventInsert))
	assert.Eventually(t, func() bool { return rec.Count(telemetry.EventClose) == 1 }, time.Second, 10*time.Millisecond)
}

func TestReceiveTimeoutScenario(t *testing.T) {
	results := make(chan transfer.ReceiveResult, 1)
	srv := startServer(t, ServerOptions{
		Handler: func(ctx context.Context, c *pool.Connection) {
			results <- c.Receive(ctx, 200*time.Millisecond, newline)
		},
	})

	dial(t, srv, nil)

	select {
	case r := <-results:
		assert.Equal(t, transfer.Timeout, r.Outcome)
		assert.Empty(t, r.Data)
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not finish")
	}
}

func TestFactoryDeclines(t *testing.T) {
	rec := telemetry.NewRecorder(64)
	var calls atomic.Int32
	srv := startServer(t, ServerOptions{
		Factory: func(typ pool.ConnectionType, peer string) any {
			calls.Add(1)
			assert.Equal(t, pool.Plain, typ)
			assert.Contains(t, peer, "127.0.0.1")
			return nil
		},
		Handler: pongHandler(nil),
		Sink:    rec,
	})

	c := dial(t, srv, nil)
	r := c.Receive(context.Background(), 2*time.Second, newline)
	assert.Equal(t, transfer.Closed, r.Outcome)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, rec.Count(telemetry.EventInsert))
	assert.Zero(t, srv.Pool().Count())
}

type echoSession struct {
	peer string
}

func (s *echoSession) Serve(ctx context.Context, c *pool.Connection) {
	for {
		msg, err := c.ReceiveMessage(ctx, 2*time.Second, newline)
		if err != nil {
			return
		}
		if _, err := c.TransmitAll(ctx, msg, 2*time.Second); err != nil {
			return
		}
	}
}

func TestServablePayload(t *testing.T) {
	srv := startServer(t, ServerOptions{
		Factory: func(_ pool.ConnectionType, peer string) any {
			return &echoSession{peer: peer}
		},
	})

	c := dial(t, srv, nil)
	ctx := context.Background()
	for _, msg := range []string{"one\n", "two\n", "three\n"} {
		_, err := c.TransmitAll(ctx, []byte(msg), time.Second)
		require.NoError(t, err)
		reply, err := c.ReceiveMessage(ctx, 2*time.Second, newline)
		require.NoError(t, err)
		assert.Equal(t, msg, string(reply))
	}

	var session *echoSession
	srv.Pool().ForEach(func(pc *pool.Connection) bool {
		session, _ = pc.Payload().(*echoSession)
		return false
	})
	require.NotNil(t, session)
	assert.Contains(t, session.peer, "127.0.0.1")
}

func TestMaxConnections(t *testing.T) {
	rec := telemetry.NewRecorder(64)
	release := make(chan struct{})
	srv := startServer(t, ServerOptions{
		MaxConnections: 1,
		Handler: func(ctx context.Context, c *pool.Connection) {
			select {
			case <-release:
			case <-ctx.Done():
			}
		},
		Sink: rec,
	})
	defer close(release)

	dial(t, srv, nil)
	require.Eventually(t, func() bool { return srv.Pool().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	second := dial(t, srv, nil)
	r := second.Receive(context.Background(), 2*time.Second, nil)
	assert.Equal(t, transfer.Closed, r.Outcome)
	assert.Equal(t, 1, rec.Count(telemetry.EventReject))
	assert.Equal(t, 1, srv.Pool().Count())
}

func TestAddressFilter(t *testing.T) {
	var handled atomic.Bool
	srv := startServer(t, ServerOptions{
		AddressFilter: func(peer socket.Address) bool {
			return peer.Family() == socket.FamilyIPv6
		},
		Handler: func(context.Context, *pool.Connection) { handled.Store(true) },
	})

	c := dial(t, srv, nil)
	r := c.Receive(context.Background(), 2*time.Second, nil)
	assert.Equal(t, transfer.Closed, r.Outcome)
	assert.False(t, handled.Load())
}

func TestAliveHandler(t *testing.T) {
	var ticks atomic.Int32
	startServer(t, ServerOptions{
		AcceptPollInterval: 20 * time.Millisecond,
		AliveHandler:       func() { ticks.Add(1) },
		Handler:            pongHandler(nil),
	})

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerPanicKeepsServing(t *testing.T) {
	var n atomic.Int32
	srv := startServer(t, ServerOptions{
		Handler: func(ctx context.Context, c *pool.Connection) {
			if n.Add(1) == 1 {
				panic("boom")
			}
			pongHandler(nil)(ctx, c)
		},
	})

	first := dial(t, srv, nil)
	r := first.Receive(context.Background(), 2*time.Second, nil)
	assert.Equal(t, transfer.Closed, r.Outcome)

	second := dial(t, srv, nil)
	_, err := second.TransmitAll(context.Background(), []byte("PING\n"), time.Second)
	require.NoError(t, err)
	reply, err := second.ReceiveMessage(context.Background(), 2*time.Second, newline)
	require.NoError(t, err)
	assert.Equal(t, "PONG\n", string(reply))
	assert.Equal(t, Running, srv.State())
}

func TestStartFailsOnBadCertificate(t *testing.T) {
	ca, err := testcert.NewAuthority("ca")
	require.NoError(t, err)
	a, err := ca.Server("localhost")
	require.NoError(t, err)
	b, err := ca.Server("localhost")
	require.NoError(t, err)

	srv, err := NewSocketServer(ServerOptions{
		Host:    "127.0.0.1",
		Handler: pongHandler(nil),
		TLS:     &secure.Config{CertPEM: a.CertPEM, KeyPEM: b.KeyPEM},
	})
	require.NoError(t, err)

	err = srv.Start()
	assert.ErrorIs(t, err, secure.ErrKeyMismatch)
	assert.Equal(t, Idle, srv.State())
}

func TestStartFailsOnPortInUse(t *testing.T) {
	first := startServer(t, ServerOptions{Handler: pongHandler(nil)})

	srv, err := NewSocketServer(ServerOptions{Host: "127.0.0.1", Port: first.Port(), Handler: pongHandler(nil)})
	require.NoError(t, err)
	assert.Error(t, srv.Start())
	assert.Equal(t, Idle, srv.State())
}

type tlsFixture struct {
	ca     *testcert.Authority
	server testcert.Pair
	client testcert.Pair
	rogue  testcert.Pair
}

func newTLSFixture(t *testing.T) tlsFixture {
	t.Helper()
	ca, err := testcert.NewAuthority("sockkit CA")
	require.NoError(t, err)
	server, err := ca.Server("localhost")
	require.NoError(t, err)
	client, err := ca.Client("client")
	require.NoError(t, err)
	other, err := testcert.NewAuthority("other CA")
	require.NoError(t, err)
	rogue, err := other.Client("rogue")
	require.NoError(t, err)
	return tlsFixture{ca: ca, server: server, client: client, rogue: rogue}
}

func (f tlsFixture) clientConfig(t *testing.T, pair testcert.Pair) *tls.Config {
	t.Helper()
	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(f.ca.PEM))
	cert, err := tls.X509KeyPair(pair.CertPEM, pair.KeyPEM)
	require.NoError(t, err)
	return &tls.Config{RootCAs: roots, Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
}

func TestTLSScenario(t *testing.T) {
	f := newTLSFixture(t)
	rec := telemetry.NewRecorder(128)
	var factoryCalls atomic.Int32
	var lastType atomic.Int32

	srv := startServer(t, ServerOptions{
		TLS: &secure.Config{CertPEM: f.server.CertPEM, KeyPEM: f.server.KeyPEM, ClientCAPEM: f.ca.PEM},
		Factory: func(typ pool.ConnectionType, peer string) any {
			factoryCalls.Add(1)
			lastType.Store(int32(typ))
			return peer
		},
		Handler:          pongHandler(nil),
		HandshakeTimeout: 2 * time.Second,
		Sink:             rec,
	})

	t.Run("untrusted client never reaches factory", func(t *testing.T) {
		c, err := Dial(context.Background(), srv.GetAddress(), f.clientConfig(t, f.rogue))
		if err == nil {
			// TLS 1.3 客户端在服务端校验证书之前就完成握手，失败在读取时体现
			r := c.Receive(context.Background(), 2*time.Second, newline)
			assert.NotEqual(t, transfer.Ready, r.Outcome)
			_ = c.Close()
		}

		require.Eventually(t, func() bool {
			for _, e := range rec.Events() {
				if e.Kind == telemetry.EventHandshake && e.Outcome == secure.HandshakeFailed.String() {
					return true
				}
			}
			return false
		}, 2*time.Second, 10*time.Millisecond)
		assert.Zero(t, factoryCalls.Load())
		assert.Eventually(t, func() bool { return srv.Pool().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("trusted client", func(t *testing.T) {
		c := dial(t, srv, f.clientConfig(t, f.client))
		assert.Equal(t, pool.CertifiedServerAndClient, c.Type())
		assert.True(t, c.Channel().Secure())

		_, err := c.TransmitAll(context.Background(), []byte("PING\n"), time.Second)
		require.NoError(t, err)
		reply, err := c.ReceiveMessage(context.Background(), 2*time.Second, newline)
		require.NoError(t, err)
		assert.Equal(t, "PONG\n", string(reply))

		assert.Equal(t, int32(1), factoryCalls.Load())
		assert.Equal(t, int32(pool.CertifiedServerAndClient), lastType.Load())
	})
}

func TestDialErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, "no-port", nil)
	assert.Error(t, err)

	_, err = Dial(ctx, "127.0.0.1:0", nil)
	assert.ErrorIs(t, err, socket.ErrInvalidPort)

	// 监听后立即停止的端口上没有服务
	srv := startServer(t, ServerOptions{Handler: pongHandler(nil)})
	addr := srv.GetAddress()
	srv.Stop()
	require.NoError(t, srv.Wait(ctx))

	_, err = Dial(ctx, addr, nil)
	assert.Error(t, err)
}

func TestRejectRecordedBeforeClose(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	srv := startServer(t, ServerOptions{
		AddressFilter: func(socket.Address) bool { return false },
		Handler:       pongHandler(nil),
		Sink: telemetry.SinkFunc(func(e telemetry.Event) {
			if e.Kind == telemetry.EventReject {
				close(entered)
				<-unblock
			}
		}),
	})

	c := dial(t, srv, nil)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		close(unblock)
		t.Fatal("reject event not emitted")
	}

	// 事件处理期间套接字仍然打开
	r := c.Receive(context.Background(), 100*time.Millisecond, nil)
	close(unblock)
	assert.Equal(t, transfer.Timeout, r.Outcome)

	r = c.Receive(context.Background(), 2*time.Second, nil)
	assert.Equal(t, transfer.Closed, r.Outcome)
}

func TestInactivityTimeoutClosesIdleConnection(t *testing.T) {
	rec := telemetry.NewRecorder(64)
	outcomes := make(chan transfer.Outcome, 1)
	srv := startServer(t, ServerOptions{
		InactivityTimeout: 150 * time.Millisecond,
		Handler: func(ctx context.Context, c *pool.Connection) {
			r := c.Receive(ctx, 5*time.Second, newline)
			outcomes <- r.Outcome
		},
		Sink: rec,
	})

	start := time.Now()
	c := dial(t, srv, nil)
	r := c.Receive(context.Background(), 3*time.Second, nil)
	assert.Equal(t, transfer.Closed, r.Outcome)
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case out := <-outcomes:
		assert.NotEqual(t, transfer.Ready, out)
		assert.NotEqual(t, transfer.Timeout, out)
	case <-time.After(2 * time.Second):
		t.Fatal("handler still waiting after inactivity close")
	}
	assert.Eventually(t, func() bool { return srv.Pool().Count() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rec.Count(telemetry.EventInactive))
}

func TestInactivityTimeoutSparesActiveConnection(t *testing.T) {
	srv := startServer(t, ServerOptions{
		InactivityTimeout: 200 * time.Millisecond,
		Handler: func(ctx context.Context, c *pool.Connection) {
			for {
				msg, err := c.ReceiveMessage(ctx, 2*time.Second, newline)
				if err != nil {
					return
				}
				if _, err := c.TransmitAll(ctx, msg, time.Second); err != nil {
					return
				}
			}
		},
	})

	c := dial(t, srv, nil)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_, err := c.TransmitAll(ctx, []byte("tick\n"), time.Second)
		require.NoError(t, err)
		reply, err := c.ReceiveMessage(ctx, time.Second, newline)
		require.NoError(t, err)
		assert.Equal(t, "tick\n", string(reply))
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, 1, srv.Pool().Count())
}

func TestInactivityHandlerKeepsConnection(t *testing.T) {
	var calls atomic.Int32
	srv := startServer(t, ServerOptions{
		InactivityTimeout: 50 * time.Millisecond,
		InactivityHandler: func(c *pool.Connection) bool {
			calls.Add(1)
			return true
		},
		Handler: func(ctx context.Context, c *pool.Connection) {
			<-ctx.Done()
		},
	})

	dial(t, srv, nil)
	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, srv.Pool().Count())
}

func TestSweepInactive(t *testing.T) {
	srv, err := NewSocketServer(ServerOptions{
		InactivityTimeout: time.Minute,
		Handler:           pongHandler(nil),
	})
	require.NoError(t, err)

	c, _ := rawConnection(t)
	_, err = srv.Pool().Insert(c)
	require.NoError(t, err)

	assert.Zero(t, srv.sweepInactive(time.Now()))
	assert.Equal(t, 1, srv.Pool().Count())

	assert.Equal(t, 1, srv.sweepInactive(c.LastActivity().Add(time.Minute)))
	assert.Zero(t, srv.Pool().Count())
	assert.True(t, c.Removed())
}
