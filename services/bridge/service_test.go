package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"privacyroute/pkg/config"
	"privacyroute/pkg/overlay"
	"privacyroute/pkg/proto"
	"privacyroute/pkg/relay"
	"privacyroute/pkg/routing"
)

type sentFrame struct {
	route proto.RouteInfo
	frame []byte
}

type fakeTransport struct {
	mu   sync.Mutex
	fail map[proto.RouteType]bool
	sent []sentFrame
}

func (f *fakeTransport) Send(_ context.Context, route proto.RouteInfo, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[route.RouteType] {
		return errors.New("link down")
	}
	f.sent = append(f.sent, sentFrame{route: route, frame: append([]byte(nil), payload...)})
	return nil
}

func testConfig(mode proto.BalanceMode) *config.Config {
	cfg := config.Default()
	cfg.Routing.Mode = mode
	cfg.Routing.PerformanceWeight = 0.8
	cfg.Crypto.Key = base64.StdEncoding.EncodeToString([]byte("bridge test secret"))
	return cfg
}

func newTestBridge(t *testing.T, mode proto.BalanceMode, tr Transport) (*Service, *routing.Engine, *overlay.PrivacyOverlay) {
	t.Helper()
	cfg := testConfig(mode)
	engine := routing.NewEngine(cfg.Routing, nil)
	engine.AddRoute("peer-A", proto.RouteInfo{RouteType: proto.RouteDirect, Quality: proto.RouteQuality{LatencyMS: 30, BandwidthMbps: 150, Reliability: 0.98}})
	engine.AddRoute("peer-A", proto.RouteInfo{RouteType: proto.RouteTor, NextHop: "tor-1", Quality: proto.RouteQuality{LatencyMS: 320, BandwidthMbps: 8, Reliability: 0.75}})
	ov, err := overlay.NewPrivacyOverlay(cfg)
	require.NoError(t, err)
	t.Cleanup(ov.Close)
	return New(cfg, engine, ov, nil, WithTransport(tr)), engine, ov
}

func TestForwardUsesBestRoute(t *testing.T) {
	tr := &fakeTransport{}
	s, _, ov := newTestBridge(t, proto.ModeAdaptive, tr)

	err := s.Forward(context.Background(), relay.Packet{Target: "peer-A", Payload: []byte("user=alice&password=secret")})
	require.NoError(t, err)
	require.Len(t, tr.sent, 1)
	require.Equal(t, proto.RouteDirect, tr.sent[0].route.RouteType)

	got, err := ov.ProcessInbound(tr.sent[0].frame)
	require.NoError(t, err)
	require.Equal(t, "user=alice&password=secret", string(got))
}

func TestForwardFailsOverAndRetiresBrokenRoute(t *testing.T) {
	tr := &fakeTransport{fail: map[proto.RouteType]bool{proto.RouteDirect: true}}
	s, engine, _ := newTestBridge(t, proto.ModeBalanced, tr)

	for i := 0; i < config.DefaultMaxRouteFailures; i++ {
		require.NoError(t, s.Forward(context.Background(), relay.Packet{Target: "peer-A", Payload: []byte("hi")}))
	}
	require.Len(t, tr.sent, config.DefaultMaxRouteFailures)
	for _, f := range tr.sent {
		require.Equal(t, proto.RouteTor, f.route.RouteType)
	}

	routes := engine.Routes("peer-A")
	require.Len(t, routes, 1)
	require.Equal(t, proto.RouteTor, routes[0].RouteType)
}

func TestForwardReportsExhaustedRoutes(t *testing.T) {
	tr := &fakeTransport{fail: map[proto.RouteType]bool{proto.RouteDirect: true, proto.RouteTor: true}}
	s, _, _ := newTestBridge(t, proto.ModeBalanced, tr)

	err := s.Forward(context.Background(), relay.Packet{Target: "peer-A", Payload: []byte("hi")})
	require.ErrorIs(t, err, routing.ErrRouteEstablishmentFailed)
	require.Empty(t, tr.sent)

	err = s.Forward(context.Background(), relay.Packet{Target: "nobody", Payload: []byte("hi")})
	require.ErrorIs(t, err, routing.ErrNoRoutesAvailable)
}

func TestForwardRejectsOversizedPayloadWithoutPenalisingRoute(t *testing.T) {
	tr := &fakeTransport{}
	s, engine, _ := newTestBridge(t, proto.ModeAdaptive, tr)

	big := make([]byte, 50000)
	for i := 0; i < config.DefaultMaxRouteFailures+1; i++ {
		err := s.Forward(context.Background(), relay.Packet{Target: "peer-A", Payload: big})
		require.ErrorIs(t, err, ErrFrameTooLarge)
	}
	require.Empty(t, tr.sent)
	require.Len(t, engine.Routes("peer-A"), 2)

	err := s.Forward(context.Background(), relay.Packet{Target: "peer-A", Payload: make([]byte, 40000)})
	require.NoError(t, err)
	require.Len(t, tr.sent, 1)
	require.LessOrEqual(t, len(tr.sent[0].frame), maxDatagram)
}

func TestDeliverRejectsGarbage(t *testing.T) {
	s, _, _ := newTestBridge(t, proto.ModeBalanced, &fakeTransport{})
	_, err := s.Deliver(netip.AddrPort{}, []byte{1, 2})
	require.Error(t, err)
}

func TestUDPTransportSendsToNextHop(t *testing.T) {
	hop, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer hop.Close()
	out, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer out.Close()

	tr := &UDPTransport{Conn: out}
	route := proto.RouteInfo{RouteType: proto.RouteRelay, Target: "peer-A", NextHop: hop.LocalAddr().String()}
	require.NoError(t, tr.Send(context.Background(), route, []byte("frame")))

	buf := make([]byte, 64)
	require.NoError(t, hop.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := hop.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, "frame", string(buf[:n]))

	err = tr.Send(context.Background(), proto.RouteInfo{RouteType: proto.RouteDirect, Target: "not-an-address"}, []byte("x"))
	require.Error(t, err)
}

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := c.LocalAddr().String()
	require.NoError(t, c.Close())
	return addr
}

func TestRunEndToEnd(t *testing.T) {
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sink.Close()

	recvCfg := testConfig(proto.ModePerformance)
	recvCfg.Bridge.LocalAddr = freeUDPAddr(t)
	recvCfg.Bridge.DataAddr = freeUDPAddr(t)
	recvCfg.Bridge.SinkAddr = sink.LocalAddr().String()
	recvOv, err := overlay.NewPrivacyOverlay(recvCfg)
	require.NoError(t, err)
	defer recvOv.Close()
	receiver := New(recvCfg, routing.NewEngine(recvCfg.Routing, nil), recvOv, nil)

	sendCfg := testConfig(proto.ModePrivacy)
	sendCfg.Bridge.LocalAddr = freeUDPAddr(t)
	sendCfg.Bridge.DataAddr = freeUDPAddr(t)
	sendCfg.Bridge.SinkAddr = freeUDPAddr(t)
	sendOv, err := overlay.NewPrivacyOverlay(sendCfg)
	require.NoError(t, err)
	defer sendOv.Close()
	engine := routing.NewEngine(sendCfg.Routing, nil)
	peer := recvCfg.Bridge.DataAddr
	engine.AddRoute(peer, proto.RouteInfo{RouteType: proto.RouteDirect, Quality: routing.DefaultQuality(proto.RouteDirect)})
	sender := New(sendCfg, engine, sendOv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 2)
	go func() { errs <- receiver.Run(ctx) }()
	go func() { errs <- sender.Run(ctx) }()

	app, err := net.Dial("udp", sendCfg.Bridge.LocalAddr)
	require.NoError(t, err)
	defer app.Close()

	buf := make([]byte, 256)
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "payload never reached the sink")
		_, err := app.Write(relay.BuildDatagram(peer, []byte("hello through the overlay")))
		require.NoError(t, err)
		require.NoError(t, sink.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
		n, _, err := sink.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		require.Equal(t, "hello through the overlay", string(buf[:n]))
		break
	}

	cancel()
	for i := 0; i < 2; i++ {
		require.ErrorIs(t, <-errs, context.Canceled)
	}
}
