// Package bridge is the node's data plane. Local applications send datagrams
// framed as "target\npayload"; the bridge picks a route, applies the privacy
// overlay and hands the result to the transport. Overlay frames arriving on
// the data socket are reversed and delivered to the local sink.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"privacyroute/pkg/config"
	plog "privacyroute/pkg/logging"
	"privacyroute/pkg/overlay"
	"privacyroute/pkg/proto"
	"privacyroute/pkg/relay"
	"privacyroute/pkg/routing"
)

const (
	// maxDatagram is the largest UDP payload over IPv4.
	maxDatagram = 65507
	logEvery    = 20
)

// ErrOverlay marks a payload the overlay refused to transform. Such a payload
// is dropped rather than sent unprotected, and it does not count as a route
// failure.
var ErrOverlay = errors.New("overlay failed")

// ErrFrameTooLarge marks a payload whose padded frame cannot fit one datagram.
// Like ErrOverlay it is a local condition and does not count against a route.
var ErrFrameTooLarge = errors.New("frame exceeds datagram size")

// Transport carries an overlay frame along route.
type Transport interface {
	Send(ctx context.Context, route proto.RouteInfo, payload []byte) error
}

// UDPTransport writes frames to the route's next hop, or to the target itself
// for Direct routes. Both must be host:port addresses.
type UDPTransport struct {
	Conn *net.UDPConn
}

func (t *UDPTransport) Send(ctx context.Context, route proto.RouteInfo, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := route.NextHop
	if route.RouteType == proto.RouteDirect || addr == "" {
		addr = route.Target
	}
	dst, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s route addr %q: %w", route.RouteType, addr, err)
	}
	if _, err := t.Conn.WriteToUDP(payload, dst); err != nil {
		return fmt.Errorf("send via %s to %s: %w", route.RouteType, dst, err)
	}
	return nil
}

type Option func(*Service)

func WithTransport(t Transport) Option {
	return func(s *Service) { s.transport = t }
}

type Service struct {
	localAddr string
	dataAddr  string
	sinkAddr  string
	buckets   []int
	engine    *routing.Engine
	overlay   *overlay.PrivacyOverlay
	transport Transport
	log       *logging.Logger

	localConn *net.UDPConn
	dataConn  *net.UDPConn

	uplinkCount   atomic.Uint64
	downlinkCount atomic.Uint64
}

func New(cfg *config.Config, engine *routing.Engine, ov *overlay.PrivacyOverlay, backend *plog.Backend, opts ...Option) *Service {
	if backend == nil {
		backend = plog.Discard()
	}
	s := &Service{
		localAddr: cfg.Bridge.LocalAddr,
		dataAddr:  cfg.Bridge.DataAddr,
		sinkAddr:  cfg.Bridge.SinkAddr,
		buckets:   append([]int(nil), cfg.Overlay.PaddingBuckets...),
		engine:    engine,
		overlay:   ov,
		log:       backend.GetLogger("bridge"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Run(ctx context.Context) error {
	localConn, err := listenUDP(s.localAddr)
	if err != nil {
		return fmt.Errorf("listen bridge local addr: %w", err)
	}
	dataConn, err := listenUDP(s.dataAddr)
	if err != nil {
		_ = localConn.Close()
		return fmt.Errorf("listen bridge data addr: %w", err)
	}
	s.localConn, s.dataConn = localConn, dataConn
	if s.transport == nil {
		s.transport = &UDPTransport{Conn: dataConn}
	}
	sink, err := net.ResolveUDPAddr("udp", s.sinkAddr)
	if err != nil {
		_ = localConn.Close()
		_ = dataConn.Close()
		return fmt.Errorf("resolve bridge sink addr: %w", err)
	}
	s.log.Noticef("bridge listening local=%s data=%s sink=%s", localConn.LocalAddr(), dataConn.LocalAddr(), sink)

	errCh := make(chan error, 2)
	go s.serveLocal(ctx, localConn, errCh)
	go s.serveData(dataConn, sink, errCh)

	select {
	case <-ctx.Done():
		_ = localConn.Close()
		_ = dataConn.Close()
		return ctx.Err()
	case err := <-errCh:
		_ = localConn.Close()
		_ = dataConn.Close()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	}
}

func listenUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", udpAddr)
}

func (s *Service) serveLocal(ctx context.Context, conn *net.UDPConn, errCh chan<- error) {
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			errCh <- err
			return
		}
		pkt, err := relay.ParsePacket(src, append([]byte(nil), buf[:n]...))
		if err != nil {
			s.log.Debugf("bridge dropped local datagram src=%s reason=invalid-frame", src)
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = s.Forward(sendCtx, pkt)
		cancel()
		if err != nil {
			s.log.Warningf("bridge forward failed src=%s target=%s err=%v", src, pkt.Target, err)
			continue
		}
		if n := s.uplinkCount.Add(1); n%logEvery == 0 {
			s.log.Infof("bridge uplink forwarded packets=%d", n)
		}
	}
}

func (s *Service) serveData(conn *net.UDPConn, sink *net.UDPAddr, errCh chan<- error) {
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			errCh <- err
			return
		}
		payload, err := s.Deliver(src, buf[:n])
		if err != nil {
			continue
		}
		if _, err := conn.WriteToUDP(payload, sink); err != nil {
			s.log.Warningf("bridge sink write failed sink=%s err=%v", sink, err)
			continue
		}
		if n := s.downlinkCount.Add(1); n%logEvery == 0 {
			s.log.Infof("bridge downlink delivered packets=%d", n)
		}
	}
}

// Forward sends pkt over the best route to its target. A failed send is
// reported to the engine and retried once on the failover route. A payload
// the overlay cannot protect is never sent.
func (s *Service) Forward(ctx context.Context, pkt relay.Packet) error {
	target := strings.TrimSpace(pkt.Target)
	// The overlay header adds at least two bytes before padding.
	if size := relay.PaddedSize(len(pkt.Payload)+2, s.buckets); size > maxDatagram {
		return fmt.Errorf("%w: payload=%d frame=%d", ErrFrameTooLarge, len(pkt.Payload), size)
	}
	route, err := s.engine.SelectBestRoute(target)
	if err != nil {
		return err
	}
	sendErr := s.send(ctx, route, pkt.Payload)
	if sendErr == nil {
		return nil
	}
	if errors.Is(sendErr, ErrOverlay) || errors.Is(sendErr, ErrFrameTooLarge) {
		return sendErr
	}
	s.log.Warningf("bridge send failed target=%s type=%s err=%v", target, route.RouteType, sendErr)
	s.engine.ReportFailure(target, route.RouteType)

	alt, err := s.engine.Failover(target, route.RouteType)
	if err != nil {
		return fmt.Errorf("%w (after send error: %v)", err, sendErr)
	}
	if err := s.send(ctx, alt, pkt.Payload); err != nil {
		if errors.Is(err, ErrOverlay) || errors.Is(err, ErrFrameTooLarge) {
			return err
		}
		s.engine.ReportFailure(target, alt.RouteType)
		return fmt.Errorf("%w: failover send via %s: %w", routing.ErrRouteEstablishmentFailed, alt.RouteType, err)
	}
	return nil
}

func (s *Service) send(ctx context.Context, route proto.RouteInfo, payload []byte) error {
	frame, err := s.overlay.ProcessOutboundForRoute(payload, route)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOverlay, err)
	}
	if len(frame) > maxDatagram {
		return fmt.Errorf("%w: frame=%d", ErrFrameTooLarge, len(frame))
	}
	if err := s.transport.Send(ctx, route, frame); err != nil {
		return err
	}
	s.engine.ReportSuccess(route.Target, route.RouteType)
	s.log.Debugf("bridge sent target=%s type=%s bytes=%d frame=%d", route.Target, route.RouteType, len(payload), len(frame))
	return nil
}

// Deliver reverses the overlay on a frame received from src.
func (s *Service) Deliver(src netip.AddrPort, frame []byte) ([]byte, error) {
	payload, err := s.overlay.ProcessInbound(frame)
	if err != nil {
		s.log.Debugf("bridge dropped inbound frame src=%s len=%d err=%v", src, len(frame), err)
		return nil, err
	}
	return payload, nil
}
