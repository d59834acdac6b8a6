package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/user/auraphone-msgstream/logger"
	"github.com/user/auraphone-msgstream/metrics"
	"github.com/user/auraphone-msgstream/util"
	"github.com/user/auraphone-msgstream/wire/debug"
)

const (
	// FirstDynamicChannel is the first channel id handed to a link
	FirstDynamicChannel uint16 = 0x0040

	// DefaultReadChunk is how much one socket read asks for
	DefaultReadChunk = 512

	handshakeTimeout = 5 * time.Second
	maxIdentityLen   = 256
)

var (
	ErrStopped      = errors.New("wire: transport stopped")
	ErrLinkRejected = errors.New("wire: link rejected")
	ErrNoLink       = errors.New("wire: no link for peer")
)

// LinkEvents receives transport events. Every call is made from the
// transport's event loop, one at a time.
type LinkEvents interface {
	ConnectIndication(peer string) bool
	ConnectConfirm(peer string, channelID uint16, sink io.Writer, ok bool)
	LocalConnect(peer string) error
	LocalConnectConfirm(peer string, channelID uint16, sink io.Writer, ok bool)
	DataDelivered(peer string, buf []byte) int
	DisconnectIndication(peer string)
	DisconnectConfirm(peer string)
}

// Options configures a SocketWire
type Options struct {
	SocketPath string
	ReadChunk  int
	DebugLog   bool
}

// link is one open seeker connection
type link struct {
	peer       string
	channelID  uint16
	conn       net.Conn
	outbound   bool
	pending    []byte // unconsumed tail, touched only on the loop
	localClose bool   // guarded by SocketWire.mu
}

// linkSink writes whole frames onto a link
type linkSink struct {
	sw *SocketWire
	l  *link
}

func (s *linkSink) Write(p []byte) (int, error) {
	n, err := s.l.conn.Write(p)
	if n > 0 {
		metrics.LinkBytesTotal.WithLabelValues("tx").Add(float64(n))
		s.sw.debug.LogFrames("tx", s.l.peer, s.l.channelID, p[:n])
	}
	return n, err
}

// SocketWire carries message stream links over a Unix domain socket.
//
// Seekers connect and identify themselves with a uint32 big-endian length
// followed by their identity. An accepted link is answered with its
// uint16 big-endian channel id; a refused one is closed.
type SocketWire struct {
	localID    string
	prefix     string
	socketPath string
	readChunk  int
	events     LinkEvents
	debug      *debug.DebugLogger

	listener net.Listener

	mu          sync.Mutex
	links       map[string]*link // peer -> link
	channels    map[uint16]*link
	conns       map[net.Conn]struct{}
	nextChannel uint16

	// Event loop
	loop     chan func()
	loopDone chan struct{}
	loopWG   sync.WaitGroup

	// Graceful shutdown
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSocketWire creates a transport for localID that reports to events
func NewSocketWire(localID string, events LinkEvents, opts Options) *SocketWire {
	if opts.SocketPath == "" {
		opts.SocketPath = util.DefaultSocketPath(localID)
	}
	if opts.ReadChunk <= 0 {
		opts.ReadChunk = DefaultReadChunk
	}

	return &SocketWire{
		localID:     localID,
		prefix:      fmt.Sprintf("%s wire", util.ShortID(localID)),
		socketPath:  opts.SocketPath,
		readChunk:   opts.ReadChunk,
		events:      events,
		debug:       debug.NewDebugLogger(localID, opts.DebugLog),
		links:       make(map[string]*link),
		channels:    make(map[uint16]*link),
		conns:       make(map[net.Conn]struct{}),
		nextChannel: FirstDynamicChannel,
		loop:        make(chan func()),
		loopDone:    make(chan struct{}),
		quit:        make(chan struct{}),
	}
}

// SocketPath returns the listening socket path
func (sw *SocketWire) SocketPath() string {
	return sw.socketPath
}

// Start creates the listener and starts the event loop
func (sw *SocketWire) Start() error {
	// Remove old socket if it exists
	os.Remove(sw.socketPath)

	listener, err := net.Listen("unix", sw.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create socket listener: %w", err)
	}
	sw.listener = listener

	sw.loopWG.Add(1)
	go sw.runLoop()

	sw.wg.Add(1)
	go sw.acceptLoop()

	logger.Info(sw.prefix, "🔌 Socket listener created at %s", sw.socketPath)
	sw.debug.LogConnectionEvent(debug.ConnectionEvent{Event: "socket_created", Path: sw.socketPath})
	return nil
}

// Do runs fn on the event loop and waits for it. It must not be called
// from the loop itself.
func (sw *SocketWire) Do(fn func()) error {
	done := make(chan struct{})
	select {
	case sw.loop <- func() {
		defer close(done)
		fn()
	}:
	case <-sw.loopDone:
		return ErrStopped
	}
	<-done
	return nil
}

func (sw *SocketWire) runLoop() {
	defer sw.loopWG.Done()
	for {
		select {
		case fn := <-sw.loop:
			fn()
		case <-sw.loopDone:
			return
		}
	}
}

// track registers conn for shutdown; false once Stop has begun
func (sw *SocketWire) track(conn net.Conn) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	select {
	case <-sw.quit:
		return false
	default:
	}
	sw.conns[conn] = struct{}{}
	sw.wg.Add(1)
	return true
}

func (sw *SocketWire) release(conn net.Conn) {
	conn.Close()
	sw.mu.Lock()
	delete(sw.conns, conn)
	sw.mu.Unlock()
	sw.wg.Done()
}

// acceptLoop accepts incoming seeker connections
func (sw *SocketWire) acceptLoop() {
	defer sw.wg.Done()

	for {
		conn, err := sw.listener.Accept()
		if err != nil {
			select {
			case <-sw.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn(sw.prefix, "Accept error: %v", err)
			continue
		}

		if !sw.track(conn) {
			conn.Close()
			continue
		}
		go sw.handleConnection(conn)
	}
}

// handleConnection runs one incoming link from handshake to close
func (sw *SocketWire) handleConnection(conn net.Conn) {
	defer sw.release(conn)

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	peer, err := readHandshake(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		logger.Warn(sw.prefix, "Handshake failed: %v", err)
		sw.debug.LogConnectionEvent(debug.ConnectionEvent{Event: "handshake_failed", Error: err.Error()})
		return
	}

	var (
		l      *link
		reason string
	)
	if err := sw.Do(func() {
		if sw.hasLink(peer) {
			reason = "duplicate link"
			return
		}
		if !sw.events.ConnectIndication(peer) {
			reason = "refused"
			return
		}
		l = sw.register(peer, conn, false)
	}); err != nil {
		return
	}
	if l == nil {
		logger.Warn(sw.prefix, "🚫 Link from %s rejected: %s", util.ShortID(peer), reason)
		sw.debug.LogConnectionEvent(debug.ConnectionEvent{Event: "link_rejected", PeerID: peer, Error: reason})
		return
	}

	// Tell the seeker which channel it got
	werr := binary.Write(conn, binary.BigEndian, l.channelID)
	if err := sw.Do(func() {
		sw.events.ConnectConfirm(peer, l.channelID, &linkSink{sw: sw, l: l}, werr == nil)
	}); err != nil || werr != nil {
		sw.unregister(l)
		return
	}

	logger.Debug(sw.prefix, "📞 Accepted link from %s on channel 0x%04X", util.ShortID(peer), l.channelID)
	sw.readLoop(l)
	sw.closed(l)
}

// Connect opens an outbound link to the transport listening at socketPath
func (sw *SocketWire) Connect(peer, socketPath string) error {
	var lerr error
	if err := sw.Do(func() {
		if sw.hasLink(peer) {
			lerr = fmt.Errorf("already linked to %s", util.ShortID(peer))
			return
		}
		lerr = sw.events.LocalConnect(peer)
	}); err != nil {
		return err
	}
	if lerr != nil {
		return lerr
	}

	conn, err := dialAndHandshake(socketPath, sw.localID)
	if err == nil && !sw.track(conn) {
		conn.Close()
		err = ErrStopped
	}
	if err != nil {
		sw.Do(func() { sw.events.LocalConnectConfirm(peer, 0, nil, false) })
		return fmt.Errorf("failed to connect to %s: %w", util.ShortID(peer), err)
	}

	var l *link
	if err := sw.Do(func() {
		l = sw.register(peer, conn, true)
		sw.events.LocalConnectConfirm(peer, l.channelID, &linkSink{sw: sw, l: l}, true)
	}); err != nil {
		sw.release(conn)
		return err
	}

	logger.Info(sw.prefix, "✅ Connected to %s on channel 0x%04X", util.ShortID(peer), l.channelID)
	go func() {
		defer sw.release(conn)
		sw.readLoop(l)
		sw.closed(l)
	}()
	return nil
}

// readLoop feeds socket reads to the engine until the link closes
func (sw *SocketWire) readLoop(l *link) {
	buf := make([]byte, sw.readChunk)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			metrics.LinkBytesTotal.WithLabelValues("rx").Add(float64(n))
			chunk := buf[:n]
			if derr := sw.Do(func() { sw.deliver(l, chunk) }); derr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Trace(sw.prefix, "Read error from %s: %v", util.ShortID(l.peer), err)
			}
			return
		}
	}
}

// deliver appends chunk to the link's tail and drops what the engine consumed
func (sw *SocketWire) deliver(l *link, chunk []byte) {
	l.pending = append(l.pending, chunk...)

	n := sw.events.DataDelivered(l.peer, l.pending)
	if n > len(l.pending) {
		n = len(l.pending)
	}
	sw.debug.LogFrames("rx", l.peer, l.channelID, l.pending[:n])
	l.pending = append(l.pending[:0], l.pending[n:]...)
}

// closed reports the end of a link; undrained bytes are discarded
func (sw *SocketWire) closed(l *link) {
	local := sw.unregister(l)

	if len(l.pending) > 0 {
		logger.Debug(sw.prefix, "Discarding %d undrained bytes from %s", len(l.pending), util.ShortID(l.peer))
	}
	sw.debug.LogConnectionEvent(debug.ConnectionEvent{
		Event:     "link_closed",
		PeerID:    l.peer,
		ChannelID: l.channelID,
		Details:   map[string]string{"local": fmt.Sprint(local)},
	})

	sw.Do(func() {
		l.pending = nil
		if local {
			sw.events.DisconnectConfirm(l.peer)
		} else {
			sw.events.DisconnectIndication(l.peer)
		}
	})
	logger.Debug(sw.prefix, "🔌 Link closed from %s", util.ShortID(l.peer))
}

func (sw *SocketWire) hasLink(peer string) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	_, ok := sw.links[peer]
	return ok
}

// register allocates a channel id for a new link
func (sw *SocketWire) register(peer string, conn net.Conn, outbound bool) *link {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	var ch uint16
	for {
		ch = sw.nextChannel
		sw.nextChannel++
		if sw.nextChannel < FirstDynamicChannel {
			sw.nextChannel = FirstDynamicChannel
		}
		if _, used := sw.channels[ch]; !used {
			break
		}
	}

	l := &link{peer: peer, channelID: ch, conn: conn, outbound: outbound}
	sw.links[peer] = l
	sw.channels[ch] = l
	metrics.LinksActive.Inc()

	sw.debug.LogConnectionEvent(debug.ConnectionEvent{
		Event:     "link_accepted",
		PeerID:    peer,
		ChannelID: ch,
		Details:   map[string]string{"outbound": fmt.Sprint(outbound)},
	})
	return l
}

// unregister forgets l and reports whether its close was requested locally
func (sw *SocketWire) unregister(l *link) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.links[l.peer] == l {
		delete(sw.links, l.peer)
		delete(sw.channels, l.channelID)
		metrics.LinksActive.Dec()
	}
	return l.localClose
}

// SinkForChannel returns the writer of an open link
func (sw *SocketWire) SinkForChannel(channelID uint16) (io.Writer, bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	l, ok := sw.channels[channelID]
	if !ok {
		return nil, false
	}
	return &linkSink{sw: sw, l: l}, true
}

// Disconnect closes peer's link. The close is reported later through
// DisconnectConfirm.
func (sw *SocketWire) Disconnect(peer string) error {
	sw.mu.Lock()
	l, ok := sw.links[peer]
	if ok {
		l.localClose = true
	}
	sw.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoLink, util.ShortID(peer))
	}

	logger.Debug(sw.prefix, "🔌 Closing link to %s", util.ShortID(peer))
	return l.conn.Close()
}

// Peers lists peers with an open link
func (sw *SocketWire) Peers() []string {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	peers := make([]string, 0, len(sw.links))
	for p := range sw.links {
		peers = append(peers, p)
	}
	return peers
}

// Stop closes the listener and every link, waits for the close events to
// reach the engine, then stops the loop. It must not be called from the loop.
func (sw *SocketWire) Stop() error {
	var err error
	sw.stopOnce.Do(func() {
		sw.mu.Lock()
		close(sw.quit)
		conns := make([]net.Conn, 0, len(sw.conns))
		for c := range sw.conns {
			conns = append(conns, c)
		}
		for _, l := range sw.links {
			l.localClose = true
		}
		sw.mu.Unlock()

		if sw.listener != nil {
			err = multierr.Append(err, sw.listener.Close())
		}
		for _, c := range conns {
			if cerr := c.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = multierr.Append(err, cerr)
			}
		}

		sw.wg.Wait()
		close(sw.loopDone)
		sw.loopWG.Wait()

		if rerr := os.Remove(sw.socketPath); rerr != nil && !os.IsNotExist(rerr) {
			err = multierr.Append(err, rerr)
		}
		logger.Info(sw.prefix, "🛑 Transport stopped")
	})
	return err
}

// ─── Handshake ───

func writeHandshake(w io.Writer, identity string) error {
	b := []byte(identity)
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return fmt.Errorf("failed to send identity length: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("failed to send identity: %w", err)
	}
	return nil
}

func readHandshake(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", fmt.Errorf("failed to read identity length: %w", err)
	}
	if n == 0 || n > maxIdentityLen {
		return "", fmt.Errorf("identity length %d out of range", n)
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("failed to read identity: %w", err)
	}

	id, err := uuid.Parse(string(b))
	if err != nil {
		return "", fmt.Errorf("identity %q: %w", b, err)
	}
	return id.String(), nil
}

func readChannelID(r io.Reader) (uint16, error) {
	var ch uint16
	if err := binary.Read(r, binary.BigEndian, &ch); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrLinkRejected
		}
		return 0, fmt.Errorf("failed to read channel id: %w", err)
	}
	return ch, nil
}

// dialAndHandshake connects to socketPath as identity and waits for the
// channel id
func dialAndHandshake(socketPath, identity string) (net.Conn, error) {
	conn, err := net.DialTimeout("unix", socketPath, handshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", socketPath, err)
	}
	if err := writeHandshake(conn, identity); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if _, err := readChannelID(conn); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}
