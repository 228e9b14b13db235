// Package capture reads pcap and pcapng files, reassembles their TCP
// connections and runs every connection through an HTTP session.
package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/gopacket/tcpassembly"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/burpheart/httpsift/internal/httpstream"
	"github.com/burpheart/httpsift/pkg/htp"
	"github.com/burpheart/httpsift/pkg/types"
)

const (
	// DefaultIdleTimeout is how long a connection may stay silent before
	// the assembler flushes it.
	DefaultIdleTimeout = 2 * time.Minute

	flushEvery = 1000

	pcapngMagic = 0x0A0D0D0A
)

// FileStats summarizes one processed capture.
type FileStats struct {
	File         string `json:"file"`
	Packets      int64  `json:"packets"`
	TCPPackets   int64  `json:"tcp_packets"`
	Connections  int64  `json:"connections"`
	Transactions int64  `json:"transactions"`
	Anomalies    int64  `json:"anomalies"`
	Gaps         int64  `json:"gaps"`
	TLS          int64  `json:"tls"`
}

// Processor turns capture files into HTTP sessions.
type Processor struct {
	serverPorts   map[uint16]bool
	engine        *htp.Config
	registry      *httpstream.MessageRegistry
	bodyLimit     int
	logger        *zap.Logger
	parserOptions func(host string) []httpstream.ParserOption
	onTransaction func(*httpstream.Exchange)
	idleTimeout   time.Duration
}

// Option configures a Processor.
type Option func(*Processor)

// WithServerPorts names the ports that identify the server side of a
// connection. Without them the side that sent the first segment is the
// client.
func WithServerPorts(ports ...uint16) Option {
	return func(p *Processor) {
		for _, port := range ports {
			p.serverPorts[port] = true
		}
	}
}

// WithEngineConfig sets the engine configuration shared by every session.
func WithEngineConfig(cfg *htp.Config) Option {
	return func(p *Processor) { p.engine = cfg }
}

// WithGRPCRegistry sets the registry used to decode gRPC payloads.
func WithGRPCRegistry(registry *httpstream.MessageRegistry) Option {
	return func(p *Processor) { p.registry = registry }
}

// WithBodyLimit caps the body bytes kept per transaction.
func WithBodyLimit(n int) Option {
	return func(p *Processor) { p.bodyLimit = n }
}

// WithLogger sets the operational logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithParserOptions adds per-connection session options, such as a
// session logger, computed from the server host.
func WithParserOptions(fn func(host string) []httpstream.ParserOption) Option {
	return func(p *Processor) { p.parserOptions = fn }
}

// WithOnTransaction registers a callback for every finished transaction.
// Files processed in parallel call it concurrently.
func WithOnTransaction(fn func(*httpstream.Exchange)) Option {
	return func(p *Processor) { p.onTransaction = fn }
}

// WithIdleTimeout sets how long a silent connection is kept open.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Processor) { p.idleTimeout = d }
}

// NewProcessor creates a Processor.
func NewProcessor(opts ...Option) *Processor {
	p := &Processor{
		serverPorts: make(map[uint16]bool),
		bodyLimit:   httpstream.DefaultBodyLimit,
		logger:      zap.NewNop(),
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// ProcessFiles processes several captures with at most workers running at
// once. Results are in the order of paths. The first failure cancels the
// files not yet started.
func (p *Processor) ProcessFiles(ctx context.Context, paths []string, workers int) ([]*FileStats, error) {
	if workers < 1 {
		workers = 1
	}
	results := make([]*FileStats, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			stats, err := p.ProcessFile(ctx, path)
			if err != nil {
				return err
			}
			results[i] = stats
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// ProcessFile processes one pcap or pcapng file.
func (p *Processor) ProcessFile(ctx context.Context, path string) (*FileStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open capture")
	}
	defer f.Close()
	return p.ProcessReader(ctx, path, f)
}

// packetSource is what pcapgo's two readers have in common.
type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

func openSource(r io.Reader) (packetSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, errors.Wrap(err, "read capture header")
	}
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, errors.Wrap(err, "open pcapng")
		}
		return ng, nil
	}
	rd, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, errors.Wrap(err, "open pcap")
	}
	return rd, nil
}

// ProcessReader processes a capture read from r. name labels the stats
// and log lines.
func (p *Processor) ProcessReader(ctx context.Context, name string, r io.Reader) (*FileStats, error) {
	src, err := openSource(r)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}

	stats := &FileStats{File: name}
	log := p.logger.With(zap.String("file", name))
	factory := newStreamFactory(p, stats, log)
	assembler := tcpassembly.NewAssembler(tcpassembly.NewStreamPool(factory))

	var last time.Time
	for {
		if err := ctx.Err(); err != nil {
			factory.closeAll(last)
			return stats, err
		}

		data, ci, err := src.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A truncated capture still yields what was read so far.
			log.Warn("read packet", zap.Error(err))
			break
		}
		stats.Packets++
		last = ci.Timestamp

		packet := gopacket.NewPacket(data, src.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		network := packet.NetworkLayer()
		if network == nil {
			continue
		}
		tcp, ok := packet.TransportLayer().(*layers.TCP)
		if !ok {
			continue
		}
		stats.TCPPackets++
		assembler.AssembleWithTimestamp(network.NetworkFlow(), tcp, ci.Timestamp)

		if stats.Packets%flushEvery == 0 && p.idleTimeout > 0 {
			assembler.FlushOlderThan(ci.Timestamp.Add(-p.idleTimeout))
		}
	}

	assembler.FlushAll()
	factory.closeAll(last)

	log.Info("capture processed",
		zap.Int64("packets", stats.Packets),
		zap.Int64("connections", stats.Connections),
		zap.Int64("transactions", stats.Transactions),
		zap.Int64("anomalies", stats.Anomalies),
		zap.Int64("gaps", stats.Gaps))
	return stats, nil
}

var directions = [2]types.Direction{types.ClientToServer, types.ServerToClient}

// directionOf returns 0 when key runs client to server and 1 otherwise.
func directionOf(client, key flowKey) int {
	if client == key {
		return 0
	}
	return 1
}

func port(e gopacket.Endpoint) uint16 {
	raw := e.Raw()
	if len(raw) != 2 {
		return 0
	}
	return binary.BigEndian.Uint16(raw)
}

// flowKey identifies a connection oriented client to server.
type flowKey struct {
	net, tcp gopacket.Flow
}

func (k flowKey) reverse() flowKey {
	return flowKey{k.net.Reverse(), k.tcp.Reverse()}
}

// connection pairs the two halves of a TCP connection with one session.
type connection struct {
	key    flowKey
	parser *httpstream.Parser
	fed    [2]bool
	done   [2]bool
	last   time.Time
}

// streamFactory hands the assembler one halfStream per direction. The
// assembler runs on a single goroutine; the mutex covers closeAll from a
// cancelled ProcessReader.
type streamFactory struct {
	proc  *Processor
	stats *FileStats
	log   *zap.Logger

	mu    sync.Mutex
	conns map[flowKey]*connection
}

func newStreamFactory(proc *Processor, stats *FileStats, log *zap.Logger) *streamFactory {
	return &streamFactory{
		proc:  proc,
		stats: stats,
		log:   log,
		conns: make(map[flowKey]*connection),
	}
}

// New implements tcpassembly.StreamFactory.
func (f *streamFactory) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := flowKey{netFlow, tcpFlow}
	if conn, ok := f.conns[key.reverse()]; ok {
		return &halfStream{factory: f, conn: conn, dir: directionOf(conn.key, key)}
	}
	if conn, ok := f.conns[key]; ok {
		return &halfStream{factory: f, conn: conn, dir: directionOf(conn.key, key)}
	}

	clientKey := key
	src, dst := port(tcpFlow.Src()), port(tcpFlow.Dst())
	if f.proc.serverPorts[src] && !f.proc.serverPorts[dst] {
		clientKey = key.reverse()
	}
	conn := f.open(clientKey)
	f.conns[clientKey] = conn
	return &halfStream{factory: f, conn: conn, dir: directionOf(clientKey, key)}
}

func (f *streamFactory) open(key flowKey) *connection {
	clientAddr, serverAddr := key.net.Src().String(), key.net.Dst().String()
	clientPort, serverPort := int(port(key.tcp.Src())), int(port(key.tcp.Dst()))
	host := net.JoinHostPort(serverAddr, strconv.Itoa(serverPort))

	f.stats.Connections++
	opts := []httpstream.ParserOption{
		httpstream.WithEndpoints(clientAddr, clientPort, serverAddr, serverPort),
		httpstream.WithBodyLimit(f.proc.bodyLimit),
		httpstream.WithOnTransaction(f.transaction),
	}
	if f.proc.engine != nil {
		opts = append(opts, httpstream.WithEngineConfig(f.proc.engine))
	}
	if f.proc.registry != nil {
		opts = append(opts, httpstream.WithGRPCRegistry(f.proc.registry))
	}
	if f.proc.parserOptions != nil {
		opts = append(opts, f.proc.parserOptions(host)...)
	}

	f.log.Debug("connection",
		zap.String("client", net.JoinHostPort(clientAddr, strconv.Itoa(clientPort))),
		zap.String("server", host))
	return &connection{key: key, parser: httpstream.NewParser(host, opts...)}
}

// transaction runs on the assembler goroutine.
func (f *streamFactory) transaction(ex *httpstream.Exchange) {
	f.stats.Transactions++
	if ex.Tx.Flags != 0 {
		f.stats.Anomalies++
	}
	if f.proc.onTransaction != nil {
		f.proc.onTransaction(ex)
	}
}

// finish closes the session once both halves are done.
func (f *streamFactory) finish(conn *connection) {
	if !conn.done[0] || !conn.done[1] {
		return
	}
	f.close(conn)
}

func (f *streamFactory) close(conn *connection) {
	f.mu.Lock()
	if _, ok := f.conns[conn.key]; !ok {
		f.mu.Unlock()
		return
	}
	delete(f.conns, conn.key)
	f.mu.Unlock()

	conn.parser.Close(conn.last)
	if tls, sni := conn.parser.TLS(); tls {
		f.stats.TLS++
		f.log.Debug("tls connection not parsed", zap.String("host", conn.parser.Host()), zap.String("sni", sni))
	}
}

// closeAll closes the sessions whose halves never completed.
func (f *streamFactory) closeAll(ts time.Time) {
	f.mu.Lock()
	open := make([]*connection, 0, len(f.conns))
	for _, conn := range f.conns {
		open = append(open, conn)
	}
	f.mu.Unlock()

	for _, conn := range open {
		if conn.last.IsZero() {
			conn.last = ts
		}
		f.close(conn)
	}
}

// halfStream is one direction of a connection.
type halfStream struct {
	factory *streamFactory
	conn    *connection
	dir     int
}

// Reassembled implements tcpassembly.Stream.
func (s *halfStream) Reassembled(reassemblies []tcpassembly.Reassembly) {
	conn := s.conn
	dir := directions[s.dir]
	for _, r := range reassemblies {
		if conn.done[s.dir] {
			return
		}
		if r.Seen.After(conn.last) {
			conn.last = r.Seen
		}
		if r.Skip != 0 && conn.fed[s.dir] {
			// Bytes are missing mid-stream; nothing after them can be
			// framed reliably.
			s.factory.stats.Gaps++
			s.factory.log.Debug("gap in stream",
				zap.String("host", conn.parser.Host()),
				zap.Stringer("direction", dir),
				zap.Int("skipped", r.Skip))
			s.gap()
			return
		}
		if len(r.Bytes) == 0 {
			continue
		}
		conn.fed[s.dir] = true
		conn.parser.Feed(dir, r.Seen, r.Bytes)
	}
}

// ReassemblyComplete implements tcpassembly.Stream.
func (s *halfStream) ReassemblyComplete() {
	s.end()
}

func (s *halfStream) end() {
	if s.conn.done[s.dir] {
		return
	}
	s.conn.done[s.dir] = true
	s.conn.parser.End(directions[s.dir], s.conn.last)
	s.factory.finish(s.conn)
}

func (s *halfStream) gap() {
	if s.conn.done[s.dir] {
		return
	}
	s.conn.done[s.dir] = true
	s.conn.parser.Gap(directions[s.dir], s.conn.last)
	s.factory.finish(s.conn)
}
