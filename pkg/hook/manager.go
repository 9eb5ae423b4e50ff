package hook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// ErrNotConnected is returned when a reply targets a pid that has no known
// socket address.
var ErrNotConnected = errors.New("process not connected")

// shardQueueSize bounds the per-worker backlog of undispatched messages.
const shardQueueSize = 1024

// Manager is the socket engine: it listens on a unix DGRAM socket for events
// from hook modules injected with Injector and writes replies back to the
// address each process connected from.
//
// A single goroutine reads datagrams and routes them to a pool of workers
// sharded by pid, so events of one process are handled in order while
// different processes are handled in parallel.
type Manager struct {
	socketPath string
	injector   *Injector
	logger     *zap.Logger
	numWorkers int

	handler Handler
	conn    *net.UnixConn
	peers   sync.Map // uint32 pid -> *net.UnixAddr
	shards  []chan inbound

	wg       sync.WaitGroup
	injectWG sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

type inbound struct {
	msg  *Message
	from *net.UnixAddr
}

var _ Engine = (*Manager)(nil)

// NewManager creates a new socket engine.
func NewManager(socketPath string, injector *Injector, logger *zap.Logger) *Manager {
	// Use at least 2 workers, up to GOMAXPROCS
	workers := runtime.GOMAXPROCS(0)
	if workers < 2 {
		workers = 2
	}
	if workers > 8 {
		workers = 8
	}

	return &Manager{
		socketPath: socketPath,
		injector:   injector,
		logger:     logger,
		numWorkers: workers,
		stopCh:     make(chan struct{}),
	}
}

// Start begins listening for hook events and dispatching them to h.
func (m *Manager) Start(ctx context.Context, h Handler) error {
	if h == nil {
		return fmt.Errorf("hook handler is nil")
	}
	m.handler = h

	// Ensure socket directory exists
	dir := filepath.Dir(m.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	// Remove stale socket
	os.Remove(m.socketPath)

	addr := &net.UnixAddr{Name: m.socketPath, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("listen unix: %w", err)
	}
	m.conn = conn

	conn.SetReadBuffer(4 * 1024 * 1024) // 4MB

	// Injected processes may run as other users
	os.Chmod(m.socketPath, 0777)

	m.startWorkers()

	m.wg.Add(1)
	go m.readLoop(ctx)

	m.logger.Info("hook socket listening",
		zap.String("socket", m.socketPath),
		zap.Int("workers", m.numWorkers),
	)
	return nil
}

// Stop shuts down the socket engine. Pending injections are waited for.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.conn != nil {
			m.conn.Close()
		}
	})
	m.wg.Wait()
	m.injectWG.Wait()
	if m.conn != nil {
		os.Remove(m.socketPath)
	}
	return nil
}

// Name returns "socket".
func (m *Manager) Name() string {
	return "socket"
}

// Inject attaches the hook library to pid in the background. Failures are
// logged; a successful attach shows up later as a CONNECT message.
func (m *Manager) Inject(pid uint32, basePath string) error {
	if m.injector == nil {
		return fmt.Errorf("no injector configured")
	}

	m.injectWG.Add(1)
	go func() {
		defer m.injectWG.Done()
		if err := m.injector.AttachProcess(int(pid), basePath); err != nil {
			m.logger.Warn("inject failed", zap.Uint32("pid", pid), zap.Error(err))
		}
	}()
	return nil
}

// ApplyEmbedSettings sends EMBED_SETTINGS to pid.
func (m *Manager) ApplyEmbedSettings(pid uint32, s EmbedSettings) error {
	return m.send(MsgEmbedSettings, HookContext{PID: pid}, EncodeSettings(s))
}

// EnableEmbedding sends USE_EMBED for hc.
func (m *Manager) EnableEmbedding(hc HookContext, enabled bool) error {
	payload := []byte{0}
	if enabled {
		payload[0] = 1
	}
	return m.send(MsgUseEmbed, hc, payload)
}

// DeliverTranslation sends EMBED_REPLY for hc.
func (m *Manager) DeliverTranslation(hc HookContext, text, translation string) error {
	return m.send(MsgEmbedReply, hc, EncodeReply(text, translation))
}

func (m *Manager) send(msgType uint8, hc HookContext, payload []byte) error {
	v, ok := m.peers.Load(hc.PID)
	if !ok {
		return fmt.Errorf("%s to pid %d: %w", MsgTypeName(msgType), hc.PID, ErrNotConnected)
	}

	buf, err := EncodeMessage(msgType, hc, payload)
	if err != nil {
		return fmt.Errorf("%s to pid %d: %w", MsgTypeName(msgType), hc.PID, err)
	}

	if _, err := m.conn.WriteToUnix(buf, v.(*net.UnixAddr)); err != nil {
		return fmt.Errorf("%s to pid %d: %w", MsgTypeName(msgType), hc.PID, err)
	}
	return nil
}

func (m *Manager) startWorkers() {
	m.shards = make([]chan inbound, m.numWorkers)
	for i := range m.shards {
		m.shards[i] = make(chan inbound, shardQueueSize)
		m.wg.Add(1)
		go m.worker(m.shards[i])
	}
}

func (m *Manager) readLoop(ctx context.Context) {
	defer m.wg.Done()

	buf := make([]byte, HeaderSize+MaxPayload)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		n, from, err := m.conn.ReadFromUnix(buf)
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				m.logger.Debug("read error", zap.Error(err))
				continue
			}
		}

		if n < HeaderSize {
			m.logger.Debug("message too short", zap.Int("size", n))
			continue
		}

		msg, err := ParseMessage(buf[:n])
		if err != nil {
			m.logger.Debug("parse error", zap.Error(err))
			continue
		}

		m.route(msg, from)
	}
}

// route hands msg to the worker owning its pid.
func (m *Manager) route(msg *Message, from *net.UnixAddr) {
	shard := m.shards[msg.Header.PID%uint32(len(m.shards))]
	select {
	case shard <- inbound{msg: msg, from: from}:
	case <-m.stopCh:
	}
}

func (m *Manager) worker(queue <-chan inbound) {
	defer m.wg.Done()

	for {
		select {
		case in := <-queue:
			m.dispatch(in.msg, in.from)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) dispatch(msg *Message, from *net.UnixAddr) {
	h := msg.Header

	switch h.MsgType {
	case MsgConnect:
		if from != nil && from.Name != "" {
			m.peers.Store(h.PID, from)
		} else {
			m.logger.Warn("process connected from an unbound socket, replies disabled", zap.Uint32("pid", h.PID))
		}
		m.handler.OnConnect(h.PID)

	case MsgDisconnect:
		m.handler.OnDisconnect(h.PID)
		m.peers.Delete(h.PID)

	case MsgHookInsert:
		m.handler.OnHookInsert(h.PID, h.Addr, string(msg.Payload))

	case MsgEmbedText:
		m.handler.OnEmbedText(string(msg.Payload), msg.Context())

	default:
		m.logger.Debug("unexpected message", zap.String("type", MsgTypeName(h.MsgType)), zap.Uint32("pid", h.PID))
	}
}
