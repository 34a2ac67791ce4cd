// Package guider implements the Guider Client: a persistent line-delimited
// JSON-RPC/event socket to an external guiding application (PHD2-shaped
// wire protocol), translating asynchronous events into a derived state
// snapshot and future-returning settle operations.
//
// Grounded on original_source/src/client/phd2/phd2_client.hpp (operation
// surface, wire shapes) and original_source/src/client/phd2/connection.hpp
// (reader/writer/reconnect split), generalized from the PHD2-specific API
// surface to the spec's narrower guider contract (§4.F). Reconnect backoff
// is gated by github.com/sony/gobreaker, grounded on jordigilh-kubernaut's
// use of the same circuit-breaker library for an external-dependency guard.
package guider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/skywave-obs/lithiumcore/pkg/bus"
	"github.com/skywave-obs/lithiumcore/pkg/corerr"
	"github.com/skywave-obs/lithiumcore/pkg/log"
	"github.com/skywave-obs/lithiumcore/pkg/metrics"
)

// pendingRPC is one outstanding call awaiting a response.
type pendingRPC struct {
	done chan corerr.Result[json.RawMessage]
}

// snapshot is the derived, lock-guarded guider state the client exposes to
// readers. Updates never block event intake (§4.F).
type snapshot struct {
	mu          sync.RWMutex
	state       State
	lastStar    GuideStar
	lastStats   GuideStats
	calibration CalibrationInfo
	settling    bool

	// Running sums behind lastStats' RMS fields; not exposed directly.
	raSumSq, decSumSq float64
	sampleCount       int
}

func (s *snapshot) get() (State, GuideStar, GuideStats, CalibrationInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.lastStar, s.lastStats, s.calibration, s.settling
}

func (s *snapshot) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// recordGuideStepLocked folds one GuideStep's RA/Dec distance into the
// running RMS/peak stats. Caller must hold s.mu.
func (s *snapshot) recordGuideStepLocked(raDistance, decDistance, snr float64) {
	s.sampleCount++
	s.raSumSq += raDistance * raDistance
	s.decSumSq += decDistance * decDistance
	n := float64(s.sampleCount)

	s.lastStats.RMSRA = math.Sqrt(s.raSumSq / n)
	s.lastStats.RMSDec = math.Sqrt(s.decSumSq / n)
	s.lastStats.RMSTotal = math.Sqrt((s.raSumSq + s.decSumSq) / n)
	if abs := math.Abs(raDistance); abs > s.lastStats.PeakRA {
		s.lastStats.PeakRA = abs
	}
	if abs := math.Abs(decDistance); abs > s.lastStats.PeakDec {
		s.lastStats.PeakDec = abs
	}
	s.lastStats.Samples = s.sampleCount
	s.lastStats.SNR = snr
}

// Client is the guider protocol client.
type Client struct {
	logger zerolog.Logger
	cfg    ConnectionConfig

	dialer net.Dialer
	breaker *gobreaker.CircuitBreaker

	connMu sync.Mutex
	conn   net.Conn
	writer *bufio.Writer

	sessionMu sync.RWMutex
	session   SessionState

	nextID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]*pendingRPC

	settleMu sync.Mutex
	settle   chan corerr.Result[bool]

	snap *snapshot

	closeCh chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// New creates a Client bound to cfg. Connect must be called before any RPC.
func New(cfg ConnectionConfig) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		logger: log.WithComponent("guider"),
		cfg:    cfg,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "guider-reconnect",
			MaxRequests: 1,
			Timeout:     cfg.ReconnectDelay * 5,
		}),
		session: SessionDisconnected,
		pending: make(map[uint64]*pendingRPC),
		snap:    &snapshot{state: StateStopped},
		closeCh: make(chan struct{}),
	}
}

// Connect dials the guider host and starts the reader goroutine. There is no
// writer goroutine: each RPC writes its request line on the calling goroutine
// while holding the connection mutex.
func (c *Client) Connect(ctx context.Context) error {
	c.setSession(SessionConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	conn, err := c.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		c.setSession(SessionError)
		return corerr.Wrap(corerr.ConnectionLost, err, "connecting to guider")
	}

	c.connMu.Lock()
	c.conn = conn
	c.writer = bufio.NewWriter(conn)
	c.connMu.Unlock()

	c.setSession(SessionConnected)

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

func (c *Client) setSession(s SessionState) {
	c.sessionMu.Lock()
	prev := c.session
	c.session = s
	c.sessionMu.Unlock()

	if prev != s {
		c.publishConnectionState(s, 0)
	}
}

// publishConnectionState emits ConnectionStateTopic when cfg.Bus is set;
// attempt is the reconnect attempt number, or 0 outside of reconnectLoop.
func (c *Client) publishConnectionState(s SessionState, attempt int) {
	if c.cfg.Bus == nil {
		return
	}
	payload := map[string]any{"state": string(s)}
	if attempt > 0 {
		payload["attempt"] = attempt
	}
	c.cfg.Bus.Publish(bus.Topic(ConnectionStateTopic), payload)
}

// Session returns the current connection lifecycle state.
func (c *Client) Session() SessionState {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.session
}

// Close shuts down the connection and cancels every outstanding RPC and
// settle completion with ConnectionLost.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.closeCh)

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	c.failAllPending(corerr.New(corerr.ConnectionLost, "guider connection closed"))
	c.setSession(SessionDisconnected)
	c.wg.Wait()
	return nil
}

func (c *Client) failAllPending(cerr *corerr.Error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingRPC)
	c.pendingMu.Unlock()

	for _, p := range pending {
		p.done <- corerr.Fail[json.RawMessage](cerr)
	}

	c.settleMu.Lock()
	if c.settle != nil {
		c.settle <- corerr.Fail[bool](cerr)
		c.settle = nil
	}
	c.settleMu.Unlock()
}

// readLoop owns the socket's read side; it is the sole demultiplexer
// between RPC responses and events (§4.F concurrency).
func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), c.cfg.RecvBufferSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("discarding malformed guider message")
			continue
		}
		if msg.ID != nil {
			c.resolveRPC(msg)
		} else if msg.Event != "" {
			c.dispatchEvent(msg)
		}
	}

	c.onConnectionLost()
}

func (c *Client) resolveRPC(msg wireMessage) {
	c.pendingMu.Lock()
	p, exists := c.pending[*msg.ID]
	if exists {
		delete(c.pending, *msg.ID)
	}
	c.pendingMu.Unlock()
	if !exists {
		return // late response to a canceled/timed-out call; dropped silently
	}

	if msg.Error != nil {
		p.done <- corerr.Fail[json.RawMessage](corerr.Newf(corerr.HandlerFailed, "guider RPC error %d: %s", msg.Error.Code, msg.Error.Message))
		return
	}
	p.done <- corerr.Ok(msg.Result)
}

func (c *Client) dispatchEvent(msg wireMessage) {
	switch msg.Event {
	case "AppState":
		c.snap.setState(mapAppState(msg.State))
	case "GuideStep":
		c.snap.mu.Lock()
		c.snap.lastStar = GuideStar{X: msg.StarX, Y: msg.StarY, SNR: msg.SNR, Mass: msg.Mass, Valid: true}
		c.snap.recordGuideStepLocked(msg.RADistance, msg.DecDistance, msg.SNR)
		c.snap.mu.Unlock()
	case "SettleBegin":
		c.snap.mu.Lock()
		c.snap.settling = true
		c.snap.mu.Unlock()
	case "SettleDone":
		c.completeSettle(msg.Status != nil && *msg.Status == 0)
	case "StarLost":
		c.snap.mu.Lock()
		c.snap.state = StateLostStar
		c.snap.lastStar = GuideStar{}
		c.snap.mu.Unlock()
	case "CalibrationComplete":
		c.snap.mu.Lock()
		c.snap.calibration.Calibrated = true
		c.snap.mu.Unlock()
	case "StartGuiding":
		c.snap.setState(StateGuiding)
	case "GuidingStopped":
		c.snap.setState(StateStopped)
	case "Paused":
		c.snap.setState(StatePaused)
	case "Resumed":
		c.snap.setState(StateGuiding)
	}
}

func mapAppState(s string) State {
	switch s {
	case "Looping":
		return StateLooping
	case "Calibrating":
		return StateCalibrating
	case "Guiding":
		return StateGuiding
	case "Paused":
		return StatePaused
	case "LostLock":
		return StateLostStar
	default:
		return StateStopped
	}
}

func (c *Client) completeSettle(ok bool) {
	c.snap.mu.Lock()
	c.snap.settling = false
	c.snap.mu.Unlock()

	c.settleMu.Lock()
	defer c.settleMu.Unlock()
	if c.settle != nil {
		c.settle <- corerr.Ok(ok)
		c.settle = nil
	}
}

func (c *Client) onConnectionLost() {
	c.setSession(SessionError)
	c.failAllPending(corerr.New(corerr.ConnectionLost, "guider connection lost"))

	if !c.cfg.AutoReconnect || c.closed.Load() {
		return
	}
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	c.setSession(SessionReconnecting)
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.closeCh:
			return
		case <-time.After(c.cfg.ReconnectDelay * time.Duration(attempt)):
		}

		c.publishConnectionState(SessionReconnecting, attempt)
		metrics.GuiderReconnectsTotal.Inc()

		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.Connect(context.Background())
		})
		if err == nil {
			return
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("guider reconnect attempt failed")
	}
	c.setSession(SessionError)
}

// call issues an RPC and blocks until the response arrives, the RPC timeout
// elapses, or ctx is canceled.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.connMu.Lock()
	writer := c.writer
	c.connMu.Unlock()
	if writer == nil {
		return nil, corerr.New(corerr.ConnectionLost, "guider client not connected")
	}

	id := c.nextID.Add(1)
	req := rpcRequest{Method: method, Params: params, ID: id}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, corerr.Wrap(corerr.InvalidArgument, err, "encoding guider RPC request")
	}

	p := &pendingRPC{done: make(chan corerr.Result[json.RawMessage], 1)}
	c.pendingMu.Lock()
	c.pending[id] = p
	c.pendingMu.Unlock()

	c.connMu.Lock()
	_, werr := writer.Write(append(payload, '\n'))
	if werr == nil {
		werr = writer.Flush()
	}
	c.connMu.Unlock()
	if werr != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, corerr.Wrap(corerr.ConnectionLost, werr, "writing guider RPC request")
	}

	timer := metrics.NewTimer()
	deadline, cancel := context.WithTimeout(ctx, c.cfg.RPCTimeout)
	defer cancel()

	select {
	case res := <-p.done:
		timer.ObserveDurationVec(metrics.GuiderRPCLatency, method)
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Value, nil
	case <-deadline.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, corerr.Newf(corerr.Timeout, "guider RPC %q timed out", method)
	}
}

// StartGuiding begins guiding and returns a channel that receives one result
// when the settle completes (or fails). Only one settle operation may be outstanding
// per session.
func (c *Client) StartGuiding(ctx context.Context, settle SettleParams, recalibrate bool) (<-chan corerr.Result[bool], error) {
	ch, err := c.beginSettle()
	if err != nil {
		return nil, err
	}
	_, callErr := c.call(ctx, "guide", map[string]any{
		"settle":      settleWire(settle),
		"recalibrate": recalibrate,
	})
	if callErr != nil {
		c.abandonSettle()
		return nil, callErr
	}
	return c.timedSettle(ch), nil
}

// Dither requests a dither and returns a settle completion channel, same
// one-outstanding-settle constraint as StartGuiding.
func (c *Client) Dither(ctx context.Context, params DitherParams) (<-chan corerr.Result[bool], error) {
	ch, err := c.beginSettle()
	if err != nil {
		return nil, err
	}
	_, callErr := c.call(ctx, "dither", map[string]any{
		"amount": params.Amount,
		"raOnly": params.RAOnly,
		"settle": settleWire(params.Settle),
	})
	if callErr != nil {
		c.abandonSettle()
		return nil, callErr
	}
	return c.timedSettle(ch), nil
}

// timedSettle wraps a settle completion channel so its resolution is
// recorded to GuiderSettleDuration without the caller having to know about
// the metric.
func (c *Client) timedSettle(ch <-chan corerr.Result[bool]) <-chan corerr.Result[bool] {
	out := make(chan corerr.Result[bool], 1)
	timer := metrics.NewTimer()
	go func() {
		res := <-ch
		timer.ObserveDuration(metrics.GuiderSettleDuration)
		out <- res
	}()
	return out
}

func settleWire(s SettleParams) map[string]any {
	return map[string]any{
		"pixels": s.PixelTolerance,
		"time":   s.MinTimeSec,
		"timeout": s.TimeoutSec,
	}
}

func (c *Client) beginSettle() (<-chan corerr.Result[bool], error) {
	c.settleMu.Lock()
	defer c.settleMu.Unlock()
	if c.settle != nil {
		return nil, corerr.New(corerr.InvalidState, "a settle operation is already in progress")
	}
	ch := make(chan corerr.Result[bool], 1)
	c.settle = ch
	return ch, nil
}

func (c *Client) abandonSettle() {
	c.settleMu.Lock()
	c.settle = nil
	c.settleMu.Unlock()
}

// StopGuiding stops active guiding.
func (c *Client) StopGuiding(ctx context.Context) error {
	_, err := c.call(ctx, "stop_capture", nil)
	return err
}

// Pause pauses guiding; full also pauses looping.
func (c *Client) Pause(ctx context.Context, full bool) error {
	_, err := c.call(ctx, "set_paused", []any{true, boolToPauseMode(full)})
	return err
}

// Resume resumes guiding after a pause.
func (c *Client) Resume(ctx context.Context) error {
	_, err := c.call(ctx, "set_paused", []any{false})
	return err
}

func boolToPauseMode(full bool) string {
	if full {
		return "full"
	}
	return ""
}

// Snapshot returns the current derived guider state without blocking event
// intake.
func (c *Client) Snapshot() (State, GuideStar, GuideStats, CalibrationInfo, bool) {
	return c.snap.get()
}
