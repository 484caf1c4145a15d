package scale

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// State is the session lifecycle state. Demo mode is orthogonal: it swaps
// the serial read loop for a synthetic generator but walks the same states.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// Sample is the latest weight reading. Replaced wholesale on every accepted
// frame; no history is retained.
type Sample struct {
	Reading
	CapturedAt time.Time `json:"capturedAt"`
}

// PortOpener opens a serial port. Swappable so tests can inject a fake
// device.
type PortOpener func(path string, mode *serial.Mode) (serial.Port, error)

const (
	readTimeout      = 500 * time.Millisecond
	demoConnectDelay = 300 * time.Millisecond
	demoInterval     = 500 * time.Millisecond
)

// SessionConfig configures one scale endpoint.
type SessionConfig struct {
	PortPath    string
	Demo        bool
	SettingsKey string
	Store       SettingsStore
	Logger      *zap.Logger
	Opener      PortOpener // nil means serial.Open

	// Overridable timings for tests; zero values use the defaults above.
	DemoConnectDelay time.Duration
	DemoInterval     time.Duration
}

// Session owns connect/disconnect and the read loop for exactly one physical
// or simulated scale. The device handle is never handed out; callers see
// only the latest sample and the frame-derived updates.
//
// Stale readers are fenced by a generation counter: every connect and
// disconnect bumps it, and a read loop may only publish samples while its
// own generation is current. "Connect while connected" and "old loop writes
// into a new session" are therefore structurally impossible.
type Session struct {
	log       *zap.Logger
	store     SettingsStore
	key       string
	portPath  string
	demo      bool
	open      PortOpener
	demoDelay time.Duration
	demoTick  time.Duration

	mu       sync.Mutex
	state    State
	gen      uint64
	settings Settings
	port     serial.Port
	cancel   context.CancelFunc
	done     chan struct{}
	sample   *Sample
	lastErr  *Failure
	subs     map[chan Sample]struct{}
}

// NewSession builds a session, loading persisted settings when the store has
// a blob for the configured key.
func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		log:       cfg.Logger,
		store:     cfg.Store,
		key:       cfg.SettingsKey,
		portPath:  cfg.PortPath,
		demo:      cfg.Demo,
		open:      cfg.Opener,
		demoDelay: cfg.DemoConnectDelay,
		demoTick:  cfg.DemoInterval,
		settings:  DefaultSettings(),
		subs:      make(map[chan Sample]struct{}),
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.open == nil {
		s.open = serial.Open
	}
	if s.key == "" {
		s.key = "scale"
	}
	if s.demoDelay == 0 {
		s.demoDelay = demoConnectDelay
	}
	if s.demoTick == 0 {
		s.demoTick = demoInterval
	}
	if s.store != nil {
		if blob, err := s.store.Get(s.key); err == nil {
			var loaded Settings
			if err := json.Unmarshal(blob, &loaded); err == nil && loaded.Validate() == nil {
				s.settings = loaded
			}
		}
	}
	return s
}

// Connect establishes the session. Any live session is fully torn down
// first, so at most one read loop exists per session.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.Disconnect(); err != nil {
		return err
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.lastErr = nil
	settings := s.settings
	s.mu.Unlock()

	if s.demo {
		return s.connectDemo(ctx, gen)
	}

	mode, err := settings.Mode()
	if err != nil {
		f := failure(ConnectionFailed, err)
		s.failConnect(gen, f)
		return f
	}
	port, err := s.open(s.portPath, mode)
	if err != nil {
		f := classifyOpenError(err)
		s.failConnect(gen, f)
		return f
	}
	port.SetReadTimeout(readTimeout)

	readerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		cancel()
		port.Close()
		return failure(ConnectionFailed, errors.New("connect superseded"))
	}
	s.port = port
	s.cancel = cancel
	s.done = done
	s.state = StateConnected
	s.mu.Unlock()

	s.log.Info("scale connected",
		zap.String("port", s.portPath),
		zap.Int("baud", settings.BaudRate))

	go s.readLoop(readerCtx, gen, port, settings.Multiplier, done)
	return nil
}

// connectDemo simulates the device open delay, then feeds periodic
// random-walk samples through the same publication path as real frames.
func (s *Session) connectDemo(ctx context.Context, gen uint64) error {
	select {
	case <-ctx.Done():
		f := failure(ConnectionFailed, ctx.Err())
		s.failConnect(gen, f)
		return f
	case <-time.After(s.demoDelay):
	}

	demoCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		cancel()
		return failure(ConnectionFailed, errors.New("connect superseded"))
	}
	s.cancel = cancel
	s.done = done
	s.state = StateConnected
	s.mu.Unlock()

	s.log.Info("scale connected (demo)")
	go s.demoLoop(demoCtx, gen, done)
	return nil
}

func (s *Session) failConnect(gen uint64, f *Failure) {
	s.mu.Lock()
	if gen == s.gen {
		s.state = StateDisconnected
		s.lastErr = f
	}
	s.mu.Unlock()
	s.log.Warn("scale connect failed", zap.String("kind", f.Kind.String()), zap.Error(f.Err))
}

// Disconnect tears the session down: fences the reader, closes the port,
// clears the sample. Safe to call in any state.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.cancel == nil && s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.gen++ // fence: in-flight reads can no longer publish
	cancel := s.cancel
	done := s.done
	port := s.port
	s.cancel = nil
	s.done = nil
	s.port = nil
	s.state = StateDisconnected
	s.sample = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if port != nil {
		port.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}

// readLoop pumps port chunks through the framer and parser until cancelled
// or the device drops. The framer's buffered remainder dies with the loop,
// so a half-written line never becomes a sample.
func (s *Session) readLoop(ctx context.Context, gen uint64, port serial.Port, multiplier float64, done chan struct{}) {
	defer close(done)

	framer := NewFramer()
	buf := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return // deliberate teardown
			}
			s.deviceLost(gen, err)
			return
		}
		if n == 0 {
			continue // read timeout tick
		}

		for _, frame := range framer.Push(buf[:n]) {
			reading, ok := ParseWeight(frame, multiplier)
			if !ok {
				s.log.Debug("frame parse miss", zap.String("frame", frame))
				continue
			}
			s.setSample(gen, reading)
		}
	}
}

func (s *Session) demoLoop(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	rng := newDemoWalk()
	ticker := time.NewTicker(s.demoTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			raw := rng.next()
			s.setSample(gen, Reading{Raw: raw, Rounded: Round(raw)})
		}
	}
}

// deviceLost handles a mid-session read failure: same outcome as an explicit
// disconnect, plus a user-visible DeviceLost error. Never retried here; the
// operator reconnects.
func (s *Session) deviceLost(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return // a newer session owns the state now
	}
	s.gen++
	port := s.port
	s.port = nil
	s.cancel = nil
	s.done = nil
	s.state = StateDisconnected
	s.sample = nil
	s.lastErr = failure(DeviceLost, err)
	s.mu.Unlock()

	if port != nil {
		port.Close()
	}
	s.log.Warn("scale device lost", zap.Error(err))
}

// setSample publishes a reading as the latest sample, provided the caller's
// generation is still current.
func (s *Session) setSample(gen uint64, r Reading) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	smp := Sample{Reading: r, CapturedAt: time.Now()}
	s.sample = &smp
	for ch := range s.subs {
		select {
		case ch <- smp:
		default:
			// Subscriber too slow; only the latest sample matters.
		}
	}
	s.mu.Unlock()
}

// Sample returns the latest reading, atomically with respect to the read
// loop, so a capture sees exactly the sample current at the capture instant.
func (s *Session) Sample() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sample == nil {
		return Sample{}, false
	}
	return *s.sample, true
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Demo reports whether this session simulates its device.
func (s *Session) Demo() bool { return s.demo }

// LastError returns the most recent user-visible failure, if any.
func (s *Session) LastError() (*Failure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		return nil, false
	}
	return s.lastErr, true
}

// ClearError dismisses the recorded failure.
func (s *Session) ClearError() {
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
}

// Settings returns the current settings snapshot.
func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings deep-merges a partial JSON patch into the settings and
// persists them. An open session keeps its connect-time parameters; the
// merge takes effect on the next connect.
func (s *Session) UpdateSettings(patch []byte) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged, err := s.settings.Merge(patch)
	if err != nil {
		return s.settings, err
	}
	s.settings = merged

	if s.store != nil {
		blob, err := json.Marshal(merged)
		if err != nil {
			return merged, err
		}
		if err := s.store.Put(s.key, blob); err != nil {
			return merged, err
		}
	}
	return merged, nil
}

// SendCommand writes a line to the device, best effort. Demo sessions
// acknowledge without I/O.
func (s *Session) SendCommand(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return failure(WriteFailed, errors.New("not connected"))
	}
	if s.demo {
		return nil
	}
	if s.port == nil {
		return failure(WriteFailed, errors.New("no device handle"))
	}
	if _, err := s.port.Write([]byte(text + "\r\n")); err != nil {
		return failure(WriteFailed, err)
	}
	return nil
}

// Subscribe returns a channel receiving sample updates. Slow receivers miss
// intermediate samples rather than stalling the read loop.
func (s *Session) Subscribe() chan Sample {
	ch := make(chan Sample, 8)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (s *Session) Unsubscribe(ch chan Sample) {
	s.mu.Lock()
	_, ok := s.subs[ch]
	delete(s.subs, ch)
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}
