package movement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hollowoak/tars/internal/busclient"
	"github.com/hollowoak/tars/internal/contracts"
	"github.com/hollowoak/tars/internal/obs"
)

// Service is the host side of the movement pipeline. It
// expands a MovementDirective into a Sequence, converts each step's
// logical targets into calibrated raw PWM via CalibrationSet, and
// publishes the resulting MovementFrame stream at QoS 1.
type Service struct {
	cal    CalibrationSet
	bus    *busclient.Client
	obsBus *obs.Bus
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewService constructs a movement Service using cal for channel
// bounds.
func NewService(cal CalibrationSet, bus *busclient.Client, obsBus *obs.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cal: cal, bus: bus, obsBus: obsBus, logger: logger}
}

// Start subscribes to movement/command, movement/test, and
// movement/stop. Blocks until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if err := s.bus.Subscribe(ctx, string(contracts.TopicMovementCommand), s.onDirective); err != nil {
		return err
	}
	if err := s.bus.Subscribe(ctx, string(contracts.TopicMovementTest), s.onTest); err != nil {
		return err
	}
	if err := s.bus.Subscribe(ctx, string(contracts.TopicMovementStop), s.onStop); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// inlineSequence is the JSON shape of a directive's Params when Name
// is "custom": an inline list of steps rather than a preset lookup.
type inlineSequence struct {
	Steps []struct {
		Targets     map[string]float64 `json:"targets"`
		Speed       float64            `json:"speed"`
		DelayAfterS float64            `json:"delay_after_s"`
	} `json:"steps"`
}

func (s *Service) resolveSequence(d *contracts.MovementDirective) (Sequence, error) {
	if d.Name == "custom" {
		var inline inlineSequence
		if err := json.Unmarshal(d.Params, &inline); err != nil {
			return Sequence{}, fmt.Errorf("movement: parse custom sequence: %w", err)
		}
		seq := Sequence{Name: "custom", Steps: make([]Step, len(inline.Steps))}
		for i, st := range inline.Steps {
			targets := make(map[int]float64, len(st.Targets))
			for chStr, pct := range st.Targets {
				var ch int
				if _, err := fmt.Sscanf(chStr, "%d", &ch); err != nil {
					return Sequence{}, fmt.Errorf("movement: custom sequence: invalid channel key %q", chStr)
				}
				targets[ch] = pct
			}
			seq.Steps[i] = Step{Targets: targets, Speed: st.Speed, DelayAfterS: st.DelayAfterS}
		}
		return seq, seq.Validate()
	}

	seq, ok := LookupPreset(d.Name)
	if !ok {
		return Sequence{}, &ErrUnknownPreset{Name: d.Name}
	}
	return seq, nil
}

func (s *Service) onDirective(decoded contracts.Decoded) {
	directive := decoded.Payload.(*contracts.MovementDirective)
	ctx := context.Background()

	seq, err := s.resolveSequence(directive)
	if err != nil {
		s.logger.Error("movement: resolve directive failed", "name", directive.Name, "error", err)
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("movement: rejecting directive", "error", (&ErrBusy{Active: directive.Name}).Error())
		return
	}
	s.running = true
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	go s.runSequence(ctx, seq, stopCh)
}

func (s *Service) onTest(decoded contracts.Decoded) {
	test := decoded.Payload.(*contracts.MovementTest)
	cal, err := s.cal.For(test.Channel)
	if err != nil {
		s.logger.Error("movement: test channel invalid", "error", err)
		return
	}
	if !cal.InRange(test.Pulse) {
		s.logger.Error("movement: test pulse out of calibrated range", "channel", test.Channel, "pulse", test.Pulse)
		return
	}
	frame := contracts.MovementFrame{Channel: test.Channel, Pulse: test.Pulse}
	if err := busclient.PublishRaw(context.Background(), s.bus, contracts.TopicMovementFrame, frame); err != nil {
		s.logger.Warn("movement: publish test frame failed", "error", err)
	}
}

// onStop implements the host side of the emergency-stop fast path:
// abort any active sequence immediately and report the forced idle
// transition.
func (s *Service) onStop(contracts.Decoded) {
	started := time.Now()
	s.mu.Lock()
	if s.running && s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.running = false
	s.mu.Unlock()

	s.publishState(contracts.MovementStateIdle, "emergency_stop")
	if s.obsBus != nil {
		s.obsBus.Publish(obs.Event{Timestamp: time.Now(), Source: obs.SourceMovement, Kind: obs.KindEmergencyStop, Data: map[string]any{"elapsed_ms": time.Since(started).Milliseconds()}})
	}
}

func (s *Service) runSequence(ctx context.Context, seq Sequence, stopCh chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.publishState(contracts.MovementStateExecuting, "")
	if s.obsBus != nil {
		s.obsBus.Publish(obs.Event{Timestamp: time.Now(), Source: obs.SourceMovement, Kind: obs.KindSequenceStarted, Data: map[string]any{"name": seq.Name}})
	}

	for _, step := range seq.Steps {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		durationMs := int((0.02 * (1 - step.Speed)) * 1000 * 255) // worst-case full-range sweep at this speed
		for ch, pct := range step.Targets {
			cal, err := s.cal.For(ch)
			if err != nil {
				s.logger.Error("movement: sequence channel invalid", "channel", ch, "error", err)
				continue
			}
			pulse := resolvePulse(cal, pct)
			if !cal.InRange(pulse) {
				s.logger.Error("movement: sequence target out of calibrated range", "channel", ch, "pulse", pulse)
				continue
			}
			frame := contracts.MovementFrame{Channel: ch, Pulse: pulse, DurationMs: durationMs, Ts: float64(time.Now().UnixNano()) / 1e9}
			if err := busclient.PublishRaw(ctx, s.bus, contracts.TopicMovementFrame, frame); err != nil {
				s.logger.Warn("movement: publish frame failed", "error", err)
			}
		}

		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(step.DelayAfterS * float64(time.Second))):
		}
	}

	s.publishState(contracts.MovementStateCoolingDown, "")
	time.Sleep(100 * time.Millisecond)
	s.publishState(contracts.MovementStateIdle, "")
	if s.obsBus != nil {
		s.obsBus.Publish(obs.Event{Timestamp: time.Now(), Source: obs.SourceMovement, Kind: obs.KindSequenceDone, Data: map[string]any{"name": seq.Name}})
	}
}

func (s *Service) publishState(state contracts.MovementStateValue, failure string) {
	err := busclient.PublishEvent(context.Background(), s.bus, contracts.TopicMovementState, contracts.MovementState{State: state, Failure: failure}, contracts.EncodeOptions{})
	if err != nil {
		s.logger.Warn("movement: publish movement/state failed", "error", err)
	}
}
