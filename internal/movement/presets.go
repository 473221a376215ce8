package movement

// Built-in preset channel assignment. TARS has 9 servo channels: a
// left/right hip and knee pair per leg, a left/right shoulder pair,
// a head pan channel, a waist channel, and one reserved channel.
// Presets reference channels by these
// constants rather than magic numbers.
const (
	chHipLeft = iota
	chKneeLeft
	chHipRight
	chKneeRight
	chShoulderLeft
	chShoulderRight
	chHead
	chWaist
	chReserved
)

func targets(pairs ...any) map[int]float64 {
	m := make(map[int]float64, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		ch := pairs[i].(int)
		pct := pairs[i+1].(float64)
		m[ch] = pct
	}
	return m
}

// presetLibrary is the built-in choreography library.
var presetLibrary = map[string]Sequence{
	"reset_positions": {
		Name: "reset_positions",
		Steps: []Step{
			{Targets: targets(chHipLeft, 0.5, chKneeLeft, 0.5, chHipRight, 0.5, chKneeRight, 0.5, chShoulderLeft, 0.5, chShoulderRight, 0.5, chHead, 0.5, chWaist, 0.5), Speed: 0.5, DelayAfterS: 0.2},
		},
	},
	"step_forward": {
		Name: "step_forward",
		Steps: []Step{
			{Targets: targets(chHipLeft, 0.3, chKneeLeft, 0.7), Speed: 0.6, DelayAfterS: 0.15},
			{Targets: targets(chHipLeft, 0.6, chKneeLeft, 0.5), Speed: 0.6, DelayAfterS: 0.15},
			{Targets: targets(chHipRight, 0.3, chKneeRight, 0.7), Speed: 0.6, DelayAfterS: 0.15},
			{Targets: targets(chHipRight, 0.6, chKneeRight, 0.5), Speed: 0.6, DelayAfterS: 0.15},
		},
	},
	"step_backward": {
		Name: "step_backward",
		Steps: []Step{
			{Targets: targets(chHipLeft, 0.7, chKneeLeft, 0.3), Speed: 0.6, DelayAfterS: 0.15},
			{Targets: targets(chHipLeft, 0.4, chKneeLeft, 0.5), Speed: 0.6, DelayAfterS: 0.15},
			{Targets: targets(chHipRight, 0.7, chKneeRight, 0.3), Speed: 0.6, DelayAfterS: 0.15},
			{Targets: targets(chHipRight, 0.4, chKneeRight, 0.5), Speed: 0.6, DelayAfterS: 0.15},
		},
	},
	"turn_right": {
		Name: "turn_right",
		Steps: []Step{
			{Targets: targets(chWaist, 0.7), Speed: 0.5, DelayAfterS: 0.3},
			{Targets: targets(chWaist, 0.5), Speed: 0.5, DelayAfterS: 0.1},
		},
	},
	"turn_left": {
		Name: "turn_left",
		Steps: []Step{
			{Targets: targets(chWaist, 0.3), Speed: 0.5, DelayAfterS: 0.3},
			{Targets: targets(chWaist, 0.5), Speed: 0.5, DelayAfterS: 0.1},
		},
	},
	"right_hi": {
		Name: "right_hi",
		Steps: []Step{
			{Targets: targets(chShoulderRight, 1.0), Speed: 0.8, DelayAfterS: 0.3},
			{Targets: targets(chShoulderRight, 0.7), Speed: 0.8, DelayAfterS: 0.2},
			{Targets: targets(chShoulderRight, 1.0), Speed: 0.8, DelayAfterS: 0.2},
			{Targets: targets(chShoulderRight, 0.5), Speed: 0.6, DelayAfterS: 0.2},
		},
	},
	"laugh": {
		Name: "laugh",
		Steps: []Step{
			{Targets: targets(chWaist, 0.4, chHead, 0.6), Speed: 0.9, DelayAfterS: 0.1},
			{Targets: targets(chWaist, 0.6, chHead, 0.4), Speed: 0.9, DelayAfterS: 0.1},
			{Targets: targets(chWaist, 0.4, chHead, 0.6), Speed: 0.9, DelayAfterS: 0.1},
			{Targets: targets(chWaist, 0.5, chHead, 0.5), Speed: 0.6, DelayAfterS: 0.2},
		},
	},
	"swing_legs": {
		Name: "swing_legs",
		Steps: []Step{
			{Targets: targets(chHipLeft, 0.7, chHipRight, 0.3), Speed: 0.5, DelayAfterS: 0.2},
			{Targets: targets(chHipLeft, 0.3, chHipRight, 0.7), Speed: 0.5, DelayAfterS: 0.2},
			{Targets: targets(chHipLeft, 0.5, chHipRight, 0.5), Speed: 0.5, DelayAfterS: 0.2},
		},
	},
	"balance": {
		Name: "balance",
		Steps: []Step{
			{Targets: targets(chHipLeft, 0.5, chKneeLeft, 0.45, chHipRight, 0.5, chKneeRight, 0.45), Speed: 0.3, DelayAfterS: 0.5},
		},
	},
	"mic_drop": {
		Name: "mic_drop",
		Steps: []Step{
			{Targets: targets(chShoulderRight, 1.0), Speed: 0.9, DelayAfterS: 0.15},
			{Targets: targets(chShoulderRight, 0.0), Speed: 1.0, DelayAfterS: 0.3},
			{Targets: targets(chShoulderRight, 0.5), Speed: 0.4, DelayAfterS: 0.2},
		},
	},
	"monster": {
		Name: "monster",
		Steps: []Step{
			{Targets: targets(chShoulderLeft, 1.0, chShoulderRight, 1.0, chHead, 0.8), Speed: 0.4, DelayAfterS: 0.4},
			{Targets: targets(chHipLeft, 0.6, chHipRight, 0.4), Speed: 0.3, DelayAfterS: 0.4},
		},
	},
	"pose": {
		Name: "pose",
		Steps: []Step{
			{Targets: targets(chShoulderLeft, 0.8, chShoulderRight, 0.2, chHead, 0.6), Speed: 0.5, DelayAfterS: 0.5},
		},
	},
	"bow": {
		Name: "bow",
		Steps: []Step{
			{Targets: targets(chHipLeft, 0.7, chHipRight, 0.7, chHead, 0.3), Speed: 0.4, DelayAfterS: 0.5},
			{Targets: targets(chHipLeft, 0.5, chHipRight, 0.5, chHead, 0.5), Speed: 0.4, DelayAfterS: 0.2},
		},
	},
}

// LookupPreset returns the named built-in sequence.
func LookupPreset(name string) (Sequence, bool) {
	s, ok := presetLibrary[name]
	return s, ok
}

// PresetNames returns the built-in preset names, for discovery/status
// surfaces.
func PresetNames() []string {
	names := make([]string, 0, len(presetLibrary))
	for n := range presetLibrary {
		names = append(names, n)
	}
	return names
}
