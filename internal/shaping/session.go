package shaping

import (
	"slices"
	"strings"
	"sync"
)

// #region env
// Movement is the reader's physical context.
type Movement string

const (
	MovementUnknown    Movement = "unknown"
	MovementStationary Movement = "stationary"
	MovementWalking    Movement = "walking"
	MovementDriving    Movement = "driving"
)

// EnvFeatures describe the reader's environment. Without a voice channel
// they stay at their defaults.
type EnvFeatures struct {
	Speaking    bool
	EnergyMean  float64
	Movement    Movement
	Distraction string // low | medium | high
}

// DefaultEnv is a quiet, stationary-unknown reader with low distraction.
func DefaultEnv() EnvFeatures {
	return EnvFeatures{EnergyMean: 0.4, Movement: MovementUnknown, Distraction: "low"}
}

// Compute returns engagement, pace and arousal in [0,1].
func (e EnvFeatures) Compute() (engagement, pace, arousal float64) {
	energy := clamp01(e.EnergyMean)
	speaking := 0.0
	if e.Speaking {
		speaking = 1
	}
	distract := 0.8
	switch e.Distraction {
	case "high":
		distract = 0.3
	case "medium":
		distract = 0.55
	}

	pace = 0.4
	switch e.Movement {
	case MovementWalking:
		pace += 0.35
	case MovementDriving:
		pace += 0.45
	}
	pace += speaking * 0.15
	pace += (energy - 0.4) * 0.4
	pace = clamp01(pace)

	engagement = clamp01(0.6*distract + speaking*0.25)

	motion := 0.0
	switch e.Movement {
	case MovementWalking:
		motion = 0.2
	case MovementDriving:
		motion = 0.35
	}
	arousal = clamp01(0.5*energy + motion)
	return engagement, pace, arousal
}

// #endregion env

// #region session
// Session holds the reader profile and environment across turns.
type Session struct {
	mu   sync.Mutex
	user UserModel
	env  EnvFeatures
}

// NewSession starts a session for user.
func NewSession(user UserModel) *Session {
	return &Session{user: user, env: DefaultEnv()}
}

// User returns a copy of the current user model.
func (s *Session) User() UserModel {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user
	u.Traits = slices.Clone(s.user.Traits)
	u.Values = slices.Clone(s.user.Values)
	u.Goals = slices.Clone(s.user.Goals)
	u.StylePrefs = slices.Clone(s.user.StylePrefs)
	return u
}

// Env returns the current environment features.
func (s *Session) Env() EnvFeatures {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env
}

// SetEnv replaces the environment features.
func (s *Session) SetEnv(env EnvFeatures) {
	s.mu.Lock()
	s.env = env
	s.mu.Unlock()
}

// AppendSummary adds delta to the running session summary.
func (s *Session) AppendSummary(delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user.LastSummary = strings.TrimSpace(s.user.LastSummary + " " + delta)
}

// ShapeTurn predicts, scores and shapes draft against the current session.
func (s *Session) ShapeTurn(draft string) (string, PredictedState, HISignals) {
	user := s.User()
	env := s.Env()
	pred := Predict(user, draft)
	hi := InterfaceSignals(env, draft, pred)
	return Shape(draft, pred, hi), pred, hi
}

// #endregion session
