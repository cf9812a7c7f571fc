package training

import (
	"math"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of epoch, step and base LR.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// InverseTimeDecayScheduler is the Keras optimizer "decay" argument:
// lr = baseLR / (1 + decay * iterations), where iterations counts
// optimizer steps since the start of training.
type InverseTimeDecayScheduler struct {
	Decay float64
}

// NewInverseTimeDecayScheduler creates an inverse-time decay scheduler
func NewInverseTimeDecayScheduler(decay float64) *InverseTimeDecayScheduler {
	if decay < 0 {
		decay = 0
	}
	return &InverseTimeDecayScheduler{Decay: decay}
}

func (s *InverseTimeDecayScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR / (1 + s.Decay*float64(step))
}

func (s *InverseTimeDecayScheduler) GetName() string {
	return "InverseTimeDecay"
}

// NoOpScheduler keeps the base learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "NoOp"
}

// NewScheduler maps a configuration name to a scheduler.
func NewScheduler(name string, decay, gamma float64, stepSize int) LRScheduler {
	switch name {
	case "step":
		return NewStepLRScheduler(stepSize, gamma)
	case "exponential":
		return NewExponentialLRScheduler(gamma)
	case "inverse_time", "":
		if decay > 0 {
			return NewInverseTimeDecayScheduler(decay)
		}
		return &NoOpScheduler{}
	default:
		return &NoOpScheduler{}
	}
}
