package domain

import "errors"

var (
	ErrSimulationStopped = errors.New("simulation is not active")
	ErrSimulationPaused  = errors.New("simulation is paused")
)
