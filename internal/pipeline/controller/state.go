package controller

import (
	"errors"
	"fmt"

	"github.com/zfett/vpipe/internal/hw"
)

// State is the lifecycle state of one display path
type State int32

const (
	StateUninitialized State = iota
	StateInit
	StateTriggered
	StateDisplaying
	StatePaused
	StateDeinitialized
)

var stateNames = map[State]string{
	StateUninitialized: "uninitialized",
	StateInit:          "init",
	StateTriggered:     "triggered",
	StateDisplaying:    "displaying",
	StatePaused:        "paused",
	StateDeinitialized: "deinitialized",
}

// String returns the state name
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Live reports whether the state owns hardware resources
func (s State) Live() bool {
	return s != StateUninitialized && s != StateDeinitialized
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Command is one request on the controller command surface
type Command string

const (
	CmdInit    Command = "init"
	CmdTrigger Command = "trigger"
	CmdDisplay Command = "display"
	CmdPause   Command = "pause"
	CmdResume  Command = "resume"
	CmdDeinit  Command = "deinit"
	CmdReset   Command = "reset"

	// CmdReconfigure is not part of the lifecycle; it is accepted in every
	// live state and is left out of Commands
	CmdReconfigure Command = "reconfigure"
)

// Commands lists every command
func Commands() []Command {
	return []Command{CmdInit, CmdTrigger, CmdDisplay, CmdPause, CmdResume, CmdDeinit, CmdReset}
}

// ParseCommand parses a command name
func ParseCommand(s string) (Command, error) {
	for _, c := range Commands() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown command %q", s)
}

// transitions lists the states each command is accepted from. Deinit is
// handled separately since it is accepted everywhere.
var transitions = map[Command][]State{
	CmdInit:    {StateUninitialized, StateDeinitialized},
	CmdTrigger: {StateInit},
	CmdDisplay: {StateTriggered},
	CmdPause:   {StateDisplaying},
	CmdResume:  {StatePaused},
	CmdReset:   {StateInit, StateTriggered, StateDisplaying, StatePaused},
}

// Allowed reports whether cmd is accepted in state s
func Allowed(s State, cmd Command) bool {
	if cmd == CmdDeinit {
		return true
	}
	for _, from := range transitions[cmd] {
		if from == s {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidTransition is matched by every TransitionError
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInitIncomplete is returned by commands after a failed Init; only
	// Deinit is accepted
	ErrInitIncomplete = errors.New("init did not complete, deinit first")
	// ErrNotInitialized is returned by buffer operations without a live pipeline
	ErrNotInitialized = errors.New("pipeline not initialized")
	// ErrInvalidConfig wraps configuration validation failures
	ErrInvalidConfig = errors.New("invalid pipeline config")
)

// TransitionError reports a command issued in a state that does not accept it
type TransitionError struct {
	From    State
	Command Command
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Command, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// StageFault is a power, reset or configure failure of one stage
type StageFault struct {
	Stage hw.StageID
	Op    string
	Err   error
}

func (f *StageFault) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", f.Stage, f.Op, f.Err)
}

func (f *StageFault) Unwrap() error { return f.Err }
