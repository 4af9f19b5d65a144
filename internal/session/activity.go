package session

import (
	"sync"
	"time"
)

// ActivityState is one of the auto-away states.
type ActivityState string

const (
	ActivityActive ActivityState = "active"
	ActivityIdle   ActivityState = "idle"
	ActivityAway   ActivityState = "away"
	ActivityXA     ActivityState = "xa"
)

// ActivityMode selects which auto-away behavior away_time drives.
type ActivityMode string

const (
	ModeOff  ActivityMode = "off"
	ModeIdle ActivityMode = "idle"
	ModeAway ActivityMode = "away"
)

// ActivityPrefs mirrors the autoaway preference group.
type ActivityPrefs struct {
	Mode            ActivityMode
	AwayTime        time.Duration // idle threshold for idle/away
	XATime          time.Duration // 0 disables away->xa
	CheckOnActivity bool
	Message         string // autoaway status message
}

// ActivityTransition is what the tick wants the caller to do: which
// presence to send (if any), and whether to restore the pre-idle presence.
type ActivityTransition struct {
	NewState            ActivityState
	SendShow            string // "" for online/no show element
	SendStatus          string
	SendLastActivitySec int64
	SendLastActivity    bool
	Restore             bool
}

// ActivityMachine tracks idle time and the active/idle/away/xa state,
// grounded on the autoaway check in the reference session loop.
type ActivityMachine struct {
	mu           sync.Mutex
	prefs        ActivityPrefs
	state        ActivityState
	lastInputAt  time.Time
	savedShow    string
	savedStatus  string
}

// NewActivityMachine creates a machine starting active as of now.
func NewActivityMachine(prefs ActivityPrefs, now time.Time) *ActivityMachine {
	return &ActivityMachine{prefs: prefs, state: ActivityActive, lastInputAt: now}
}

// Touch records user input, per the reference client's idle-time reset on
// any keypress.
func (m *ActivityMachine) Touch(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastInputAt = now
}

// State reports the current activity state.
func (m *ActivityMachine) State() ActivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetPresence records the presence to restore on return to active.
func (m *ActivityMachine) SetPresence(show, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savedShow, m.savedStatus = show, status
}

// Tick advances the activity state machine per the §4.9 rules. connected
// gates all transitions: idle time only matters once logged in.
func (m *ActivityMachine) Tick(now time.Time, connected bool) *ActivityTransition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !connected || m.prefs.Mode == ModeOff {
		return nil
	}

	idle := now.Sub(m.lastInputAt)

	switch m.state {
	case ActivityActive:
		if m.prefs.Mode == ModeIdle && idle >= m.prefs.AwayTime {
			m.state = ActivityIdle
			return &ActivityTransition{
				NewState: ActivityIdle, SendShow: m.savedShow, SendStatus: m.savedStatus,
				SendLastActivity: true, SendLastActivitySec: int64(idle / time.Second),
			}
		}
		if m.prefs.Mode == ModeAway && idle >= m.prefs.AwayTime {
			m.state = ActivityAway
			return &ActivityTransition{
				NewState: ActivityAway, SendShow: "away", SendStatus: m.prefs.Message,
				SendLastActivity: true, SendLastActivitySec: int64(idle / time.Second),
			}
		}

	case ActivityAway:
		if m.prefs.XATime > 0 && idle >= m.prefs.XATime {
			m.state = ActivityXA
			return &ActivityTransition{
				NewState: ActivityXA, SendShow: "xa", SendStatus: m.prefs.Message,
				SendLastActivity: true, SendLastActivitySec: int64(idle / time.Second),
			}
		}
		if m.prefs.CheckOnActivity && idle < m.prefs.AwayTime {
			m.state = ActivityActive
			return &ActivityTransition{NewState: ActivityActive, SendShow: m.savedShow, SendStatus: m.savedStatus, Restore: true}
		}

	case ActivityIdle, ActivityXA:
		if m.prefs.CheckOnActivity && idle < m.prefs.AwayTime {
			m.state = ActivityActive
			return &ActivityTransition{NewState: ActivityActive, SendShow: m.savedShow, SendStatus: m.savedStatus, Restore: true}
		}
	}

	return nil
}
