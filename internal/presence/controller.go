// Package presence tracks the local session's presence state: status,
// activity, typing indicators, custom statuses, and scheduled availability
// windows. Every mutation is written to the realtime presence channel as the
// authoritative copy and mirrored over the broadcast bus so sibling
// instances converge without each writing to the backend redundantly.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/vicinity/internal/broadcast"
)

// Status is the explicit session status. It is a stored state, not derived.
type Status string

// Session statuses.
const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Activity is what the session is currently doing.
type Activity string

// Session activities.
const (
	ActivityBrowsing       Activity = "browsing"
	ActivityChatting       Activity = "chatting"
	ActivityViewingProfile Activity = "viewing_profile"
	ActivityIdle           Activity = "idle"
)

// Timing defaults.
const (
	// DefaultIdleTimeout demotes a browsing session after this much
	// inactivity.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultTypingTimeout auto-clears a typing indicator that is not
	// refreshed.
	DefaultTypingTimeout = 3 * time.Second

	// DefaultHeartbeatWindow is how recently a peer's presence must have
	// been observed for the peer to count as online.
	DefaultHeartbeatWindow = 3 * time.Minute
)

// CustomStatus is a user-set free-text status with optional expiry.
type CustomStatus struct {
	Message    string     `json:"message"`
	Emoji      string     `json:"emoji,omitempty"`
	Visibility string     `json:"visibility,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// State is the full presence state published to the channel.
type State struct {
	ProfileID    string        `json:"profile_id"`
	Status       Status        `json:"status"`
	Activity     Activity      `json:"activity"`
	TypingIn     string        `json:"typing_in,omitempty"`
	CustomStatus *CustomStatus `json:"custom_status,omitempty"`
	LastUpdate   time.Time     `json:"last_update"`
}

// Channel is the realtime presence channel collaborator. Track publishes the
// local state as the authoritative write.
type Channel interface {
	Track(ctx context.Context, state State) error
}

// Publisher is the slice of the broadcast coordinator the controller needs.
type Publisher interface {
	Publish(ctx context.Context, t broadcast.MessageType, payload any) error
}

// Options configures a Controller.
type Options struct {
	// ProfileID identifies the local user.
	ProfileID string
	// Channel receives authoritative presence writes. Nil disables them.
	Channel Channel
	// Publisher mirrors mutations to sibling instances. Nil disables it.
	Publisher Publisher
	// IdleTimeout overrides DefaultIdleTimeout when positive.
	IdleTimeout time.Duration
	// TypingTimeout overrides DefaultTypingTimeout when positive.
	TypingTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Now overrides the clock for tests.
	Now func() time.Time
}

// Controller owns the per-session presence state machine. Each scheduled
// transition (idle demotion, typing auto-clear, custom status expiry, the
// two availability boundaries) is an explicit timer field with its own
// cancel/replace handling, so teardown and tests can reason about them.
type Controller struct {
	profileID     string
	channel       Channel
	publisher     Publisher
	idleTimeout   time.Duration
	typingTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu           sync.Mutex
	status       Status
	activity     Activity
	typingIn     string
	customStatus *CustomStatus
	lastActivity time.Time

	idleTimer       *time.Timer
	typingTimer     *time.Timer
	customTimer     *time.Timer
	availStartTimer *time.Timer
	availEndTimer   *time.Timer

	// trackQueue feeds a single writer goroutine so channel writes land in
	// mutation order; concurrent fire-and-forget writes could leave a stale
	// state as the channel's last word.
	trackQueue chan State
	trackDone  chan struct{}

	closed bool
}

// NewController creates a controller for an authenticated session and
// publishes the initial online/browsing state.
func NewController(opts Options) *Controller {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Controller{
		profileID:     opts.ProfileID,
		channel:       opts.Channel,
		publisher:     opts.Publisher,
		idleTimeout:   opts.IdleTimeout,
		typingTimeout: opts.TypingTimeout,
		logger:        opts.Logger.With("profile_id", opts.ProfileID),
		now:           opts.Now,
		status:        StatusOnline,
		activity:      ActivityBrowsing,
	}

	if c.channel != nil {
		c.trackQueue = make(chan State, 64)
		c.trackDone = make(chan struct{})
		go c.trackLoop()
	}

	c.mu.Lock()
	c.lastActivity = c.now()
	c.resetIdleTimerLocked()
	c.publishLocked()
	c.mu.Unlock()

	return c
}

// State returns a copy of the current presence state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	s := State{
		ProfileID:  c.profileID,
		Status:     c.status,
		Activity:   c.activity,
		TypingIn:   c.typingIn,
		LastUpdate: c.lastActivity,
	}
	if c.customStatus != nil {
		cs := *c.customStatus
		s.CustomStatus = &cs
	}
	return s
}

// RecordActivity notes a user-activity event (pointer, key, touch). It
// promotes the session to online when it is not already, wakes an idle
// activity back to browsing, and re-arms the idle timer.
func (c *Controller) RecordActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.lastActivity = c.now()
	changed := false
	if c.status != StatusOnline {
		c.status = StatusOnline
		changed = true
	}
	if c.activity == ActivityIdle {
		c.activity = ActivityBrowsing
		changed = true
	}
	c.resetIdleTimerLocked()

	if changed {
		c.publishLocked()
	}
}

// SetActivity records an explicit activity transition from a call site.
func (c *Controller) SetActivity(a Activity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.activity == a {
		return
	}

	c.activity = a
	c.lastActivity = c.now()
	c.resetIdleTimerLocked()
	c.publishLocked()
}

// SetVisible reports session visibility. Losing visibility demotes an online
// session to away; regaining it counts as activity.
func (c *Controller) SetVisible(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if visible {
		c.lastActivity = c.now()
		if c.status != StatusOnline {
			c.status = StatusOnline
			c.publishLocked()
		}
		c.resetIdleTimerLocked()
		return
	}

	if c.status == StatusOnline {
		c.status = StatusAway
		c.publishLocked()
	}
}

// SetTyping marks or clears the typing indicator for a conversation.
// A repeated mark resets the auto-clear timer, debouncing the signal.
func (c *Controller) SetTyping(conversationID string, typing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if !typing {
		if c.typingIn == "" {
			return
		}
		c.typingIn = ""
		c.stopTimerLocked(&c.typingTimer)
		c.publishLocked()
		return
	}

	c.typingIn = conversationID
	c.stopTimerLocked(&c.typingTimer)
	c.typingTimer = time.AfterFunc(c.typingTimeout, func() {
		c.clearTyping(conversationID)
	})
	c.publishLocked()
}

// clearTyping is the typing auto-clear transition. It only fires if the
// indicator still points at the same conversation.
func (c *Controller) clearTyping(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.typingIn != conversationID {
		return
	}
	c.typingIn = ""
	c.publishLocked()
}

// SetCustomStatus sets or clears the custom status. At most one expiry timer
// is outstanding; setting a new status replaces any previous one.
func (c *Controller) SetCustomStatus(cs *CustomStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.stopTimerLocked(&c.customTimer)
	c.customStatus = cs
	if cs != nil && cs.ExpiresAt != nil {
		delay := cs.ExpiresAt.Sub(c.now())
		if delay <= 0 {
			c.customStatus = nil
		} else {
			c.customTimer = time.AfterFunc(delay, c.expireCustomStatus)
		}
	}
	c.publishLocked()
}

// expireCustomStatus is the scheduled custom status clear.
func (c *Controller) expireCustomStatus() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.customStatus == nil {
		return
	}
	c.customStatus = nil
	c.publishLocked()
}

// SetAvailabilitySchedule schedules the two availability transitions: to
// online at the window start and to away at its end. Boundaries already in
// the past are not retroactively applied. A new schedule replaces any
// previously scheduled transitions.
func (c *Controller) SetAvailabilitySchedule(start, end time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.stopTimerLocked(&c.availStartTimer)
	c.stopTimerLocked(&c.availEndTimer)

	now := c.now()
	if start.After(now) {
		c.availStartTimer = time.AfterFunc(start.Sub(now), func() {
			c.applyScheduledStatus(StatusOnline)
		})
	}
	if end.After(now) {
		c.availEndTimer = time.AfterFunc(end.Sub(now), func() {
			c.applyScheduledStatus(StatusAway)
		})
	}
}

// applyScheduledStatus is an availability boundary transition.
func (c *Controller) applyScheduledStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.status == s {
		return
	}
	c.status = s
	c.publishLocked()
}

// onIdle is the idle-timeout transition: a browsing session goes idle, and
// an online status demotes to away.
func (c *Controller) onIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.activity != ActivityBrowsing {
		return
	}

	c.activity = ActivityIdle
	if c.status == StatusOnline {
		c.status = StatusAway
	}
	c.publishLocked()
}

// Close flushes a final offline state and cancels every timer. The final
// write is best effort; the process may die before it completes, so
// consumers must treat lingering online states as advisory.
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.status = StatusOffline
	c.typingIn = ""
	c.stopTimerLocked(&c.idleTimer)
	c.stopTimerLocked(&c.typingTimer)
	c.stopTimerLocked(&c.customTimer)
	c.stopTimerLocked(&c.availStartTimer)
	c.stopTimerLocked(&c.availEndTimer)
	state := c.stateLocked()
	state.LastUpdate = c.now()
	c.mu.Unlock()

	if c.channel != nil {
		// Queued writes drain first so the offline state is the channel's
		// final word. Sends stopped when closed was set under the lock.
		close(c.trackQueue)
		select {
		case <-c.trackDone:
		case <-ctx.Done():
		}
		if err := c.channel.Track(ctx, state); err != nil {
			c.logger.Warn("final offline presence write failed", "error", err)
		}
	}
	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, broadcast.TypePresenceUpdate, updateFromState(state)); err != nil {
			c.logger.Warn("final offline presence broadcast failed", "error", err)
		}
	}
}

// resetIdleTimerLocked re-arms the idle demotion timer. Caller holds c.mu.
func (c *Controller) resetIdleTimerLocked() {
	c.stopTimerLocked(&c.idleTimer)
	c.idleTimer = time.AfterFunc(c.idleTimeout, c.onIdle)
}

// stopTimerLocked stops and clears a timer field. Caller holds c.mu.
func (c *Controller) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// publishLocked sends the current state to the presence channel and the
// broadcast bus. Channel writes queue to the per-session writer, which
// retries with backoff off the lock; after the retry cap the failure is
// logged and dropped, never fatal. Caller holds c.mu.
func (c *Controller) publishLocked() {
	state := c.stateLocked()
	state.LastUpdate = c.now()

	if c.trackQueue != nil {
		select {
		case c.trackQueue <- state:
		default:
			c.logger.Warn("presence write queue full, dropping state")
		}
	}
	if c.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.publisher.Publish(ctx, broadcast.TypePresenceUpdate, updateFromState(state)); err != nil {
			c.logger.Warn("presence broadcast failed", "error", err)
		}
	}
}

// trackLoop drains the write queue one state at a time, preserving mutation
// order on the channel.
func (c *Controller) trackLoop() {
	for state := range c.trackQueue {
		c.trackWithRetry(state)
	}
	close(c.trackDone)
}

// trackWithRetry writes to the presence channel with exponential backoff.
func (c *Controller) trackWithRetry(state State) {
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.channel.Track(ctx, state)
		cancel()
		if err == nil {
			return
		}
		if attempt == 3 {
			c.logger.Warn("presence write failed after retries", "error", err)
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

func updateFromState(s State) broadcast.PresenceUpdate {
	return broadcast.PresenceUpdate{
		ProfileID:  s.ProfileID,
		Status:     string(s.Status),
		Activity:   string(s.Activity),
		TypingIn:   s.TypingIn,
		LastUpdate: s.LastUpdate,
	}
}
