package keycloak

import (
	"slices"
	"sync"
)

// ActionStatus reports how an application-initiated action ended.
type ActionStatus string

const (
	ActionStatusSuccess   ActionStatus = "success"
	ActionStatusCancelled ActionStatus = "cancelled"
	ActionStatusError     ActionStatus = "error"
)

// eventHandlers is a multi-subscriber registry for the client's lifecycle
// notifications. Registration appends, so subscribers never silently
// displace one another.
type eventHandlers struct {
	mu             sync.Mutex
	ready          []func(authenticated bool)
	authSuccess    []func()
	authError      []func(*AuthError)
	refreshSuccess []func()
	refreshError   []func()
	authLogout     []func()
	tokenExpired   []func()
	actionUpdate   []func(ActionStatus)
}

// OnReady registers a handler invoked once Init completes.
func (c *Client) OnReady(fn func(authenticated bool)) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.ready = append(c.events.ready, fn)
}

// OnAuthSuccess registers a handler for successful authentication.
func (c *Client) OnAuthSuccess(fn func()) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.authSuccess = append(c.events.authSuccess, fn)
}

// OnAuthError registers a handler for authentication failures.
func (c *Client) OnAuthError(fn func(*AuthError)) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.authError = append(c.events.authError, fn)
}

// OnAuthRefreshSuccess registers a handler for successful token refreshes.
func (c *Client) OnAuthRefreshSuccess(fn func()) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.refreshSuccess = append(c.events.refreshSuccess, fn)
}

// OnAuthRefreshError registers a handler for failed token refreshes.
func (c *Client) OnAuthRefreshError(fn func()) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.refreshError = append(c.events.refreshError, fn)
}

// OnAuthLogout registers a handler invoked when the session is cleared.
func (c *Client) OnAuthLogout(fn func()) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.authLogout = append(c.events.authLogout, fn)
}

// OnTokenExpired registers a handler invoked when the access token passes
// its expiry.
func (c *Client) OnTokenExpired(fn func()) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.tokenExpired = append(c.events.tokenExpired, fn)
}

// OnActionUpdate registers a handler for application-initiated action
// outcomes (kc_action_status).
func (c *Client) OnActionUpdate(fn func(ActionStatus)) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.actionUpdate = append(c.events.actionUpdate, fn)
}

func (e *eventHandlers) emitReady(authenticated bool) {
	e.mu.Lock()
	handlers := slices.Clone(e.ready)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(authenticated)
	}
}

func (e *eventHandlers) emitAuthSuccess() {
	e.mu.Lock()
	handlers := slices.Clone(e.authSuccess)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (e *eventHandlers) emitAuthError(err *AuthError) {
	e.mu.Lock()
	handlers := slices.Clone(e.authError)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
}

func (e *eventHandlers) emitRefreshSuccess() {
	e.mu.Lock()
	handlers := slices.Clone(e.refreshSuccess)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (e *eventHandlers) emitRefreshError() {
	e.mu.Lock()
	handlers := slices.Clone(e.refreshError)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (e *eventHandlers) emitAuthLogout() {
	e.mu.Lock()
	handlers := slices.Clone(e.authLogout)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (e *eventHandlers) emitTokenExpired() {
	e.mu.Lock()
	handlers := slices.Clone(e.tokenExpired)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (e *eventHandlers) emitActionUpdate(status ActionStatus) {
	e.mu.Lock()
	handlers := slices.Clone(e.actionUpdate)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(status)
	}
}
