package actor

import (
	"sync"
	"time"

	"github.com/rivalapexmediation/settlementengine/internal/eventlog"
	"github.com/rivalapexmediation/settlementengine/internal/ids"
	"github.com/rivalapexmediation/settlementengine/internal/kernel"
)

// Controller registers auction actors and reaps them once they've
// finished and sat idle past Retention. It is the only thing in this
// package that needs a mutex, since registration and reaping happen from arbitrary
// caller goroutines rather than from a single actor's run loop.
type Controller struct {
	mu        sync.Mutex
	actors    map[ids.ID]*Actor
	events    *eventlog.Log
	Retention time.Duration
}

// DefaultRetention is how long a terminal auction's actor is kept
// around before being destroyed, long enough for a trailing Query to
// still land.
const DefaultRetention = 5 * time.Minute

// NewController constructs a controller backed by events for every
// actor it registers.
func NewController(events *eventlog.Log) *Controller {
	return &Controller{
		actors:    make(map[ids.ID]*Actor),
		events:    events,
		Retention: DefaultRetention,
	}
}

// Register creates and starts a new actor for id, returning it. It is
// an error to register the same id twice.
func (c *Controller) Register(id ids.ID, mechanism kernel.MechanismKind, params kernel.Mechanism) (*Actor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.actors[id]; exists {
		return nil, errAlreadyRegistered
	}
	a := New(id, mechanism, params, c.events)
	c.actors[id] = a
	return a, nil
}

// Lookup returns the actor for id, if registered.
func (c *Controller) Lookup(id ids.ID) (*Actor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.actors[id]
	return a, ok
}

// ReapRetired stops and unregisters every actor whose auction finished
// at least Retention ago, returning the number reaped.
func (c *Controller) ReapRetired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	reaped := 0
	for id, a := range c.actors {
		if a.Retired(c.Retention) {
			a.Stop()
			delete(c.actors, id)
			reaped++
		}
	}
	return reaped
}

// Count returns the number of currently registered actors.
func (c *Controller) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actors)
}

type controllerError string

func (e controllerError) Error() string { return string(e) }

const errAlreadyRegistered = controllerError("actor: auction already registered")
