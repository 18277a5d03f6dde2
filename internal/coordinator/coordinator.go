package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/agentworkforce/clinicsync/internal/backend"
	"github.com/agentworkforce/clinicsync/internal/channel"
	"github.com/agentworkforce/clinicsync/internal/connectivity"
	"github.com/agentworkforce/clinicsync/internal/offlinequeue"
	"github.com/agentworkforce/clinicsync/internal/workflow"
)

var AppointmentEventTypes = []string{
	"appointment_update",
	"appointment_confirmed",
	"appointment_rejected",
	"appointment_booked",
}

var ErrAlreadyStarted = errors.New("coordinator already started")

type Queue interface {
	Enqueue(ctx context.Context, req offlinequeue.Request) (offlinequeue.Request, error)
	Drain(ctx context.Context) (offlinequeue.DrainReport, error)
}

type Channel interface {
	Connect(ctx context.Context, identity channel.Identity) error
	Disconnect()
	Subscribe(eventType string, handler channel.Handler)
	OnGiveUp(fn func())
	State() channel.State
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Queue        Queue
	Channel      Channel
	Connectivity connectivity.Signal
	Logger       Logger
}

type AppointmentEvent struct {
	Type        string
	Appointment backend.Appointment
	State       workflow.State
	History     []string
}

type Coordinator struct {
	queue   Queue
	channel Channel
	signal  connectivity.Signal
	logger  Logger

	mu          sync.Mutex
	started     bool
	identity    channel.Identity
	gaveUp      bool
	unsubscribe func()
	onGiveUp    []func()
	onEvent     func(AppointmentEvent)
}

func New(opts Options) (*Coordinator, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("channel is required")
	}
	if opts.Connectivity == nil {
		return nil, fmt.Errorf("connectivity signal is required")
	}
	c := &Coordinator{
		queue:   opts.Queue,
		channel: opts.Channel,
		signal:  opts.Connectivity,
		logger:  opts.Logger,
	}
	opts.Channel.OnGiveUp(c.handleGiveUp)
	return c, nil
}

func (c *Coordinator) Submit(ctx context.Context, req offlinequeue.Request) (offlinequeue.Request, error) {
	return c.queue.Enqueue(ctx, req)
}

// The handler outlives Stop and is subscribed again by the next Start.
func (c *Coordinator) OnAppointmentEvent(handler func(AppointmentEvent)) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.onEvent = handler
	c.mu.Unlock()
	c.subscribeEvents(handler)
}

func (c *Coordinator) subscribeEvents(handler func(AppointmentEvent)) {
	for _, eventType := range AppointmentEventTypes {
		eventType := eventType
		c.channel.Subscribe(eventType, func(payload json.RawMessage) {
			event, err := decodeAppointmentEvent(eventType, payload)
			if err != nil {
				c.logf("dropping %s event: %v", eventType, err)
				return
			}
			handler(event)
		})
	}
}

func (c *Coordinator) OnGiveUp(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onGiveUp = append(c.onGiveUp, fn)
}

func (c *Coordinator) Start(ctx context.Context, identity channel.Identity) error {
	if strings.TrimSpace(identity.Role) == "" {
		return fmt.Errorf("identity role is required")
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.identity = identity
	c.gaveUp = false
	onEvent := c.onEvent
	c.mu.Unlock()

	if onEvent != nil {
		c.subscribeEvents(onEvent)
	}

	unsubscribe := c.signal.Subscribe(c.handleConnectivity)
	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	if c.signal.Online() {
		report, err := c.queue.Drain(ctx)
		if err != nil {
			c.logf("initial drain failed to persist: %v", err)
		} else if report.Halted != nil {
			c.logf("initial drain halted at %s %s after %d sent: %v", report.Halted.Method, report.Halted.Path, report.Sent, report.Cause)
		}
	}
	if err := c.channel.Connect(ctx, identity); err != nil {
		c.logf("channel connect for %s/%d failed: %v", identity.Role, identity.ID, err)
	}
	return nil
}

func (c *Coordinator) Stop() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.started = false
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	c.channel.Disconnect()
}

func (c *Coordinator) handleGiveUp() {
	c.mu.Lock()
	c.gaveUp = true
	listeners := append([]func(){}, c.onGiveUp...)
	c.mu.Unlock()
	c.logf("channel gave up reconnecting; waiting for connectivity")
	for _, fn := range listeners {
		fn()
	}
}

func (c *Coordinator) handleConnectivity(online bool) {
	if !online {
		return
	}
	c.mu.Lock()
	if !c.started || !c.gaveUp {
		c.mu.Unlock()
		return
	}
	c.gaveUp = false
	identity := c.identity
	c.mu.Unlock()

	if err := c.channel.Connect(context.Background(), identity); err != nil {
		c.logf("channel reconnect after connectivity restored failed: %v", err)
	}
}

func decodeAppointmentEvent(eventType string, payload json.RawMessage) (AppointmentEvent, error) {
	if len(payload) == 0 {
		return AppointmentEvent{}, fmt.Errorf("empty payload")
	}
	var appointment backend.Appointment
	if err := json.Unmarshal(payload, &appointment); err != nil {
		return AppointmentEvent{}, fmt.Errorf("decode appointment: %w", err)
	}
	if appointment.ID <= 0 {
		return AppointmentEvent{}, fmt.Errorf("appointment id is required")
	}
	return AppointmentEvent{
		Type:        eventType,
		Appointment: appointment,
		State:       workflow.Resolve(appointment.Notes),
		History:     workflow.History(appointment.Notes),
	}, nil
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
