package server

import (
	"context"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/fable/vm"
)

var driverLog = commonlog.GetLogger("fable.driver")

// Scheduler starts the asynchronous work behind a pending future. The
// implementation must not touch the VM: it receives the request data
// by value, performs the call on its own goroutines, and delivers the
// outcome on the results channel.
type Scheduler interface {
	Schedule(ctx context.Context, handle vm.ObjectIndex, req ScheduledRequest, results chan<- FutureResult)
}

// ScheduledRequest is the detached form of a pending future: the VM's
// argument values are rendered before handing off, so the scheduler
// never aliases VM state.
type ScheduledRequest struct {
	Function string
	Kind     vm.FutureKind
	Args     []string
}

// FutureResult is one completed future, delivered by a scheduler.
type FutureResult struct {
	Handle vm.ObjectIndex
	Text   string
	Err    error
}

// NotificationEvent is one delivered watch or viz notification,
// rendered for consumers outside the VM.
type NotificationEvent struct {
	// Channel and Variable identify a watch notification.
	Channel  string
	Variable string
	Value    string

	// Viz is set for visualization events.
	Viz *vm.VizNotification
}

// NotificationSink consumes notification events as they are raised.
type NotificationSink func(NotificationEvent)

// Driver runs one top-level call to completion, resolving every
// suspension the VM yields. The VM stays synchronous; all waiting
// happens here.
type Driver struct {
	scheduler Scheduler
	sink      NotificationSink

	results chan FutureResult

	// arrived buffers results whose futures are not awaited yet.
	arrived map[vm.ObjectIndex]FutureResult
}

// NewDriver creates a driver over the given scheduler. sink may be nil
// to discard notifications.
func NewDriver(scheduler Scheduler, sink NotificationSink) *Driver {
	return &Driver{
		scheduler: scheduler,
		sink:      sink,
		results:   make(chan FutureResult, 16),
		arrived:   make(map[vm.ObjectIndex]FutureResult),
	}
}

// Run executes the entry function with the given arguments and drives
// the VM until it completes, fails, or the context is cancelled.
func (d *Driver) Run(ctx context.Context, v *vm.VM, entry vm.ObjectIndex, args []vm.Value) (vm.Value, error) {
	v.SetEntryPoint(entry, args)

	for {
		state, err := v.Exec()
		if err != nil {
			trace := v.StackTrace(err)
			driverLog.Errorf("execution failed: %s", trace.Error())
			return vm.Null, trace
		}

		switch state.Kind {
		case vm.StateComplete:
			return state.Value, nil

		case vm.StateSchedule:
			if err := d.schedule(ctx, v, state.Future); err != nil {
				return vm.Null, err
			}

		case vm.StateAwait:
			if err := d.await(ctx, v, state.Future); err != nil {
				return vm.Null, err
			}

		case vm.StateNotify:
			d.notify(v, state.Notification)

		default:
			return vm.Null, fmt.Errorf("driver: unexpected suspension %s", state.Kind)
		}
	}
}

// schedule hands a freshly dispatched future to the scheduler.
func (d *Driver) schedule(ctx context.Context, v *vm.VM, handle vm.ObjectIndex) error {
	pending, err := v.PendingFuture(handle)
	if err != nil {
		return fmt.Errorf("driver: scheduling future %d: %w", handle, err)
	}

	req := ScheduledRequest{
		Function: pending.Function,
		Kind:     pending.Kind,
		Args:     make([]string, len(pending.Args)),
	}
	for i, arg := range pending.Args {
		rendered, err := v.FormatValue(arg)
		if err != nil {
			return fmt.Errorf("driver: rendering argument %d of %s: %w", i, pending.Function, err)
		}
		req.Args[i] = rendered
	}

	driverLog.Debugf("scheduling %s future %d (%s)", pending.Kind, handle, pending.Function)
	d.scheduler.Schedule(ctx, handle, req, d.results)
	return nil
}

// await blocks until the result of the given future has arrived,
// fulfilling every other result that lands in the meantime.
func (d *Driver) await(ctx context.Context, v *vm.VM, handle vm.ObjectIndex) error {
	// Results that came in while the VM was busy.
	if err := d.drainArrived(v, handle); err != nil {
		return err
	}
	if _, done := d.arrived[handle]; done {
		delete(d.arrived, handle)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case result := <-d.results:
			if result.Err != nil {
				return fmt.Errorf("driver: future %d failed: %w", result.Handle, result.Err)
			}
			if err := v.FulfilFuture(result.Handle, v.AllocString(result.Text)); err != nil {
				return fmt.Errorf("driver: fulfilling future %d: %w", result.Handle, err)
			}
			if result.Handle == handle {
				return nil
			}
		}
	}
}

// drainArrived fulfils buffered and immediately available results
// without blocking.
func (d *Driver) drainArrived(v *vm.VM, awaited vm.ObjectIndex) error {
	for {
		select {
		case result := <-d.results:
			if result.Err != nil {
				return fmt.Errorf("driver: future %d failed: %w", result.Handle, result.Err)
			}
			if err := v.FulfilFuture(result.Handle, v.AllocString(result.Text)); err != nil {
				return fmt.Errorf("driver: fulfilling future %d: %w", result.Handle, err)
			}
			if result.Handle == awaited {
				d.arrived[awaited] = result
			}
		default:
			return nil
		}
	}
}

// notify renders a notification for the sink.
func (d *Driver) notify(v *vm.VM, n *vm.Notification) {
	if d.sink == nil || n == nil {
		return
	}

	if n.Viz != nil {
		d.sink(NotificationEvent{Viz: n.Viz})
		return
	}

	for _, node := range n.Variables {
		state := v.Watch().RootState(node)
		if state == nil {
			continue
		}
		rendered, err := v.FormatValue(state.Value)
		if err != nil {
			driverLog.Warningf("rendering notification value: %s", err.Error())
			rendered = "<unrenderable>"
		}
		d.sink(NotificationEvent{
			Channel:  state.Channel,
			Variable: v.WatchedVarName(node),
			Value:    rendered,
		})
	}
}
