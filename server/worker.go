package server

import (
	"encoding/json"
	"fmt"

	"github.com/chazu/fable/vm"
)

// callTask is one unit of work for the VM goroutine: drive the VM and
// produce a rendered result.
type callTask struct {
	run  func(*vm.VM) (json.RawMessage, error)
	done chan callOutcome
}

// callOutcome is what a task produced, or the error (including a
// recovered panic) that stopped it.
type callOutcome struct {
	result json.RawMessage
	err    error
}

// VMWorker owns one VM instance and serializes all access to it
// through a single goroutine. A VM is single-threaded; the driver
// loop for one top-level call runs entirely inside a single Do.
type VMWorker struct {
	vm    *vm.VM
	tasks chan callTask
	quit  chan struct{}
}

// NewVMWorker creates a VMWorker and starts its goroutine.
func NewVMWorker(v *vm.VM) *VMWorker {
	w := &VMWorker{
		vm:    v,
		tasks: make(chan callTask, 64),
		quit:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *VMWorker) loop() {
	for {
		select {
		case task := <-w.tasks:
			task.done <- w.execute(task.run)
		case <-w.quit:
			return
		}
	}
}

// execute runs one task on the VM, recovering from panics so a broken
// call cannot take the worker down with it.
func (w *VMWorker) execute(run func(*vm.VM) (json.RawMessage, error)) callOutcome {
	var outcome callOutcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				outcome.err = fmt.Errorf("vm call panicked: %v", r)
			}
		}()
		outcome.result, outcome.err = run(w.vm)
	}()
	return outcome
}

// Do submits a task to the VM goroutine and blocks until it completes.
func (w *VMWorker) Do(run func(*vm.VM) (json.RawMessage, error)) (json.RawMessage, error) {
	task := callTask{
		run:  run,
		done: make(chan callOutcome, 1),
	}
	w.tasks <- task
	outcome := <-task.done
	return outcome.result, outcome.err
}

// Stop shuts down the worker goroutine.
func (w *VMWorker) Stop() {
	close(w.quit)
}

// VM returns the underlying VM for inspection between calls.
func (w *VMWorker) VM() *vm.VM {
	return w.vm
}
