package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/fable/manifest"
	"github.com/chazu/fable/vm"
)

const (
	CallProcedure     = "/fable.v1.RunService/Call"
	GetRunProcedure   = "/fable.v1.RunService/GetRun"
	ListRunsProcedure = "/fable.v1.RunService/ListRuns"
)

// jsonCodec makes the connect handlers speak plain JSON bodies, so
// clients can call them with curl and no generated stubs.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(message any) ([]byte, error) {
	return json.Marshal(message)
}

func (jsonCodec) Unmarshal(data []byte, message any) error {
	return json.Unmarshal(data, message)
}

// CallRequest invokes a program function by name. Args are JSON
// documents converted to VM values before the call.
type CallRequest struct {
	Function string            `json:"function"`
	Args     []json.RawMessage `json:"args,omitempty"`
}

// NotificationPayload is one watch notification recorded during a run.
type NotificationPayload struct {
	Channel  string `json:"channel"`
	Variable string `json:"variable,omitempty"`
	Value    string `json:"value"`
}

type CallResponse struct {
	RunID         int64                 `json:"run_id"`
	Result        json.RawMessage       `json:"result"`
	Notifications []NotificationPayload `json:"notifications,omitempty"`
}

type GetRunRequest struct {
	ID int64 `json:"id"`
}

// RunPayload is the stored record of one top-level call.
type RunPayload struct {
	ID         int64  `json:"id"`
	Function   string `json:"function"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

type GetRunResponse struct {
	Run           RunPayload            `json:"run"`
	Notifications []NotificationPayload `json:"notifications,omitempty"`
}

type ListRunsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ListRunsResponse struct {
	Runs []RunPayload `json:"runs"`
}

// FableServer exposes a loaded program over connect RPC. Each Call
// builds a fresh VM over the shared program, runs it on a dedicated
// worker, and records the run in the store.
type FableServer struct {
	program   *vm.Program
	config    *manifest.Manifest
	store     *RunStore
	scheduler Scheduler

	// slots bounds concurrent calls per the manifest.
	slots chan struct{}

	mux *http.ServeMux
	log commonlog.Logger
}

// NewFableServer assembles the RPC surface over a loaded program.
func NewFableServer(program *vm.Program, config *manifest.Manifest, store *RunStore, scheduler Scheduler) *FableServer {
	s := &FableServer{
		program:   program,
		config:    config,
		store:     store,
		scheduler: scheduler,
		slots:     make(chan struct{}, config.Runtime.MaxConcurrentCalls),
		mux:       http.NewServeMux(),
		log:       commonlog.GetLogger("fable.server"),
	}

	codec := connect.WithCodec(jsonCodec{})
	s.mux.Handle(CallProcedure, connect.NewUnaryHandler(CallProcedure, s.Call, codec))
	s.mux.Handle(GetRunProcedure, connect.NewUnaryHandler(GetRunProcedure, s.GetRun, codec))
	s.mux.Handle(ListRunsProcedure, connect.NewUnaryHandler(ListRunsProcedure, s.ListRuns, codec))
	return s
}

// Handler returns the HTTP surface for mounting or testing.
func (s *FableServer) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves the RPC surface on the manifest's listen
// address until the context is cancelled.
func (s *FableServer) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.config.Server.Listen,
		Handler: s.mux,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()

	s.log.Noticef("listening on %s", s.config.Server.Listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errs:
		return err
	}
}

// Call runs a program function to completion and records the run.
func (s *FableServer) Call(ctx context.Context, req *connect.Request[CallRequest]) (*connect.Response[CallResponse], error) {
	name := req.Msg.Function
	if name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("function name required"))
	}

	ref, ok := s.program.Functions[name]
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("no function named %q", name))
	}
	if ref.Kind != vm.FunctionExec {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%q is a %s function and cannot be called directly", name, ref.Kind))
	}

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		return nil, connect.NewError(connect.CodeUnavailable, ctx.Err())
	}

	if timeout := s.config.Runtime.CallTimeoutSeconds; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
	}

	runID, err := s.store.BeginRun(name)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	instance := vm.New(s.program, s.config.Env)

	fn, err := instance.Objects().AsFunction(ref.Index)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if len(req.Msg.Args) != fn.Arity {
		return nil, connect.NewError(connect.CodeInvalidArgument,
			fmt.Errorf("%q takes %d arguments, got %d", name, fn.Arity, len(req.Msg.Args)))
	}

	args := make([]vm.Value, len(req.Msg.Args))
	for i, raw := range req.Msg.Args {
		value, err := ValueFromJSON(instance, raw)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("argument %d: %w", i, err))
		}
		args[i] = value
	}

	var notifications []NotificationPayload
	sink := func(event NotificationEvent) {
		payload := NotificationPayload{
			Channel:  event.Channel,
			Variable: event.Variable,
			Value:    event.Value,
		}
		if event.Viz != nil {
			payload.Channel = "viz"
			payload.Variable = event.Viz.FunctionName
			payload.Value = fmt.Sprintf("%s %s", event.Viz.Event.Delta, event.Viz.Event.Label)
		}
		notifications = append(notifications, payload)
		if err := s.store.AddNotification(runID, event.Channel, event.Variable, event.Value); err != nil {
			s.log.Errorf("recording notification for run %d: %s", runID, err)
		}
	}

	worker := NewVMWorker(instance)
	defer worker.Stop()

	driver := NewDriver(s.scheduler, sink)
	rendered, err := worker.Do(func(v *vm.VM) (json.RawMessage, error) {
		result, runErr := driver.Run(ctx, v, ref.Index, args)
		if runErr != nil {
			return nil, runErr
		}
		return ValueToJSON(v, result)
	})
	if err != nil {
		if storeErr := s.store.FinishRun(runID, RunFailed, "", err.Error()); storeErr != nil {
			s.log.Errorf("recording failed run %d: %s", runID, storeErr)
		}
		s.log.Errorf("run %d (%s) failed: %s", runID, name, err)
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	if storeErr := s.store.FinishRun(runID, RunCompleted, string(rendered), ""); storeErr != nil {
		s.log.Errorf("recording completed run %d: %s", runID, storeErr)
	}

	return connect.NewResponse(&CallResponse{
		RunID:         runID,
		Result:        rendered,
		Notifications: notifications,
	}), nil
}

// GetRun returns one stored run with its notifications.
func (s *FableServer) GetRun(ctx context.Context, req *connect.Request[GetRunRequest]) (*connect.Response[GetRunResponse], error) {
	run, err := s.store.GetRun(req.Msg.ID)
	if err == ErrRunNotFound {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("no run with id %d", req.Msg.ID))
	}
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	stored, err := s.store.Notifications(req.Msg.ID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	payloads := make([]NotificationPayload, len(stored))
	for i, n := range stored {
		payloads[i] = NotificationPayload{
			Channel:  n.Channel,
			Variable: n.Variable,
			Value:    n.Value,
		}
	}

	return connect.NewResponse(&GetRunResponse{
		Run:           runPayload(run),
		Notifications: payloads,
	}), nil
}

// ListRuns returns recent runs, newest first.
func (s *FableServer) ListRuns(ctx context.Context, req *connect.Request[ListRunsRequest]) (*connect.Response[ListRunsResponse], error) {
	runs, err := s.store.ListRuns(req.Msg.Limit)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	payloads := make([]RunPayload, len(runs))
	for i := range runs {
		payloads[i] = runPayload(&runs[i])
	}
	return connect.NewResponse(&ListRunsResponse{Runs: payloads}), nil
}

func runPayload(run *Run) RunPayload {
	payload := RunPayload{
		ID:        run.ID,
		Function:  run.Function,
		Status:    run.Status,
		Result:    run.Result,
		Error:     run.Error,
		StartedAt: run.StartedAt.Format(time.RFC3339),
	}
	if run.Status != RunRunning {
		payload.FinishedAt = run.FinishedAt.Format(time.RFC3339)
	}
	return payload
}
