package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/chazu/fable/manifest"
	"github.com/chazu/fable/vm"
)

// serviceProgram has a plain greet function, a watched counter, and an
// llm-backed summarize wrapper.
func serviceProgram(t *testing.T) *vm.Program {
	t.Helper()

	p := vm.NewProgram()
	hello := p.Objects.Insert(&vm.StringObject{Value: "hello "})
	channel := p.Objects.Insert(&vm.StringObject{Value: "updates"})

	greet := &vm.FunctionObject{Name: "greet", Arity: 1, Kind: vm.FunctionExec}
	p.AddFunction(greet)
	b := vm.NewBuilder()
	b.Emit1(vm.OpLoadConst, b.Const(vm.FromObject(hello)))
	b.Emit1(vm.OpLoadVar, 1)
	b.Emit1(vm.OpBinOp, int32(vm.BinAdd))
	b.Emit(vm.OpReturn)
	greet.Code = b.Build()

	counter := &vm.FunctionObject{Name: "counter", Kind: vm.FunctionExec}
	p.AddFunction(counter)
	b = vm.NewBuilder()
	b.Emit1(vm.OpLoadConst, b.Const(vm.FromInt(1)))
	b.Emit1(vm.OpLoadConst, b.Const(vm.FromObject(channel)))
	b.Emit1(vm.OpLoadConst, b.Const(vm.Null))
	b.Emit2(vm.OpWatch, 1, b.Name("n"))
	b.Emit1(vm.OpLoadConst, b.Const(vm.FromInt(2)))
	b.Emit1(vm.OpStoreVar, 1)
	b.Emit1(vm.OpLoadVar, 1)
	b.Emit(vm.OpReturn)
	counter.Code = b.Build()

	llmIndex := p.AddFunction(&vm.FunctionObject{Name: "model", Arity: 1, Kind: vm.FunctionLlm})
	summarize := &vm.FunctionObject{Name: "summarize", Arity: 1, Kind: vm.FunctionExec}
	p.AddFunction(summarize)
	b = vm.NewBuilder()
	b.Emit1(vm.OpLoadConst, b.Const(vm.FromObject(llmIndex)))
	b.Emit1(vm.OpLoadVar, 1)
	b.Emit1(vm.OpDispatchFuture, 1)
	b.Emit(vm.OpAwait)
	b.Emit(vm.OpReturn)
	summarize.Code = b.Build()

	return p
}

func newTestServer(t *testing.T) (*FableServer, *httptest.Server) {
	t.Helper()

	store, err := OpenRunStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("OpenRunStore() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	config := &manifest.Manifest{
		Project: manifest.Project{Name: "test"},
		Runtime: manifest.RuntimeConfig{MaxConcurrentCalls: 2},
	}
	scheduler := &stubScheduler{
		respond: func(req ScheduledRequest) (string, error) {
			return "summary", nil
		},
	}

	s := NewFableServer(serviceProgram(t), config, store, scheduler)
	httpServer := httptest.NewServer(s.Handler())
	t.Cleanup(httpServer.Close)
	return s, httpServer
}

// post sends a connect unary request as plain JSON and decodes the
// response body into out. Returns the HTTP status.
func post(t *testing.T, baseURL, procedure string, request, out interface{}) int {
	t.Helper()

	body, err := json.Marshal(request)
	if err != nil {
		t.Fatalf("marshalling request: %v", err)
	}

	resp, err := http.Post(baseURL+procedure, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", procedure, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decoding response %q: %v", data, err)
		}
	}
	return resp.StatusCode
}

func TestServiceCall(t *testing.T) {
	_, httpServer := newTestServer(t)

	var response CallResponse
	status := post(t, httpServer.URL, CallProcedure, CallRequest{
		Function: "greet",
		Args:     []json.RawMessage{json.RawMessage(`"world"`)},
	}, &response)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	if string(response.Result) != `"hello world"` {
		t.Errorf("result = %s, want %q", response.Result, `"hello world"`)
	}
	if response.RunID <= 0 {
		t.Errorf("run id = %d, want positive", response.RunID)
	}

	var run GetRunResponse
	status = post(t, httpServer.URL, GetRunProcedure, GetRunRequest{ID: response.RunID}, &run)
	if status != http.StatusOK {
		t.Fatalf("GetRun status = %d, want 200", status)
	}
	if run.Run.Status != RunCompleted || run.Run.Function != "greet" {
		t.Errorf("run = %s/%s, want greet/completed", run.Run.Function, run.Run.Status)
	}
	if run.Run.FinishedAt == "" {
		t.Error("completed run has no finish time")
	}
}

func TestServiceCallWithFuture(t *testing.T) {
	_, httpServer := newTestServer(t)

	var response CallResponse
	status := post(t, httpServer.URL, CallProcedure, CallRequest{
		Function: "summarize",
		Args:     []json.RawMessage{json.RawMessage(`"some long text"`)},
	}, &response)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if string(response.Result) != `"summary"` {
		t.Errorf("result = %s, want %q", response.Result, `"summary"`)
	}
}

func TestServiceCallRecordsNotifications(t *testing.T) {
	_, httpServer := newTestServer(t)

	var response CallResponse
	status := post(t, httpServer.URL, CallProcedure, CallRequest{Function: "counter"}, &response)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	if len(response.Notifications) != 1 {
		t.Fatalf("got %d notifications, want 1", len(response.Notifications))
	}
	n := response.Notifications[0]
	if n.Channel != "updates" || n.Variable != "n" || n.Value != "2" {
		t.Errorf("notification = %s/%s/%s, want updates/n/2", n.Channel, n.Variable, n.Value)
	}

	// The notification must also be in the store.
	var run GetRunResponse
	status = post(t, httpServer.URL, GetRunProcedure, GetRunRequest{ID: response.RunID}, &run)
	if status != http.StatusOK {
		t.Fatalf("GetRun status = %d, want 200", status)
	}
	if len(run.Notifications) != 1 || run.Notifications[0].Value != "2" {
		t.Errorf("stored notifications = %+v, want one with value 2", run.Notifications)
	}
}

func TestServiceCallUnknownFunction(t *testing.T) {
	_, httpServer := newTestServer(t)

	status := post(t, httpServer.URL, CallProcedure, CallRequest{Function: "nope"}, nil)
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestServiceCallWrongArity(t *testing.T) {
	_, httpServer := newTestServer(t)

	status := post(t, httpServer.URL, CallProcedure, CallRequest{Function: "greet"}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestServiceCallDirectLlmRejected(t *testing.T) {
	_, httpServer := newTestServer(t)

	status := post(t, httpServer.URL, CallProcedure, CallRequest{
		Function: "model",
		Args:     []json.RawMessage{json.RawMessage(`"text"`)},
	}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestServiceListRuns(t *testing.T) {
	_, httpServer := newTestServer(t)

	for i := 0; i < 2; i++ {
		status := post(t, httpServer.URL, CallProcedure, CallRequest{
			Function: "greet",
			Args:     []json.RawMessage{json.RawMessage(`"x"`)},
		}, nil)
		if status != http.StatusOK {
			t.Fatalf("call %d status = %d, want 200", i, status)
		}
	}

	var response ListRunsResponse
	status := post(t, httpServer.URL, ListRunsProcedure, ListRunsRequest{}, &response)
	if status != http.StatusOK {
		t.Fatalf("ListRuns status = %d, want 200", status)
	}
	if len(response.Runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(response.Runs))
	}
	if response.Runs[0].ID < response.Runs[1].ID {
		t.Error("runs not ordered newest first")
	}
}

func TestValueFromJSONRoundTrip(t *testing.T) {
	v := vm.New(vm.NewProgram(), nil)

	tests := []struct {
		raw  string
		want string
	}{
		{`null`, `null`},
		{`true`, `true`},
		{`-7`, `-7`},
		{`2.5`, `2.5`},
		{`"hi"`, `"hi"`},
		{`[1,2,[3]]`, `[1,2,[3]]`},
		{`{"b":2,"a":1}`, `{"a":1,"b":2}`},
	}
	for _, tt := range tests {
		value, err := ValueFromJSON(v, json.RawMessage(tt.raw))
		if err != nil {
			t.Errorf("ValueFromJSON(%s) error: %v", tt.raw, err)
			continue
		}
		back, err := ValueToJSON(v, value)
		if err != nil {
			t.Errorf("ValueToJSON(%s) error: %v", tt.raw, err)
			continue
		}
		if string(back) != tt.want {
			t.Errorf("round trip of %s = %s, want %s", tt.raw, back, tt.want)
		}
	}
}
