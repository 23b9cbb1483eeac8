package calculation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rdrf/rdrf/internal/platform/form"
)

// fakeEvaluator records every request and answers through fn.
type fakeEvaluator struct {
	mu       sync.Mutex
	requests []*ComputeRequest
	fn       func(req *ComputeRequest) (Scalar, error)
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, req *ComputeRequest) (Scalar, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.fn
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Scalar{}, err
	}
	if fn == nil {
		return Empty(), nil
	}
	return fn(req)
}

func (f *fakeEvaluator) count(observer FieldCode) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Observer == observer {
			n++
		}
	}
	return n
}

func (f *fakeEvaluator) last(observer FieldCode) *ComputeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].Observer == observer {
			return f.requests[i]
		}
	}
	return nil
}

func (f *fakeEvaluator) reset() {
	f.mu.Lock()
	f.requests = nil
	f.mu.Unlock()
}

func newTestController(t *testing.T, fields Fields, ev Evaluator, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithDebounce(testWindow)}, opts...)
	c := NewController(fields, ev, opts...)
	t.Cleanup(c.Close)
	return c
}

func wait(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("timed out waiting for controller: %v", err)
	}
}

func value(t *testing.T, f *form.Form, code string) string {
	t.Helper()
	c, ok := f.First(code)
	if !ok {
		t.Fatalf("no control for %s", code)
	}
	return c.Value()
}

func vitalsForm(t *testing.T) *form.Form {
	return newFields(t,
		form.NewControl(form.TokenFieldName, form.TypeHidden, "tok"),
		form.NewControl("clinical____VITALS____HEIGHT", form.TypeNumber, "180"),
		form.NewControl("clinical____VITALS____WEIGHT", form.TypeNumber, "81"),
		form.NewControl("clinical____VITALS____BMI", form.TypeNumber, "99"),
	)
}

func TestController_Register_Validation(t *testing.T) {
	c := newTestController(t, vitalsForm(t), &fakeEvaluator{})
	if err := c.Register(Registration{Inputs: []FieldCode{"A"}}); !errors.Is(err, ErrEmptyObserver) {
		t.Errorf("expected ErrEmptyObserver, got %v", err)
	}
	if err := c.Register(Registration{Observer: "BMI"}); !errors.Is(err, ErrNoInputs) {
		t.Errorf("expected ErrNoInputs, got %v", err)
	}
	c.Close()
	if err := c.Register(Registration{Observer: "BMI", Inputs: []FieldCode{"HEIGHT"}}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestController_LoadTimeSync(t *testing.T) {
	f := vitalsForm(t)
	ev := &fakeEvaluator{fn: func(req *ComputeRequest) (Scalar, error) { return Number(25), nil }}
	c := newTestController(t, f, ev)

	err := c.Register(Registration{
		Observer:       "BMI",
		Inputs:         []FieldCode{"HEIGHT", "WEIGHT"},
		PatientContext: PatientContext{DateOfBirth: "1990-01-01", Sex: "M"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Dispatch is synchronous: the request is issued before any interaction.
	if seq := c.coordinator.Latest("BMI"); seq != 1 {
		t.Fatalf("expected 1 request issued at registration, got %d", seq)
	}
	wait(t, c)
	if n := ev.count("BMI"); n != 1 {
		t.Fatalf("expected 1 request at registration, got %d", n)
	}

	want := &ComputeRequest{
		Observer:       "BMI",
		PatientContext: PatientContext{DateOfBirth: "1990-01-01", Sex: "M"},
		FormValues:     map[FieldCode]Scalar{"HEIGHT": Number(180), "WEIGHT": Number(81)},
	}
	got := ev.last("BMI")
	if diff := cmp.Diff(want, got, cmpIgnoreRequestID); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
	if v := value(t, f, "BMI"); v != "25" {
		t.Errorf("expected stale page value replaced by 25, got %q", v)
	}
}

var cmpIgnoreRequestID = cmp.Comparer(func(a, b *ComputeRequest) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Observer == b.Observer && a.PatientContext == b.PatientContext &&
		cmp.Equal(a.FormValues, b.FormValues)
})

func TestController_OneRequestPerWindowAcrossInputs(t *testing.T) {
	f := vitalsForm(t)
	ev := &fakeEvaluator{fn: func(req *ComputeRequest) (Scalar, error) { return Number(1), nil }}
	c := newTestController(t, f, ev)
	c.Register(Registration{Observer: "BMI", Inputs: []FieldCode{"HEIGHT", "WEIGHT"}})
	wait(t, c)
	ev.reset()

	h, _ := f.First("HEIGHT")
	w, _ := f.First("WEIGHT")
	h.Input("17")
	h.Input("175")
	w.Input("9")
	w.Commit("90")
	wait(t, c)

	if n := ev.count("BMI"); n != 1 {
		t.Fatalf("expected 1 request for the burst, got %d", n)
	}
	got := ev.last("BMI").FormValues
	if got["HEIGHT"] != Number(175) || got["WEIGHT"] != Number(90) {
		t.Errorf("expected final values in request, got %v", got)
	}
}

func TestController_SpacedChangesEachRecompute(t *testing.T) {
	f := vitalsForm(t)
	ev := &fakeEvaluator{}
	c := newTestController(t, f, ev)
	c.Register(Registration{Observer: "BMI", Inputs: []FieldCode{"HEIGHT", "WEIGHT"}})
	wait(t, c)
	ev.reset()

	h, _ := f.First("HEIGHT")
	h.Input("170")
	wait(t, c)
	h.Input("171")
	wait(t, c)

	if n := ev.count("BMI"); n != 2 {
		t.Errorf("expected 2 requests, got %d", n)
	}
}

func TestController_Cascade(t *testing.T) {
	f := newFields(t,
		form.NewControl("f__I1", form.TypeNumber, "1"),
		form.NewControl("f__C2", form.TypeNumber, ""),
		form.NewControl("f__C3", form.TypeNumber, ""),
	)
	ev := &fakeEvaluator{fn: func(req *ComputeRequest) (Scalar, error) {
		switch req.Observer {
		case "C2":
			return Number(req.FormValues["I1"].Num * 2), nil
		case "C3":
			return Number(req.FormValues["C2"].Num + 1), nil
		}
		return Empty(), nil
	}}
	c := newTestController(t, f, ev)
	c.Register(Registration{Observer: "C2", Inputs: []FieldCode{"I1"}})
	c.Register(Registration{Observer: "C3", Inputs: []FieldCode{"C2"}})
	wait(t, c)

	i1, _ := f.First("I1")
	i1.Commit("5")
	wait(t, c)

	if v := value(t, f, "C2"); v != "10" {
		t.Errorf("expected C2=10, got %q", v)
	}
	if v := value(t, f, "C3"); v != "11" {
		t.Errorf("expected C3=11, got %q", v)
	}
	if got := ev.last("C3").FormValues["C2"]; got != Number(10) {
		t.Errorf("expected C3 to be computed from the new C2, got %v", got)
	}
}

func TestController_CycleTerminates(t *testing.T) {
	f := newFields(t,
		form.NewControl("f__A", form.TypeNumber, "1"),
		form.NewControl("f__B", form.TypeNumber, "1"),
	)
	ev := &fakeEvaluator{fn: func(req *ComputeRequest) (Scalar, error) { return Number(2), nil }}
	metrics := NewMetrics(prometheus.NewRegistry())
	c := newTestController(t, f, ev, WithMetrics(metrics))
	c.Register(Registration{Observer: "A", Inputs: []FieldCode{"B"}})
	c.Register(Registration{Observer: "B", Inputs: []FieldCode{"A"}})
	wait(t, c)

	if n := testutil.ToFloat64(metrics.CascadeSuppressed.WithLabelValues("cycle")); n == 0 {
		t.Error("expected the cycle guard to stop the cascade")
	}
	if total := ev.count("A") + ev.count("B"); total > 8 {
		t.Errorf("expected a bounded number of requests, got %d", total)
	}
}

func TestController_MaxCascadeDepth(t *testing.T) {
	f := newFields(t,
		form.NewControl("f__I", form.TypeNumber, "1"),
		form.NewControl("f__C1", form.TypeNumber, ""),
		form.NewControl("f__C2", form.TypeNumber, ""),
		form.NewControl("f__C3", form.TypeNumber, ""),
	)
	ev := &fakeEvaluator{fn: func(req *ComputeRequest) (Scalar, error) { return Number(1), nil }}
	c := newTestController(t, f, ev, WithMaxCascadeDepth(1))
	c.Register(Registration{Observer: "C1", Inputs: []FieldCode{"I"}})
	c.Register(Registration{Observer: "C2", Inputs: []FieldCode{"C1"}})
	c.Register(Registration{Observer: "C3", Inputs: []FieldCode{"C2"}})
	wait(t, c)
	ev.reset()

	c.Trigger("C1")
	wait(t, c)

	if ev.count("C1") != 1 || ev.count("C2") != 1 {
		t.Errorf("expected C1 and C2 once each, got C1=%d C2=%d", ev.count("C1"), ev.count("C2"))
	}
	if n := ev.count("C3"); n != 0 {
		t.Errorf("expected C3 beyond the depth limit, got %d requests", n)
	}
}

// gatedEvaluator holds the answer for input value "old" until release is closed.
func gatedEvaluator(release <-chan struct{}) *fakeEvaluator {
	return &fakeEvaluator{fn: func(req *ComputeRequest) (Scalar, error) {
		switch req.FormValues["A"].Str {
		case "old":
			<-release
			return Text("from-old"), nil
		case "new":
			return Text("from-new"), nil
		}
		return Text("initial"), nil
	}}
}

func runStaleScenario(t *testing.T, policy StalePolicy) (string, *Metrics) {
	t.Helper()
	f := newFields(t,
		form.NewControl("f__A", form.TypeText, ""),
		form.NewControl("f__OUT", form.TypeText, ""),
	)
	release := make(chan struct{})
	metrics := NewMetrics(prometheus.NewRegistry())
	c := newTestController(t, f, gatedEvaluator(release), WithStalePolicy(policy), WithMetrics(metrics))
	c.Register(Registration{Observer: "OUT", Inputs: []FieldCode{"A"}})
	wait(t, c)

	a, _ := f.First("A")
	a.SetValue("old")
	c.Trigger("OUT")
	a.SetValue("new")
	c.Trigger("OUT")

	deadline := time.Now().Add(2 * time.Second)
	for value(t, f, "OUT") != "from-new" {
		if time.Now().After(deadline) {
			t.Fatal("newer response never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	wait(t, c)
	return value(t, f, "OUT"), metrics
}

func TestController_StaleResponseDiscarded(t *testing.T) {
	got, metrics := runStaleScenario(t, StaleDiscard)
	if got != "from-new" {
		t.Errorf("expected the latest request to win, got %q", got)
	}
	if n := testutil.ToFloat64(metrics.Stale.WithLabelValues("discard")); n != 1 {
		t.Errorf("expected 1 stale response counted, got %v", n)
	}
}

func TestController_StaleResponseApplied(t *testing.T) {
	got, metrics := runStaleScenario(t, StaleApply)
	if got != "from-old" {
		t.Errorf("expected last arrival to win, got %q", got)
	}
	if n := testutil.ToFloat64(metrics.Stale.WithLabelValues("apply")); n != 1 {
		t.Errorf("expected 1 stale response counted, got %v", n)
	}
}

func TestController_FailureKeepsValueAndIsolated(t *testing.T) {
	f := newFields(t,
		form.NewControl("f__I", form.TypeNumber, "1"),
		form.NewControl("f__BAD", form.TypeNumber, "7"),
		form.NewControl("f__GOOD", form.TypeNumber, ""),
	)
	metrics := NewMetrics(prometheus.NewRegistry())
	ev := &fakeEvaluator{fn: func(req *ComputeRequest) (Scalar, error) {
		if req.Observer == "BAD" {
			return Scalar{}, errors.New("service unavailable")
		}
		return Number(3), nil
	}}
	c := newTestController(t, f, ev, WithMetrics(metrics))
	if err := c.Register(Registration{Observer: "BAD", Inputs: []FieldCode{"I"}}); err != nil {
		t.Fatalf("expected failures to be absorbed, got %v", err)
	}
	c.Register(Registration{Observer: "GOOD", Inputs: []FieldCode{"I"}})
	wait(t, c)

	i, _ := f.First("I")
	i.Input("2")
	wait(t, c)

	if v := value(t, f, "BAD"); v != "7" {
		t.Errorf("expected BAD to keep its value, got %q", v)
	}
	if v := value(t, f, "GOOD"); v != "3" {
		t.Errorf("expected GOOD=3, got %q", v)
	}
	if n := testutil.ToFloat64(metrics.Failures); n != 2 {
		t.Errorf("expected 2 failures counted, got %v", n)
	}
}

func TestController_DuplicateRegistration(t *testing.T) {
	f := vitalsForm(t)
	ev := &fakeEvaluator{}
	c := newTestController(t, f, ev)
	reg := Registration{Observer: "BMI", Inputs: []FieldCode{"HEIGHT", "WEIGHT"}}
	c.Register(reg)
	c.Register(reg)
	wait(t, c)
	ev.reset()

	h, _ := f.First("HEIGHT")
	if h.Handlers(form.EventChange) != 1 || h.Handlers(form.EventKeyUp) != 1 {
		t.Errorf("expected a single listener per event, got change=%d keyup=%d",
			h.Handlers(form.EventChange), h.Handlers(form.EventKeyUp))
	}
	h.Input("170")
	wait(t, c)
	if n := ev.count("BMI"); n != 1 {
		t.Errorf("expected 1 request despite duplicate registration, got %d", n)
	}
}

func TestController_RebindAfterSectionDuplication(t *testing.T) {
	dose := form.NewControl("f____MEDS____DOSE", form.TypeNumber, "1")
	dose.Section = "MEDS"
	f := newFields(t, dose, form.NewControl("f____TOTALS____TOTAL", form.TypeNumber, ""))
	ev := &fakeEvaluator{}
	c := newTestController(t, f, ev)
	c.Register(Registration{Observer: "TOTAL", Inputs: []FieldCode{"DOSE"}})
	wait(t, c)

	clones, err := f.DuplicateSection("MEDS")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Rebind()
	ev.reset()

	clones[0].Input("4")
	wait(t, c)
	if n := ev.count("TOTAL"); n != 1 {
		t.Errorf("expected the duplicated control to trigger a recompute, got %d", n)
	}
}

func TestController_EngineWritesDoNotRetrigger(t *testing.T) {
	f := vitalsForm(t)
	ev := &fakeEvaluator{fn: func(req *ComputeRequest) (Scalar, error) { return Number(5), nil }}
	c := newTestController(t, f, ev)
	c.Register(Registration{Observer: "BMI", Inputs: []FieldCode{"HEIGHT"}})
	c.Register(Registration{Observer: "WEIGHT", Inputs: []FieldCode{"BMI"}})
	wait(t, c)
	ev.reset()

	// Writing BMI raises a change event on a bound input; only the explicit
	// cascade may recompute WEIGHT.
	c.Trigger("BMI")
	wait(t, c)
	if n := ev.count("WEIGHT"); n != 1 {
		t.Errorf("expected exactly one cascaded WEIGHT request, got %d", n)
	}
}

func TestController_TriggerIgnoresUnregistered(t *testing.T) {
	f := vitalsForm(t)
	ev := &fakeEvaluator{fn: func(req *ComputeRequest) (Scalar, error) { return Number(25), nil }}
	c := newTestController(t, f, ev)
	c.Register(Registration{Observer: "BMI", Inputs: []FieldCode{"HEIGHT", "WEIGHT"}})
	wait(t, c)
	ev.reset()

	c.Trigger("HEIGHT", "BMI", "NOPE")
	wait(t, c)
	if n := ev.count("BMI"); n != 1 {
		t.Errorf("expected one BMI request, got %d", n)
	}
	if ev.count("HEIGHT") != 0 || ev.count("NOPE") != 0 {
		t.Error("expected unregistered codes to issue no request")
	}
}

func TestController_Close(t *testing.T) {
	f := vitalsForm(t)
	ev := &fakeEvaluator{}
	c := newTestController(t, f, ev)
	c.Register(Registration{Observer: "BMI", Inputs: []FieldCode{"HEIGHT"}})
	wait(t, c)
	ev.reset()

	h, _ := f.First("HEIGHT")
	h.Input("1")
	c.Close()
	wait(t, c)

	if n := ev.count("BMI"); n != 0 {
		t.Errorf("expected no requests after Close, got %d", n)
	}
	if h.Handlers(form.EventKeyUp) != 0 {
		t.Error("expected handlers detached after Close")
	}
	c.Close()
}

func TestController_PatientContextSentVerbatim(t *testing.T) {
	f := vitalsForm(t)
	ev := &fakeEvaluator{}
	c := newTestController(t, f, ev)
	pc := PatientContext{DateOfBirth: "1975-12-31", Sex: "X"}
	c.Register(Registration{Observer: "BMI", Inputs: []FieldCode{"HEIGHT"}, PatientContext: pc})
	wait(t, c)

	if got := ev.last("BMI").PatientContext; got != pc {
		t.Errorf("expected %+v, got %+v", pc, got)
	}
	if c.Patient() != pc {
		t.Errorf("expected controller patient %+v, got %+v", pc, c.Patient())
	}
}

func TestParseStalePolicy(t *testing.T) {
	if p, err := ParseStalePolicy(""); err != nil || p != StaleDiscard {
		t.Errorf("expected default discard, got %q %v", p, err)
	}
	if p, err := ParseStalePolicy("APPLY"); err != nil || p != StaleApply {
		t.Errorf("expected apply, got %q %v", p, err)
	}
	if _, err := ParseStalePolicy("newest"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
