package supervisor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"
)

// fakeComponent records lifecycle calls against a shared journal so tests can
// assert ordering.
type fakeComponent struct {
	name    string
	journal *[]string

	failInit  bool
	failStart bool
	failStop  bool

	running bool
}

func (f *fakeComponent) Initialize() error {
	*f.journal = append(*f.journal, "init:"+f.name)
	if f.failInit {
		return fmt.Errorf("init %s failed", f.name)
	}
	return nil
}

func (f *fakeComponent) Start(context.Context) error {
	*f.journal = append(*f.journal, "start:"+f.name)
	if f.failStart {
		return fmt.Errorf("start %s failed", f.name)
	}
	f.running = true
	return nil
}

func (f *fakeComponent) Stop(time.Duration) error {
	*f.journal = append(*f.journal, "stop:"+f.name)
	if f.failStop {
		return fmt.Errorf("stop %s failed", f.name)
	}
	f.running = false
	return nil
}

func (f *fakeComponent) Meta() component.Metadata {
	return component.Metadata{Name: f.name, Type: "processor"}
}

func (f *fakeComponent) InputPorts() []component.Port  { return nil }
func (f *fakeComponent) OutputPorts() []component.Port { return nil }

func (f *fakeComponent) ConfigSchema() component.ConfigSchema {
	return component.ConfigSchema{}
}

func (f *fakeComponent) Health() component.HealthStatus {
	return component.HealthStatus{Healthy: f.running}
}

func (f *fakeComponent) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{}
}

func TestStartAllAndStopAllOrdering(t *testing.T) {
	var journal []string
	a := &fakeComponent{name: "a", journal: &journal}
	b := &fakeComponent{name: "b", journal: &journal}
	c := &fakeComponent{name: "c", journal: &journal}

	sup := New(nil)
	sup.Add(a, b, c)

	if err := sup.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	if !sup.Healthy() {
		t.Error("supervisor should report healthy after StartAll")
	}

	if err := sup.StopAll(time.Second); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}

	want := []string{
		"init:a", "start:a",
		"init:b", "start:b",
		"init:c", "start:c",
		"stop:c", "stop:b", "stop:a",
	}
	if len(journal) != len(want) {
		t.Fatalf("journal = %v, want %v", journal, want)
	}
	for i := range want {
		if journal[i] != want[i] {
			t.Errorf("journal[%d] = %s, want %s", i, journal[i], want[i])
		}
	}
}

func TestStartAllRollsBackOnFailure(t *testing.T) {
	var journal []string
	a := &fakeComponent{name: "a", journal: &journal}
	b := &fakeComponent{name: "b", journal: &journal, failStart: true}
	c := &fakeComponent{name: "c", journal: &journal}

	sup := New(nil)
	sup.Add(a, b, c)

	if err := sup.StartAll(context.Background()); err == nil {
		t.Fatal("StartAll() should fail when a component fails to start")
	}

	// a was started and must be stopped; c was never reached.
	want := []string{"init:a", "start:a", "init:b", "start:b", "stop:a"}
	if len(journal) != len(want) {
		t.Fatalf("journal = %v, want %v", journal, want)
	}
	for i := range want {
		if journal[i] != want[i] {
			t.Errorf("journal[%d] = %s, want %s", i, journal[i], want[i])
		}
	}
}

func TestStopAllCollectsErrors(t *testing.T) {
	var journal []string
	a := &fakeComponent{name: "a", journal: &journal}
	b := &fakeComponent{name: "b", journal: &journal, failStop: true}

	sup := New(nil)
	sup.Add(a, b)

	if err := sup.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}

	err := sup.StopAll(time.Second)
	if err == nil {
		t.Fatal("StopAll() should surface stop errors")
	}

	// Both components still received their stop call.
	if journal[len(journal)-1] != "stop:a" {
		t.Errorf("last journal entry = %s, want stop:a", journal[len(journal)-1])
	}
}

func TestStopAllIsIdempotent(t *testing.T) {
	var journal []string
	a := &fakeComponent{name: "a", journal: &journal}

	sup := New(nil)
	sup.Add(a)

	if err := sup.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	if err := sup.StopAll(time.Second); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}

	before := len(journal)
	if err := sup.StopAll(time.Second); err != nil {
		t.Fatalf("second StopAll() error = %v", err)
	}
	if len(journal) != before {
		t.Error("second StopAll() should not stop components again")
	}
}

func TestHealthReportsAllComponents(t *testing.T) {
	var journal []string
	a := &fakeComponent{name: "a", journal: &journal}
	b := &fakeComponent{name: "b", journal: &journal}

	sup := New(nil)
	sup.Add(a, b)

	health := sup.Health()
	if len(health) != 2 {
		t.Fatalf("Health() = %d entries, want 2", len(health))
	}
	if health["a"].Healthy {
		t.Error("component a should be unhealthy before start")
	}
	if sup.Healthy() {
		t.Error("supervisor should be unhealthy before start")
	}
}
