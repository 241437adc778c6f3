// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/aws/go-kafka-stateful-streams/assign"
	"github.com/aws/go-kafka-stateful-streams/streams"
)

func tp(p int32) streams.TopicPartition {
	return streams.NewTopicPartition("events", p)
}

type fakeRuntime struct {
	mu       sync.Mutex
	owned    streams.TopicPartitionSet
	calls    []string
	assignFn func([]streams.TopicPartition) error
}

func newFakeRuntime(owned ...streams.TopicPartition) *fakeRuntime {
	return &fakeRuntime{owned: streams.NewTopicPartitionSet(owned...)}
}

func (f *fakeRuntime) Assign(_ context.Context, tps []streams.TopicPartition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "assign")
	if f.assignFn != nil {
		if err := f.assignFn(tps); err != nil {
			return err
		}
	}
	for _, tp := range tps {
		f.owned.Insert(tp)
	}
	return nil
}

func (f *fakeRuntime) Revoke(_ context.Context, tps []streams.TopicPartition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "revoke")
	for _, tp := range tps {
		f.owned.Remove(tp)
	}
	return nil
}

func (f *fakeRuntime) Assigned() []streams.TopicPartition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owned.Items()
}

type fakeWarmer struct {
	warmed []streams.TopicPartition
	err    error
}

func (f *fakeWarmer) Warm(_ context.Context, tp streams.TopicPartition) (*streams.PartitionStore, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.warmed = append(f.warmed, tp)
	return nil, nil
}

type fakeSignaller struct {
	ready      []streams.TopicPartition
	released   []streams.TopicPartition
	releaseErr error
}

func (f *fakeSignaller) SignalReady(_ context.Context, tp streams.TopicPartition) error {
	f.ready = append(f.ready, tp)
	return nil
}

func (f *fakeSignaller) Release(_ context.Context, tp streams.TopicPartition) error {
	f.released = append(f.released, tp)
	return f.releaseErr
}

func TestWorkerHandlerSnapshotReleasesUnlisted(t *testing.T) {
	runtime := newFakeRuntime(tp(0), tp(1))
	w := newWorkerHandler(runtime, &fakeWarmer{}, &fakeSignaller{}, 0)

	if err := w.HandleAssignment(context.Background(), true, []streams.TopicPartition{tp(1), tp(2)}, nil); err != nil {
		t.Fatal(err)
	}
	expected := []streams.TopicPartition{tp(1), tp(2)}
	if actual := runtime.Assigned(); !reflect.DeepEqual(actual, expected) {
		t.Errorf("incorrect assignment, actual: %v, expected: %v", actual, expected)
	}
	if !reflect.DeepEqual(runtime.calls, []string{"revoke", "assign"}) {
		t.Errorf("revoke must precede assign, actual: %v", runtime.calls)
	}
}

func TestWorkerHandlerDelta(t *testing.T) {
	runtime := newFakeRuntime(tp(0))
	w := newWorkerHandler(runtime, &fakeWarmer{}, &fakeSignaller{}, 0)
	err := w.HandleAssignment(context.Background(), false, []streams.TopicPartition{tp(3)}, []streams.TopicPartition{tp(0)})
	if err != nil {
		t.Fatal(err)
	}
	if actual := runtime.Assigned(); len(actual) != 1 || actual[0] != tp(3) {
		t.Errorf("incorrect assignment, actual: %v, expected: [events/3]", actual)
	}

	// an empty delta touches nothing
	runtime.calls = nil
	if err := w.HandleAssignment(context.Background(), false, nil, nil); err != nil {
		t.Fatal(err)
	}
	if len(runtime.calls) != 0 {
		t.Errorf("unexpected calls: %v", runtime.calls)
	}
}

func TestWorkerHandlerAssignError(t *testing.T) {
	runtime := newFakeRuntime()
	runtime.assignFn = func([]streams.TopicPartition) error { return errors.New("init failed") }
	w := newWorkerHandler(runtime, &fakeWarmer{}, &fakeSignaller{}, 0)
	if err := w.HandleAssignment(context.Background(), true, []streams.TopicPartition{tp(0)}, nil); err == nil {
		t.Error("expected the assign error to surface so the relay resubscribes")
	}
}

func TestWorkerHandlerWarmUp(t *testing.T) {
	warmer := &fakeWarmer{}
	signaller := &fakeSignaller{}
	w := newWorkerHandler(newFakeRuntime(), warmer, signaller, 0)
	handoff := assign.HandoffState{Topic: "events", Partition: 4, OldOwner: "w1", NewOwner: "w2", Phase: assign.HandoffWarming}

	if err := w.HandleWarmUp(context.Background(), handoff); err != nil {
		t.Fatal(err)
	}
	if len(warmer.warmed) != 1 || warmer.warmed[0] != tp(4) {
		t.Errorf("incorrect warm up, actual: %v, expected: [events/4]", warmer.warmed)
	}
	if len(signaller.ready) != 1 || signaller.ready[0] != tp(4) {
		t.Errorf("incorrect ready signal, actual: %v, expected: [events/4]", signaller.ready)
	}

	// no Ready before the store is warm
	warmer.err = errors.New("download failed")
	if err := w.HandleWarmUp(context.Background(), handoff); err == nil {
		t.Error("expected warm up error")
	}
	if len(signaller.ready) != 1 {
		t.Errorf("ready signalled for a failed warm up, actual: %d, expected: 1", len(signaller.ready))
	}
}

func TestWorkerHandlerRelease(t *testing.T) {
	runtime := newFakeRuntime(tp(4))
	signaller := &fakeSignaller{}
	w := newWorkerHandler(runtime, &fakeWarmer{}, signaller, 0)
	handoff := assign.HandoffState{Topic: "events", Partition: 4, OldOwner: "w1", NewOwner: "w2", Phase: assign.HandoffComplete}

	if err := w.HandleRelease(context.Background(), handoff); err != nil {
		t.Fatal(err)
	}
	if len(runtime.Assigned()) != 0 {
		t.Errorf("partition still owned after release: %v", runtime.Assigned())
	}
	if len(signaller.released) != 1 {
		t.Errorf("incorrect releases, actual: %d, expected: 1", len(signaller.released))
	}

	signaller.releaseErr = assign.ErrNotHandoffParticipant
	if err := w.HandleRelease(context.Background(), handoff); err != nil {
		t.Errorf("a handoff that moved on is not an error, actual: %v", err)
	}
	signaller.releaseErr = assign.ErrHandoffInProgress
	if err := w.HandleRelease(context.Background(), handoff); !errors.Is(err, assign.ErrHandoffInProgress) {
		t.Errorf("incorrect error, actual: %v, expected: %v", err, assign.ErrHandoffInProgress)
	}
}
