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

package streams

import (
	"fmt"
	"sync"
	"time"

	"github.com/aws/go-kafka-stateful-streams/streams/sak"
	"github.com/twmb/franz-go/pkg/kgo"
)

type inflightRecord struct {
	record *kgo.Record
	handle *Handle
}

// partitionWorker processes the records of one partition, in offset order, on a single goroutine.
// It does not process anything until activate is called with the partition's store.
type partitionWorker struct {
	consumer       *StatefulConsumer
	topicPartition TopicPartition
	input          chan inflightRecord
	ready          chan struct{}
	stopped        chan struct{}
	runStatus      sak.RunStatus
	store          *PartitionStore
	// guards input against sends after the worker has drained
	mu      sync.Mutex
	drained bool
}

func newPartitionWorker(c *StatefulConsumer, tp TopicPartition) *partitionWorker {
	pw := &partitionWorker{
		consumer:       c,
		topicPartition: tp,
		input:          make(chan inflightRecord, c.cfg.PartitionBuffer),
		ready:          make(chan struct{}),
		stopped:        make(chan struct{}),
		runStatus:      c.workStatus.Fork(),
	}
	go pw.work()
	return pw
}

// activate hands the worker its store. Must be called at most once.
func (pw *partitionWorker) activate(store *PartitionStore) {
	pw.store = store
	close(pw.ready)
}

func (pw *partitionWorker) isReady() bool {
	select {
	case <-pw.ready:
		return true
	default:
		return false
	}
}

// add blocks while the input buffer is full. Records added to a halted worker are nacked.
func (pw *partitionWorker) add(item inflightRecord) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.drained || !pw.runStatus.Running() {
		item.handle.Nack()
		return
	}
	select {
	case pw.input <- item:
	case <-pw.runStatus.Done():
		item.handle.Nack()
	}
}

func (pw *partitionWorker) halt() {
	pw.runStatus.Halt()
}

// stop halts the worker and waits up to timeout for the current message to finish.
// Returns false if the worker did not stop in time.
func (pw *partitionWorker) stop(timeout time.Duration) bool {
	pw.halt()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-pw.stopped:
		return true
	case <-timer.C:
		return false
	}
}

// drain nacks anything still buffered. Called with mu held.
func (pw *partitionWorker) drain() {
	for {
		select {
		case item := <-pw.input:
			item.handle.Nack()
		default:
			return
		}
	}
}

func (pw *partitionWorker) work() {
	defer func() {
		pw.mu.Lock()
		pw.drained = true
		pw.drain()
		pw.mu.Unlock()
		close(pw.stopped)
	}()
	select {
	case <-pw.ready:
		log.Debugf("partitionWorker activated %v", pw.topicPartition)
	case <-pw.runStatus.Done():
		return
	}
	for {
		select {
		case item := <-pw.input:
			if !pw.runStatus.Running() {
				item.handle.Nack()
				continue
			}
			pw.process(item)
		case <-pw.runStatus.Done():
			log.Debugf("partitionWorker closed %v", pw.topicPartition)
			return
		}
	}
}

func (pw *partitionWorker) process(item inflightRecord) {
	c := pw.consumer
	msg := newMessage(pw.runStatus.Ctx(), item, pw, c)
	err := pw.safeProcess(msg)
	if err == nil {
		msg.release(false)
		return
	}
	c.metrics.Emit(Metric{Operation: ProcessErrorOperation, Topic: pw.topicPartition.Topic,
		Partition: pw.topicPartition.Partition, Offset: msg.Offset(), Count: 1, PartitionCount: 1,
		Label: KindOf(err).String()})
	switch c.cfg.ErrorHandler(msg, err) {
	case CompleteAndContinue:
		msg.release(false)
		return
	case FailPartition:
		c.requestRestart(pw, item.record.Offset, err)
	case FailConsumer:
		pw.halt()
		c.fail(err)
	case FatallyExit:
		c.fatallyExit(err)
	}
	msg.release(true)
}

func (pw *partitionWorker) safeProcess(msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(ContractViolation, "process", fmt.Errorf("processor panic: %v", r))
		}
	}()
	return pw.consumer.processor.Process(msg.ctx, msg)
}
