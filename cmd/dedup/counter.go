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

package main

import (
	"context"
	"strconv"

	"github.com/aws/go-kafka-stateful-streams/dedup"
	"github.com/aws/go-kafka-stateful-streams/streams"
)

// eventCounter is the downstream processor: it keeps a per token and event name count in the partition store.
type eventCounter struct{}

func newEventCounter() streams.Processor {
	return eventCounter{}
}

func counterKey(e dedup.Event) []byte {
	return []byte("count/" + e.Token + "/" + e.Name)
}

func (eventCounter) Process(_ context.Context, msg *streams.Message) error {
	e, err := dedup.ParseEvent(msg.Value())
	if err != nil {
		streams.Log().Debugf("skipping undecodable event at %v offset %d: %v", msg.TopicPartition(), msg.Offset(), err)
		return nil
	}
	store := msg.Store()
	key := counterKey(e)
	var count uint64
	if b, found, err := store.Get(key); err != nil {
		return streams.NewError(streams.TransientIO, "counter get", err)
	} else if found {
		if count, err = strconv.ParseUint(string(b), 10, 64); err != nil {
			streams.Log().Warnf("resetting corrupt count for %s: %v", key, err)
			count = 0
		}
	}
	if err := store.Put(key, strconv.AppendUint(nil, count+1, 10)); err != nil {
		return streams.NewError(streams.TransientIO, "counter put", err)
	}
	return nil
}
