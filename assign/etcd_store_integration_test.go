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

//go:build integration

package assign

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/go-kafka-stateful-streams/streams"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startEtcd(t *testing.T) *EtcdStore {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()
	req := testcontainers.ContainerRequest{
		Image:        "quay.io/coreos/etcd:v3.5.12",
		ExposedPorts: []string{"2379/tcp"},
		Cmd: []string{"etcd",
			"--listen-client-urls", "http://0.0.0.0:2379",
			"--advertise-client-urls", "http://127.0.0.1:2379"},
		WaitingFor: wait.ForLog("ready to serve client requests"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "2379")
	store, err := NewEtcdStore(EtcdConfig{Endpoints: []string{fmt.Sprintf("%s:%s", host, port.Port())}})
	if err != nil {
		t.Fatalf("etcd client: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEtcdStoreIntegration(t *testing.T) {
	store := startEtcd(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rev, err := store.Txn(ctx, []Compare{{Key: "k", ModRevision: 0}}, []Op{PutOp("k", []byte("v"), NoLease)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = store.Txn(ctx, []Compare{{Key: "k", ModRevision: 0}}, []Op{PutOp("k", []byte("v"), NoLease)}); !errors.Is(err, ErrCASFailed) {
		t.Errorf("incorrect error actual: %v, expected: %v", err, ErrCASFailed)
	}
	kv, err := store.Get(ctx, "k")
	if err != nil || kv.ModRevision != rev {
		t.Errorf("incorrect revision actual: %d, expected: %d (%v)", kv.ModRevision, rev, err)
	}

	lease, err := store.Grant(ctx, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	events := store.Watch(ctx, "leased", rev+1)
	if _, err = store.Put(ctx, "leased", nil, lease); err != nil {
		t.Fatal(err)
	}
	if err = store.Revoke(ctx, lease); err != nil {
		t.Fatal(err)
	}
	var types []EventType
	for len(types) < 2 {
		resp := <-events
		if resp.Err != nil {
			t.Fatal(resp.Err)
		}
		for _, e := range resp.Events {
			types = append(types, e.Type)
		}
	}
	if types[0] != EventPut || types[1] != EventDelete {
		t.Errorf("incorrect events actual: %v, expected: [put delete]", types)
	}
}

func TestCoordinatorOnEtcd(t *testing.T) {
	store := startEtcd(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	keys := NewKeys("/it")
	if err := ApplyTopicConfigs(ctx, store, keys, TopicConfig{Topic: "events", PartitionCount: 4}); err != nil {
		t.Fatal(err)
	}
	session, err := Register(ctx, store, WorkerSessionConfig{Name: "w-0", Keys: keys, LeaseTTL: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close(ctx)
	coord, _ := NewCoordinator(store, CoordinatorConfig{Name: "c-0", Keys: keys}, nil)
	if err = coord.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	owned, err := session.Assignments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(owned) != 4 {
		t.Errorf("incorrect assignment count actual: %d, expected: %d", len(owned), 4)
	}
	if owned[0] != streams.NewTopicPartition("events", 0) {
		t.Errorf("incorrect first partition actual: %v", owned[0])
	}
}
