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

package assign

import (
	"sort"

	"github.com/google/btree"
)

type workerLoad struct {
	name  string
	order int
	load  int
}

// heaviest first, ties by position in the worker list
func workerLoadDescLess(a, b *workerLoad) bool {
	if a.load != b.load {
		return a.load > b.load
	}
	return a.order < b.order
}

// lightest first, ties by position in the worker list
func workerLoadAscLess(a, b *workerLoad) bool {
	if a.load != b.load {
		return a.load < b.load
	}
	return a.order < b.order
}

/*
StickyBalanced assigns partitions [0, numPartitions) over workers, moving as few partitions as possible.

Every worker receives numPartitions/len(workers) partitions. The remaining numPartitions%len(workers)
partitions go to the workers that currently own the most, so a balanced input is returned unchanged.
Partitions owned by a worker that is not in `workers` are reassigned, as are the highest numbered
partitions of workers above their target.

`current` may be nil. Duplicate worker names are ignored. The result is deterministic for a given
input, and empty if there are no workers.
*/
func StickyBalanced(current map[int32]string, workers []string, numPartitions int32) map[int32]string {
	assignment := make(map[int32]string, numPartitions)
	if len(workers) == 0 || numPartitions <= 0 {
		return assignment
	}

	loads := make(map[string]*workerLoad, len(workers))
	ordered := make([]*workerLoad, 0, len(workers))
	for _, name := range workers {
		if _, ok := loads[name]; ok {
			continue
		}
		wl := &workerLoad{name: name, order: len(ordered)}
		loads[name] = wl
		ordered = append(ordered, wl)
	}

	owned := make(map[string][]int32, len(ordered))
	for p := int32(0); p < numPartitions; p++ {
		if owner, ok := current[p]; ok {
			if wl, ok := loads[owner]; ok {
				wl.load++
				owned[owner] = append(owned[owner], p)
			}
		}
	}

	m := len(ordered)
	base := int(numPartitions) / m
	extra := int(numPartitions) % m
	targets := make(map[string]int, m)
	byLoad := btree.NewG(16, workerLoadDescLess)
	for _, wl := range ordered {
		byLoad.ReplaceOrInsert(wl)
	}
	rank := 0
	byLoad.Ascend(func(wl *workerLoad) bool {
		targets[wl.name] = base
		if rank < extra {
			targets[wl.name]++
		}
		rank++
		return true
	})

	var pool []int32
	for _, wl := range ordered {
		partitions := owned[wl.name]
		// ascending, so the tail holds the highest numbered partitions
		keep := partitions
		if len(partitions) > targets[wl.name] {
			keep = partitions[:targets[wl.name]]
			pool = append(pool, partitions[targets[wl.name]:]...)
		}
		for _, p := range keep {
			assignment[p] = wl.name
		}
		wl.load = len(keep)
	}
	for p := int32(0); p < numPartitions; p++ {
		if _, ok := assignment[p]; !ok {
			if owner, ok := current[p]; !ok || loads[owner] == nil {
				pool = append(pool, p)
			}
		}
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i] < pool[j] })

	underloaded := btree.NewG(16, workerLoadAscLess)
	for _, wl := range ordered {
		if wl.load < targets[wl.name] {
			underloaded.ReplaceOrInsert(wl)
		}
	}
	refill := make([]*workerLoad, 0, underloaded.Len())
	underloaded.Ascend(func(wl *workerLoad) bool {
		refill = append(refill, wl)
		return true
	})
	for _, wl := range refill {
		for wl.load < targets[wl.name] && len(pool) > 0 {
			assignment[pool[0]] = wl.name
			pool = pool[1:]
			wl.load++
		}
	}
	return assignment
}

// Move describes a partition changing owner. From is empty for unowned partitions, To is empty
// for partitions left without an owner.
type Move struct {
	Partition int32
	From      string
	To        string
}

// Moves lists the partitions whose owner differs between current and desired, ordered by partition.
func Moves(current, desired map[int32]string) []Move {
	seen := make(map[int32]struct{}, len(desired))
	var moves []Move
	for p, to := range desired {
		seen[p] = struct{}{}
		if from := current[p]; from != to {
			moves = append(moves, Move{Partition: p, From: from, To: to})
		}
	}
	for p, from := range current {
		if _, ok := seen[p]; !ok {
			moves = append(moves, Move{Partition: p, From: from})
		}
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i].Partition < moves[j].Partition })
	return moves
}
