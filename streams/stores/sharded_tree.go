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

package stores

import (
	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
)

type HashFunc[T any] func(T) uint64
type LessFunc[T any] btree.LessFunc[T]

// For string keys, use this for hashFunc argument to NewShardedTree
// Uses "github.com/cespare/xxhash/v2".Sum64String
func StringHash(s string) uint64 {
	return xxhash.Sum64String(s)
}

// For []byte keys, use this for hashFunc argument to NewShardedTree
// Uses "github.com/cespare/xxhash/v2".Sum64
func ByteHash(b []byte) uint64 {
	return xxhash.Sum64(b)
}

func StringLess(a, b string) bool {
	return a < b
}

// Simply wraps an array of github.com/google/btree#BTreeG[T].
// This is to help alleviate the O(log(n)) performance degerdation of a single, very large tree,
// and it is the backing structure of MemoryStore.
// There is an upfront O(1) performance hit for calculating the hash of key K when finding a tree.
// Ordering only holds within a shard. Ascend visits shards one after the other.
type ShardedTree[K any, T any] struct {
	trees    []*btree.BTreeG[T]
	hashFunc HashFunc[K]
	mod      uint64
}

/*
Return a ShardedTree. The exponent argument is used to produce the number of shards as follows:

	shards := 2 << exponent

So an exponent of 4 will give you a ShardedTree with 32 btree.BTreeG[T] shards.
Shard look up is a bitwise AND as opposed to a modulo:

	mod := shards-1
	tree := trees[hashFunc(key)&st.mod]

`hashFunc` is used to find the correct tree for a given key K.
The `lessFunc` argument mirrors that required by the "github.com/google/btree" package.
The trees in the ShardedTree share a common btree.FreeListG[T].
*/
func NewShardedTree[K any, T any](exponent int, hashFunc HashFunc[K], lessFunc LessFunc[T]) ShardedTree[K, T] {
	shards := 2 << exponent
	trees := make([]*btree.BTreeG[T], shards)
	freeList := btree.NewFreeListG[T](16)
	for i := 0; i < shards; i++ {
		trees[i] = btree.NewWithFreeListG(64, (btree.LessFunc[T])(lessFunc), freeList)
	}
	return ShardedTree[K, T]{
		trees:    trees,
		hashFunc: hashFunc,
		mod:      uint64(shards - 1),
	}
}

// Return the tree for key, invoking the supplied HashFunc[K].
func (st ShardedTree[K, T]) For(key K) *btree.BTreeG[T] {
	return st.trees[st.shardIndex(key)]
}

func (st ShardedTree[K, T]) shardIndex(key K) int {
	return int(st.hashFunc(key) & st.mod)
}

func (st ShardedTree[K, T]) Shards() int {
	return len(st.trees)
}

// Iterates through all trees and sums their lengths. O(n) performance where n = 2 << exponent.
func (st ShardedTree[K, T]) Len() (l int) {
	for _, tree := range st.trees {
		l += tree.Len()
	}
	return
}

// Ascend visits every item, shard by shard, until fn returns false.
func (st ShardedTree[K, T]) Ascend(fn func(T) bool) {
	for _, tree := range st.trees {
		stopped := false
		tree.Ascend(func(item T) bool {
			if !fn(item) {
				stopped = true
				return false
			}
			return true
		})
		if stopped {
			return
		}
	}
}

// Clear empties every shard.
func (st ShardedTree[K, T]) Clear() {
	for _, tree := range st.trees {
		tree.Clear(true)
	}
}
