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

// Package codec provides the serialization used for every record this module persists:
// consensus store values, dedup metadata, checkpoint descriptors and relay messages.
package codec

import (
	"bytes"

	"github.com/aws/go-kafka-stateful-streams/streams/sak"
	jsoniter "github.com/json-iterator/go"
)

type Codec[T any] interface {
	Encode(*bytes.Buffer, T) error
	Decode([]byte) (T, error)
}

// Shared with packages that need the raw jsoniter API (the relay gRPC codec).
var Json = jsoniter.ConfigCompatibleWithStandardLibrary

var bufferPool = sak.NewBufferPool(64)

// A generic JSON en/decoder.
// Uses "github.com/json-iterator/go".ConfigCompatibleWithStandardLibrary for en/decoding JSON in a perforamnt way
type JsonCodec[T any] struct{}

func (JsonCodec[T]) Encode(b *bytes.Buffer, t T) error {
	stream := Json.BorrowStream(b)
	defer Json.ReturnStream(stream)
	stream.WriteVal(t)
	if stream.Error != nil {
		return stream.Error
	}
	return stream.Flush()
}

func (JsonCodec[T]) Decode(b []byte) (T, error) {
	iter := Json.BorrowIterator(b)
	defer Json.ReturnIterator(iter)

	var t T
	iter.ReadVal(&t)
	if iter.Error != nil {
		return t, iter.Error
	}
	return t, nil
}

// Marshal encodes `t` with `c` into a newly allocated slice.
func Marshal[T any](c Codec[T], t T) ([]byte, error) {
	b := bufferPool.Borrow()
	defer bufferPool.Release(b)
	if err := c.Encode(b, t); err != nil {
		return nil, err
	}
	out := make([]byte, b.Len())
	copy(out, b.Bytes())
	return out, nil
}

// MarshalJson is shorthand for Marshal(JsonCodec[T]{}, t).
func MarshalJson[T any](t T) ([]byte, error) {
	return Marshal[T](JsonCodec[T]{}, t)
}

// UnmarshalJson is shorthand for JsonCodec[T]{}.Decode(b).
func UnmarshalJson[T any](b []byte) (T, error) {
	return JsonCodec[T]{}.Decode(b)
}

type stringCodec struct{}

func (stringCodec) Encode(b *bytes.Buffer, s string) error {
	b.WriteString(s)
	return nil
}

func (stringCodec) Decode(b []byte) (string, error) {
	return string(b), nil
}

var StringCodec Codec[string] = stringCodec{}

type byteCodec struct{}

func (byteCodec) Encode(b *bytes.Buffer, v []byte) error {
	b.Write(v)
	return nil
}

func (byteCodec) Decode(b []byte) ([]byte, error) {
	return b, nil
}

var ByteCodec Codec[[]byte] = byteCodec{}
