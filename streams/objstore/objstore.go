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
// Package objstore abstracts the object storage used for partition checkpoints.
package objstore

import (
	"context"
	"errors"
	"io"
)

var ErrNotFound = errors.New("object not found")

type ObjectStore interface {
	// Put uploads body under key, replacing any existing object. size may be -1 if unknown.
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	// Get returns ErrNotFound if key does not exist. Callers must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns every key starting with prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key string) error
}
