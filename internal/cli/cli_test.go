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

package cli

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/go-kafka-stateful-streams/internal/config"
	"github.com/aws/go-kafka-stateful-streams/streams"
)

func TestExitCode(t *testing.T) {
	for _, tc := range []struct {
		err      error
		expected int
	}{
		{nil, ExitOK},
		{context.Canceled, ExitOK},
		{fmt.Errorf("%w: topics is required", config.ErrInvalid), ExitInvalid},
		{streams.NewError(streams.CorruptState, "restore", errors.New("bad snapshot")), ExitInconsistent},
		{errors.New("boom"), ExitError},
	} {
		if actual := ExitCode(tc.err); actual != tc.expected {
			t.Errorf("incorrect exit code for %v, actual: %d, expected: %d", tc.err, actual, tc.expected)
		}
	}
}
