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

package relay

import (
	"github.com/aws/go-kafka-stateful-streams/streams/codec"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype used by the relay.
const CodecName = "json"

// Codec carries relay messages as JSON, using the same jsoniter configuration as every other
// record this module persists.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	return codec.Json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return codec.Json.Unmarshal(data, v)
}

func (Codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(Codec{})
}
