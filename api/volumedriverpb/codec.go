/*
Copyright 2024 The VolumeDriver Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package volumedriverpb

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec marshals request/response structs as JSON rather than wire-
// format protobuf. grpc-go's default codec is named "proto" and requires
// messages implementing proto.Reflect.ProtoReflect, which in turn requires
// protoc-generated descriptors; registering under the same name here lets
// every existing grpc client/server call path (including
// google.golang.org/grpc's own internal defaulting) use this codec without
// any other change, while the message types in volumedriverpb.go stay plain
// Go structs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "proto"
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
