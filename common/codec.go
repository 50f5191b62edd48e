// Copyright 2022 The infotainer Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"github.com/hashicorp/go-msgpack/v2/codec"
)

var msgpackHandle = func() *codec.MsgpackHandle {
	handle := &codec.MsgpackHandle{}
	handle.WriteExt = true
	return handle
}()

// EncodeMsgpack serialize a value as MessagePack
func EncodeMsgpack(value interface{}) ([]byte, error) {
	var encoded []byte
	if err := codec.NewEncoderBytes(&encoded, msgpackHandle).Encode(value); err != nil {
		return nil, err
	}
	return encoded, nil
}

// DecodeMsgpack parse MessagePack into the value pointed at by result
func DecodeMsgpack(data []byte, result interface{}) error {
	return codec.NewDecoderBytes(data, msgpackHandle).Decode(result)
}
