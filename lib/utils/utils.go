/*
Copyright 2025 Coscribe, Inc.

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

package utils

import (
	"encoding/json"
	"os"

	"github.com/gravitational/trace"
)

// ObjectToStruct converts any structure into JSON and unmarshals it
// into another structure, usually a free-form config parameter bag
// into a typed config.
func ObjectToStruct(in interface{}, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return trace.Wrap(err, "failed to convert %v into %T", in, out)
	}
	return nil
}

// FileExists reports whether a file exists at the given path.
func FileExists(fp string) bool {
	_, err := os.Stat(fp)
	return !os.IsNotExist(err)
}
