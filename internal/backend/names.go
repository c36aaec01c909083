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

package backend

import (
	"fmt"

	"github.com/google/uuid"
)

// TLogObjectName returns the fixed string encoding of a TLog's object name
// (spec.md §6: `tlog_<uuid>`).
func TLogObjectName(id uuid.UUID) string {
	return TLogPrefix + id.String()
}

// SCOObjectName returns the object name of a SCO (spec.md §6:
// `<sco-number-hex>_<clone-id>`).
func SCOObjectName(scoNumber uint64, cloneID uint32) string {
	return fmt.Sprintf("%08x_%d", scoNumber, cloneID)
}

// ScrubObjectName returns the object name of a scrub work/result artifact.
func ScrubObjectName(id uuid.UUID) string {
	return ScrubPrefix + id.String()
}
