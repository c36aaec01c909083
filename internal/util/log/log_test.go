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

package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogWithoutContextValuesIsUnchanged(t *testing.T) {
	require.Equal(t, "writing cluster", Log(context.Background(), "writing cluster"))
}

func TestLogPrependsVolumeAndOp(t *testing.T) {
	ctx := context.WithValue(context.Background(), VolumeKey, "vol1")
	ctx = context.WithValue(ctx, OpKey, "write")

	require.Equal(t, "Volume: vol1 Op: write writing cluster", Log(ctx, "writing cluster"))
}

func TestLogPrependsVolumeOnlyWithoutOp(t *testing.T) {
	ctx := context.WithValue(context.Background(), VolumeKey, "vol1")

	require.Equal(t, "Volume: vol1 writing cluster", Log(ctx, "writing cluster"))
}
