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

package ot

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		op      Operation
		want    string
		wantErr error
	}{
		{
			name:    "insert into empty document",
			content: "",
			op:      Operation{Kind: KindInsert, Position: 0, Payload: "hello"},
			want:    "hello",
		},
		{
			name:    "insert at start",
			content: "world",
			op:      Operation{Kind: KindInsert, Position: 0, Payload: "hello "},
			want:    "hello world",
		},
		{
			name:    "insert in the middle",
			content: "hd",
			op:      Operation{Kind: KindInsert, Position: 1, Payload: "ol"},
			want:    "hold",
		},
		{
			name:    "insert at end",
			content: "hello",
			op:      Operation{Kind: KindInsert, Position: 5, Payload: "!"},
			want:    "hello!",
		},
		{
			name:    "insert positions count runes not bytes",
			content: "héllo",
			op:      Operation{Kind: KindInsert, Position: 2, Payload: "x"},
			want:    "héxllo",
		},
		{
			name:    "insert past end is rejected",
			content: "hi",
			op:      Operation{Kind: KindInsert, Position: 3, Payload: "x"},
			wantErr: ErrPrecondition,
		},
		{
			name:    "insert at negative position is rejected",
			content: "hi",
			op:      Operation{Kind: KindInsert, Position: -1, Payload: "x"},
			wantErr: ErrPrecondition,
		},
		{
			name:    "delete matching payload",
			content: "hello world",
			op:      Operation{Kind: KindDelete, Position: 5, Payload: " world"},
			want:    "hello",
		},
		{
			name:    "delete entire document",
			content: "abc",
			op:      Operation{Kind: KindDelete, Position: 0, Payload: "abc"},
			want:    "",
		},
		{
			name:    "delete multibyte runes",
			content: "a世界b",
			op:      Operation{Kind: KindDelete, Position: 1, Payload: "世界"},
			want:    "ab",
		},
		{
			name:    "delete with mismatched payload is rejected",
			content: "hello",
			op:      Operation{Kind: KindDelete, Position: 0, Payload: "help"},
			wantErr: ErrPrecondition,
		},
		{
			name:    "delete past end is rejected",
			content: "hi",
			op:      Operation{Kind: KindDelete, Position: 1, Payload: "ix"},
			wantErr: ErrPrecondition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Apply(tt.content, tt.op)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestApplyUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := Apply("hi", Operation{Kind: Kind("replace"), Position: 0, Payload: "x"})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	content := "immutable"
	_, err := Apply(content, Operation{Kind: KindDelete, Position: 0, Payload: "im"})
	require.NoError(t, err)
	require.Equal(t, "immutable", content)
}

func TestOperationLen(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, Operation{Payload: ""}.Len())
	require.Equal(t, 5, Operation{Payload: "hello"}.Len())
	require.Equal(t, 2, Operation{Payload: "世界"}.Len())
}
