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

// Transform rewrites op so it applies after accepted, an operation the
// server already integrated at the same base version. The rules are
// position-based:
//
//   - accepted entirely to the right of op leaves op unchanged
//   - an accepted insert to the left shifts op right by its length
//   - an accepted delete to the left shifts op left by its length,
//     clamped at the delete's position
//   - at equal positions the operation from the lexicographically
//     lower client id is treated as earlier and keeps its position;
//     the other shifts as if the earlier one were to its left
//
// When both operations come from the same client, the accepted one is
// treated as earlier. Transform never fails; operations that no longer
// fit the document are caught later by Apply's precondition checks.
func Transform(op, accepted Operation) Operation {
	switch {
	case accepted.Position > op.Position:
		return op
	case accepted.Position < op.Position:
		return shift(op, accepted)
	default:
		if op.ClientID < accepted.ClientID {
			return op
		}
		return shift(op, accepted)
	}
}

// shift moves op as if accepted happened at or before op's position.
func shift(op, accepted Operation) Operation {
	switch accepted.Kind {
	case KindInsert:
		op.Position += accepted.Len()
	case KindDelete:
		pos := op.Position - accepted.Len()
		if pos < accepted.Position {
			pos = accepted.Position
		}
		op.Position = pos
	}
	return op
}
