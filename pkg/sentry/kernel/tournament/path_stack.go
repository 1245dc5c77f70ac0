// Copyright 2026 The kltos Authors.
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

package tournament

import "github.com/kltos/kltos/pkg/abi/klt"

// maxPathLen is the number of nodes on the longest leaf-to-root path.
const maxPathLen = klt.MaxTreeDepth + 1

// pathStack records the nodes locked by an acquire, leaf first, so that the
// release can unlock them in the opposite order without recursion.
type pathStack struct {
	nodes [maxPathLen]int32
	n     int
}

func (s *pathStack) push(node int) {
	if s.n == len(s.nodes) {
		panic("tournament path deeper than the maximum tree depth")
	}
	s.nodes[s.n] = int32(node)
	s.n++
}

// pop returns the most recently pushed node.
func (s *pathStack) pop() (int, bool) {
	if s.n == 0 {
		return 0, false
	}
	s.n--
	return int(s.nodes[s.n]), true
}

func (s *pathStack) len() int {
	return s.n
}
