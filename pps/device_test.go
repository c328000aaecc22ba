/*
Copyright (c) Facebook, Inc. and its affiliates.

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

package pps

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPickEdgeSelectsConfiguredTimestamp(t *testing.T) {
	info := kinfo{
		AssertTu: ktime{Sec: 100, Nsec: 1000},
		ClearTu:  ktime{Sec: 200, Nsec: 2000},
	}
	require.Equal(t, info.AssertTu, pickEdge(info, EdgeRising))
	require.Equal(t, info.ClearTu, pickEdge(info, EdgeFalling))
}
