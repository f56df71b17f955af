/*
Copyright The Flatpak Authors.
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

package flatpak

import (
	"strconv"
	"strings"
)

// Version is the engine version, reported in the HTTP User-Agent and
// compared against the required-flatpak key of application metadata.
const Version = "1.15.0"

// UserAgent identifies the client on the wire.
const UserAgent = "flatpak-go/" + Version

// CompareVersions compares two dotted decimal version strings.
// It returns a negative number if a < b, zero if equal, positive if
// a > b. Missing components compare as zero, so "1.2" == "1.2.0".
// Non-numeric components compare as zero.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av - bv
		}
	}
	return 0
}
