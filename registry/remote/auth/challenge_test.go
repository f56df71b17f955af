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

package auth

import (
	"errors"
	"testing"

	"flatpak.land/flatpak-go/errdef"
)

func TestParseChallenge(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    Challenge
		wantErr bool
	}{
		{
			name:   "quoted params",
			header: `Bearer realm="https://auth.example/v2/token", service="registry", scope="repository:library/app:pull"`,
			want: Challenge{
				Realm:   "https://auth.example/v2/token",
				Service: "registry",
				Scope:   "repository:library/app:pull",
			},
		},
		{
			name:   "no scope",
			header: `Bearer realm="https://auth.example/v2/token", service="registry"`,
			want: Challenge{
				Realm:   "https://auth.example/v2/token",
				Service: "registry",
			},
		},
		{
			name:   "unquoted params",
			header: `Bearer realm=https://auth.example/token,service=reg`,
			want:   Challenge{Realm: "https://auth.example/token", Service: "reg"},
		},
		{
			name:    "basic scheme is unsupported",
			header:  `Basic realm="registry"`,
			wantErr: true,
		},
		{
			name:    "unknown scheme",
			header:  `Negotiate`,
			wantErr: true,
		},
		{
			name:    "empty header",
			header:  "",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChallenge(tt.header)
			if tt.wantErr {
				if !errors.Is(err, errdef.ErrUnsupported) {
					t.Errorf("ParseChallenge(%q) error = %v, want ErrUnsupported", tt.header, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseChallenge(%q) failed: %v", tt.header, err)
			}
			if got != tt.want {
				t.Errorf("ParseChallenge(%q) = %+v, want %+v", tt.header, got, tt.want)
			}
		})
	}
}
