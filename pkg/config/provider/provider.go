// SPDX-License-Identifier: AGPL-3.0
// Copyright 2026 The SAFi Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package provider abstracts configuration sources.
package provider

import "context"

// Provider loads raw configuration bytes and optionally watches for changes.
type Provider interface {
	Load(ctx context.Context) ([]byte, error)

	// Watch invokes onChange with the new raw bytes whenever the source
	// changes. It returns immediately; watching stops when ctx is cancelled
	// or the provider is closed.
	Watch(ctx context.Context, onChange func([]byte)) error

	Close() error
}
