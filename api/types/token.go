/*
Copyright 2024 Netprobe Labs

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

package types

import (
	"time"

	"github.com/gravitational/trace"
)

// RegistrationToken is a one-shot credential that bootstraps a probe
// node's permanent identity. A token transitions used false->true at most
// once; revocation marks it used and expires it immediately.
type RegistrationToken struct {
	// Token is the opaque token value.
	Token string `json:"token"`
	// Description is the admin-supplied purpose of the token.
	Description string `json:"description"`
	// CreatedBy is the admin who minted the token.
	CreatedBy string `json:"created_by,omitempty"`
	// IntendedRegion optionally records where the node is expected.
	IntendedRegion string `json:"intended_region,omitempty"`
	// ExpiresAt is the expiry deadline.
	ExpiresAt time.Time `json:"expires_at"`
	// IsUsed is set when the token is consumed or revoked.
	IsUsed bool `json:"is_used"`
	// UsedAt records when the token was consumed.
	UsedAt time.Time `json:"used_at,omitempty"`
	// BoundNodeID is the uuid of the node minted with this token.
	BoundNodeID string `json:"bound_node_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// CheckAndSetDefaults validates the token record.
func (t *RegistrationToken) CheckAndSetDefaults() error {
	if t.Token == "" {
		return trace.BadParameter("missing token value")
	}
	if t.ExpiresAt.IsZero() {
		return trace.BadParameter("missing token expiry")
	}
	return nil
}

// Expired reports whether the token is past its expiry at the given time.
func (t *RegistrationToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
