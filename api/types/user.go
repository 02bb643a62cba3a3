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

import "time"

// User is the read-only view of a subscriber account the core consumes.
// Account CRUD lives outside the control plane.
type User struct {
	// ID is the stable integer user id.
	ID int `json:"id"`
	// Username and Email identify the account.
	Username string `json:"username"`
	Email    string `json:"email"`
	// IsActive gates authentication.
	IsActive bool `json:"is_active"`
	// IsAdmin grants access to admin operations.
	IsAdmin bool `json:"is_admin"`
	// Tier names the user's active subscription tier.
	Tier string `json:"tier"`
}

// APIKey is the read-only view of a subscriber API key.
type APIKey struct {
	// ID identifies the key for accounting.
	ID string `json:"id"`
	// Key is the opaque key value.
	Key string `json:"key"`
	// UserID is the owning user.
	UserID int `json:"user_id"`
	// IsActive gates authentication.
	IsActive bool `json:"is_active"`
	// ExpiresAt is the optional expiry; zero means no expiry.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the key is past its expiry at the given time.
func (k *APIKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}
