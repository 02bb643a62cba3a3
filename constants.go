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

// Package netprobe contains constants shared across the control plane.
package netprobe

// Version is the semantic version of the control plane.
const Version = "0.4.2"

const (
	// ComponentAdmission is the tiered admission engine.
	ComponentAdmission = "admission"

	// ComponentFabric is the node session layer.
	ComponentFabric = "fabric"

	// ComponentDispatch is the probe job dispatcher.
	ComponentDispatch = "dispatch"

	// ComponentRegistry is the probe node registry.
	ComponentRegistry = "registry"

	// ComponentIdentity is the identity resolver.
	ComponentIdentity = "identity"

	// ComponentScheduler runs recurring probes.
	ComponentScheduler = "scheduler"

	// ComponentTiers is the subscription tier catalog.
	ComponentTiers = "tiers"

	// ComponentWeb is the HTTP control surface.
	ComponentWeb = "web"

	// ComponentProbeClient is the node-side session client.
	ComponentProbeClient = "probeclient"
)

const (
	// APIKeyHeader carries subscriber API keys on HTTP requests.
	APIKeyHeader = "X-API-Key"

	// APIKeyQueryParam is the query parameter fallback for API keys.
	APIKeyQueryParam = "api_key"

	// NodeAPIKeyPrefix prefixes probe node credentials.
	NodeAPIKeyPrefix = "pnode_"

	// RegistrationTokenPrefix prefixes one-shot registration tokens.
	RegistrationTokenPrefix = "pnreg_"
)
