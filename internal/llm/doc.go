// Package llm contains the provider-neutral request/response model used by
// the agent runtime, plus adapters for concrete providers in sub-packages.
// Provider failures that are worth retrying are reported as PROVIDER_ERROR.
package llm
