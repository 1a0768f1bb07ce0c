// Package cloudauth provides http.RoundTripper decorators that inject
// authentication for cloud-hosted LLM providers (GCP OAuth, AWS SigV4).
package cloudauth
