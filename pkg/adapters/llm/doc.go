// Package llm holds operators backed by large language model APIs.
//
// Currently supports:
//   - anthropic: the "llm" operator on the Anthropic Messages API
//
// The operator is only registered when an API key is configured.
package llm
