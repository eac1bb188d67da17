// Package api embeds the gateway's OpenAPI document so the server can
// publish it at /openapi.yaml.
package api

import _ "embed"

//go:embed openapi.yaml
var OpenAPISpec []byte
