// Package api содержит OpenAPI-описание сервиса, раздаваемое по /swagger.
package api

import _ "embed"

//go:embed openapi.json
var OpenAPISpec []byte
