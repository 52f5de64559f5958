package api

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/gaspardpetit/kbridge/internal/logx"
)

//go:embed openapi.yaml
var openapiYAML []byte

// LoadOpenAPI parses and validates the embedded API description.
func LoadOpenAPI(ctx context.Context) (*openapi3.T, error) {
	doc, err := openapi3.NewLoader().LoadFromData(openapiYAML)
	if err != nil {
		return nil, fmt.Errorf("load openapi: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate openapi: %w", err)
	}
	return doc, nil
}

// OpenAPIHandler serves doc as JSON.
func OpenAPIHandler(doc *openapi3.T) (http.HandlerFunc, error) {
	b, err := doc.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(b); err != nil {
			logx.Log.Error().Err(err).Msg("write openapi")
		}
	}, nil
}

const swaggerPage = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8" />
  <title>kbridge API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
  window.onload = () => {
    SwaggerUIBundle({
      url: 'openapi.json',
      dom_id: '#swagger-ui'
    });
  };
  </script>
</body>
</html>`

// SwaggerHandler serves a minimal Swagger UI.
func SwaggerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write([]byte(swaggerPage)); err != nil {
			logx.Log.Error().Err(err).Msg("write swagger page")
		}
	}
}
