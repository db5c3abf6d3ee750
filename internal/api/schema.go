package api

import (
	"net/http"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/MikeSquared-Agency/spotlight/internal/analysis"
)

var analysisRequestSchema = sync.OnceValue(func() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	schema := reflector.Reflect(&analysis.Request{})
	schema.Title = "AnalysisRequest"
	return schema
})

// requestSchema handles GET /api/v1/schema/analysis-request.
func (s *Server) requestSchema(w http.ResponseWriter, r *http.Request) {
	b, err := analysisRequestSchema().MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to render schema")
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}
