package tagdb

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// fileFormat documents the on-disk layout of the tag file.
type fileFormat struct {
	Files   map[string][]TagID `json:"files" jsonschema:"description=Absolute file path to its tag IDs"`
	Tags    map[TagID]string   `json:"tags" jsonschema:"description=Tag ID to tag name"`
	Control control            `json:"control" jsonschema:"description=ID allocator state"`
}

// Schema returns the JSON Schema of the tag file.
//
// Additional top-level properties are allowed: they are preserved on write.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	s := r.Reflect(&fileFormat{})
	s.Title = "mxiv tag database"
	return json.MarshalIndent(s, "", "  ")
}
