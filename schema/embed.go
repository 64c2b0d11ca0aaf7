package schema

import _ "embed"

// PipelinesV1Schema contains the JSON schema for pipeline manifests.
//
//go:embed pipelines.v1.json
var PipelinesV1Schema []byte
