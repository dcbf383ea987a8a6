// Package docs holds the Swagger document for the status API, registered
// with swag so /swagger/doc.json can serve it.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "license": {"name": "MIT", "url": "https://opensource.org/licenses/MIT"},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/status": {
            "get": {
                "description": "Current run progress, stage residency and device memory.",
                "produces": ["application/json"],
                "tags": ["status"],
                "summary": "Run status",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/healthz": {
            "get": {
                "tags": ["status"],
                "summary": "Liveness probe",
                "responses": {"200": {"description": "ok"}}
            }
        },
        "/readyz": {
            "get": {
                "tags": ["status"],
                "summary": "Readiness probe",
                "responses": {
                    "200": {"description": "ready"},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "integer", "example": 404},
                "error": {"type": "string", "example": "not found"}
            }
        },
        "types.StageStatus": {
            "type": "object",
            "properties": {
                "last_release_wait_ms": {"type": "integer", "example": 12},
                "name": {"type": "string", "example": "sampler"},
                "placements": {"type": "integer", "example": 3},
                "residency": {"type": "string", "example": "on_device"},
                "role": {"type": "string", "example": "sampling"},
                "size_bytes": {"type": "integer", "example": 3604996096}
            }
        },
        "types.StatusResponse": {
            "type": "object",
            "properties": {
                "active_stage": {"type": "string", "example": "sampler"},
                "batches": {"type": "integer", "example": 3},
                "device": {"type": "string", "example": "sim:0"},
                "device_allocated_bytes": {"type": "integer", "example": 3604996096},
                "error": {"type": "string"},
                "items": {"type": "integer", "example": 6},
                "iteration": {"type": "integer", "example": 0},
                "iterations": {"type": "integer", "example": 2},
                "resident": {"type": "array", "items": {"type": "string"}},
                "run_id": {"type": "string", "example": "5f0c3a56-2a8e-4bb1-9d0e-0d6f6f0c1a3e"},
                "stages": {"type": "array", "items": {"$ref": "#/definitions/types.StageStatus"}},
                "started_at": {"type": "integer", "example": 1760870400},
                "state": {"type": "string", "example": "running"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "staged status API",
	Description:      "Read-only status of a staged txt2img run.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
