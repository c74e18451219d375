// Package docs registers the OpenAPI document of the scanledger API with
// swag so that /swagger/ can serve it. The annotations on the handlers in
// internal/api/handlers describe the same routes; regenerate with
// `swag init` after changing them.
//
//go:generate swag init -g docs.go -d ./,../internal/api/handlers -o . --parseDependency --parseInternal
package docs

import "github.com/swaggo/swag"

// @title Scanledger API
// @version 1.0
// @description Read-only view of the scan request ledger, stored results and the proxy pool.
// @description Requests carry an API key in the `X-API-Key` header or as a Bearer token when
// @description authentication is enabled. /healthz and /metrics are never authenticated.
//
// @contact.name Scanledger
// @contact.url https://github.com/anstrom/scanledger
//
// @license.name MIT
//
// @BasePath /api/v1
//
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "Scanledger",
            "url": "https://github.com/anstrom/scanledger"
        },
        "license": {
            "name": "MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/progress": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "description": "Request counts per scanner lane and state",
                "produces": ["application/json"],
                "tags": ["Ledger"],
                "summary": "Queue progress",
                "operationId": "getProgress",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ProgressResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/outdated": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "description": "Requests picked up and never finished",
                "produces": ["application/json"],
                "tags": ["Ledger"],
                "summary": "Outdated requests",
                "operationId": "listOutdated",
                "parameters": [
                    {"maximum": 1000, "minimum": 1, "type": "integer", "default": 100, "description": "Maximum rows", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"allOf": [{"$ref": "#/definitions/handlers.ListResponse"}, {"type": "object", "properties": {"data": {"type": "array", "items": {"$ref": "#/definitions/db.ScanRequest"}}}}]}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/results": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["Results"],
                "summary": "Latest results",
                "operationId": "listResults",
                "parameters": [
                    {"type": "string", "description": "Target host", "name": "target", "in": "query"},
                    {"type": "string", "description": "Scan type", "name": "scan_type", "in": "query"},
                    {"maximum": 1000, "minimum": 1, "type": "integer", "default": 100, "description": "Maximum rows", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"allOf": [{"$ref": "#/definitions/handlers.ListResponse"}, {"type": "object", "properties": {"data": {"type": "array", "items": {"$ref": "#/definitions/db.ScanResult"}}}}]}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/results/latest": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["Results"],
                "summary": "Latest result for one target and scan type",
                "operationId": "getLatestResult",
                "parameters": [
                    {"type": "string", "description": "Target host", "name": "target", "in": "query", "required": true},
                    {"type": "string", "description": "Scan type", "name": "scan_type", "in": "query", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/db.ScanResult"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/results/history": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "description": "Every stored result for one target and scan type, newest first",
                "produces": ["application/json"],
                "tags": ["Results"],
                "summary": "Result history",
                "operationId": "getResultHistory",
                "parameters": [
                    {"type": "string", "description": "Target host", "name": "target", "in": "query", "required": true},
                    {"type": "string", "description": "Scan type", "name": "scan_type", "in": "query", "required": true},
                    {"maximum": 1000, "minimum": 1, "type": "integer", "default": 100, "description": "Maximum rows", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"allOf": [{"$ref": "#/definitions/handlers.ListResponse"}, {"type": "object", "properties": {"data": {"type": "array", "items": {"$ref": "#/definitions/db.ScanResult"}}}}]}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/proxies": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "description": "Proxy credentials are masked",
                "produces": ["application/json"],
                "tags": ["Proxies"],
                "summary": "List proxies",
                "operationId": "listProxies",
                "responses": {
                    "200": {"description": "OK", "schema": {"allOf": [{"$ref": "#/definitions/handlers.ListResponse"}, {"type": "object", "properties": {"data": {"type": "array", "items": {"$ref": "#/definitions/db.Proxy"}}}}]}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/proxies/{id}": {
            "get": {
                "security": [{"ApiKeyAuth": []}],
                "produces": ["application/json"],
                "tags": ["Proxies"],
                "summary": "Get proxy",
                "operationId": "getProxy",
                "parameters": [
                    {"type": "integer", "description": "Proxy ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/db.Proxy"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "db.ProgressRow": {
            "type": "object",
            "properties": {
                "scanner": {"type": "string"},
                "activity": {"type": "string", "enum": ["discover", "verify", "scan"]},
                "state": {"type": "string", "enum": ["requested", "picked_up", "finished", "error", "timeout"]},
                "count": {"type": "integer"}
            }
        },
        "db.ScanRequest": {
            "type": "object",
            "properties": {
                "id": {"type": "integer"},
                "activity": {"type": "string", "enum": ["discover", "verify", "scan"]},
                "scanner": {"type": "string"},
                "target": {"type": "string"},
                "state": {"type": "string", "enum": ["requested", "picked_up", "finished", "error", "timeout"]},
                "requested_at": {"type": "string", "format": "date-time"},
                "last_state_change_at": {"type": "string", "format": "date-time"},
                "finished_at": {"type": "string", "format": "date-time"},
                "error_reason": {"type": "string"}
            }
        },
        "db.ScanResult": {
            "type": "object",
            "properties": {
                "id": {"type": "integer"},
                "target": {"type": "string"},
                "scan_type": {"type": "string"},
                "rating": {"type": "string"},
                "message": {"type": "string"},
                "evidence": {"type": "object"},
                "last_scan_moment": {"type": "string", "format": "date-time"},
                "determined_on": {"type": "string", "format": "date-time"},
                "is_latest": {"type": "boolean"}
            }
        },
        "db.Proxy": {
            "type": "object",
            "properties": {
                "id": {"type": "integer"},
                "address": {"type": "string"},
                "protocol": {"type": "string"},
                "is_dead": {"type": "boolean"},
                "is_dead_since": {"type": "string", "format": "date-time"},
                "is_dead_reason": {"type": "string"},
                "manually_disabled": {"type": "boolean"},
                "currently_claimed": {"type": "boolean"},
                "last_claim_at": {"type": "string", "format": "date-time"},
                "claimed_by": {"type": "string"},
                "request_speed_ms": {"type": "integer"},
                "capacity_current": {"type": "integer"},
                "capacity_max": {"type": "integer"},
                "capacity_this_client": {"type": "integer"},
                "out_of_resource_counter": {"type": "integer"},
                "check_result": {"type": "string"}
            }
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "timestamp": {"type": "string", "format": "date-time"},
                "request_id": {"type": "string"}
            }
        },
        "handlers.ListResponse": {
            "type": "object",
            "properties": {
                "data": {},
                "count": {"type": "integer"},
                "timestamp": {"type": "string", "format": "date-time"}
            }
        },
        "handlers.ProgressResponse": {
            "type": "object",
            "properties": {
                "rows": {"type": "array", "items": {"$ref": "#/definitions/db.ProgressRow"}},
                "timestamp": {"type": "string", "format": "date-time"}
            }
        }
    },
    "securityDefinitions": {
        "ApiKeyAuth": {
            "type": "apiKey",
            "name": "X-API-Key",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Scanledger API",
	Description:      "Read-only view of the scan request ledger, stored results and the proxy pool.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
