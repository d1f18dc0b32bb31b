// Package openapi builds the OpenAPI 3.1 document for the key lifecycle API.
// The document is assembled programmatically so it cannot drift from the
// route table without a reviewer noticing both sides of the change.
package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"
)

// GenerateSpec builds the OpenAPI document served at /openapi.json.
func GenerateSpec(baseURL, version string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Keygate API",
			Description: "License key issuance, activation, validation, and daily-quota usage recording.",
			Version:     version,
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		},
	}

	doc.Paths = openapi3.NewPaths()

	doc.Components.Schemas["ErrorResponse"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
							"message": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
							"context": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
						},
					},
				},
			},
		},
	}

	keyEmailProps := openapi3.Schemas{
		"key":   stringProp("License key, e.g. TZY-XXXX-XXXX-XXXX-XXXX-XXXX-CC."),
		"email": stringProp("Email the key is bound to. Matching is case-insensitive."),
	}

	usageProps := openapi3.Schemas{
		"images_used":   intProp("Image generations consumed today (UTC)."),
		"ar_views_used": intProp("AR try-on views consumed today (UTC)."),
		"images_cap":    intProp("Daily image generation cap."),
		"ar_views_cap":  intProp("Daily AR view cap."),
	}

	doc.Paths.Set("/api/v1/key/issue", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"key"},
			Summary:     "Issue a new license key",
			Description: "Generates a key bound to an email and returns the plaintext exactly once. Requires an operator token.",
			OperationID: "issue_key",
			Security:    &openapi3.SecurityRequirements{{"bearerAuth": {}}},
			RequestBody: jsonBody("Issuance request", openapi3.Schemas{
				"email": stringProp("Email to bind the key to."),
			}, "email"),
			Responses: newResponses("201", "Issued key", openapi3.Schemas{
				"key":    stringProp("Plaintext key. Shown once, never stored."),
				"key_id": stringProp("Server-side key identifier."),
			}),
		},
	})

	doc.Paths.Set("/api/v1/key/activate", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"key"},
			Summary:     "Activate an issued key",
			Description: "Transitions an issued key to active. Unknown keys and wrong emails return the same error.",
			OperationID: "activate_key",
			RequestBody: jsonBody("Activation request", mergeSchemas(keyEmailProps, openapi3.Schemas{
				"otp_ref": stringProp("Reference to the email proof-of-control step."),
			}), "key", "email"),
			Responses: newResponses("200", "Activation confirmed", openapi3.Schemas{
				"activated": boolProp("Always true on success."),
			}),
		},
	})

	doc.Paths.Set("/api/v1/key/validate", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"key"},
			Summary:     "Validate a key",
			Description: "Reports whether the (key, email) pair is usable and today's quota consumption.",
			OperationID: "validate_key",
			RequestBody: jsonBody("Validation request", keyEmailProps, "key", "email"),
			Responses: newResponses("200", "Validation outcome", mergeSchemas(openapi3.Schemas{
				"valid":  boolProp("Whether the key can record usage right now."),
				"status": stringProp("One of issued, active, expired, missing, mismatch."),
			}, usageProps)),
		},
	})

	doc.Paths.Set("/api/v1/key/use", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"key"},
			Summary:     "Record quota usage",
			Description: "Consumes one unit of today's quota for the given action. Returns 429 once the daily cap is spent.",
			OperationID: "use_key",
			RequestBody: jsonBody("Usage request", mergeSchemas(keyEmailProps, openapi3.Schemas{
				"action":      stringProp("\"image\" or \"ar\"."),
				"model_id":    stringProp("Optional generation model identifier for analytics."),
				"duration_ms": intProp("Optional generation duration in milliseconds."),
			}), "key", "email", "action"),
			Responses: newResponses("200", "Usage recorded", mergeSchemas(openapi3.Schemas{
				"recorded": boolProp("Always true on success."),
			}, usageProps)),
		},
	})

	doc.Paths.Set("/api/v1/admin/session", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     "Operator login",
			Description: "Exchanges operator credentials for a JWT session token.",
			OperationID: "admin_login",
			RequestBody: jsonBody("Login request", openapi3.Schemas{
				"email":    stringProp("Operator email."),
				"password": stringProp("Operator password."),
			}, "email", "password"),
			Responses: newResponses("200", "Session token", openapi3.Schemas{
				"session_token": stringProp("JWT bearer token."),
				"token_type":    stringProp("Always \"bearer\"."),
				"expires_in":    intProp("Token lifetime in seconds."),
			}),
		},
	})

	return doc
}

func stringProp(desc string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Description: desc},
	}
}

func intProp(desc string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32", Description: desc},
	}
}

func boolProp(desc string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}, Description: desc},
	}
}

func mergeSchemas(a, b openapi3.Schemas) openapi3.Schemas {
	out := openapi3.Schemas{}
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// jsonBody builds a required JSON request body from property schemas.
func jsonBody(desc string, props openapi3.Schemas, required ...string) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: &openapi3.RequestBody{
			Description: desc,
			Required:    true,
			Content: openapi3.NewContentWithJSONSchemaRef(&openapi3.SchemaRef{
				Value: &openapi3.Schema{
					Type:       &openapi3.Types{"object"},
					Properties: props,
					Required:   required,
				},
			}),
		},
	}
}

// newResponses builds a Responses map with a success response and standard
// error responses.
func newResponses(statusCode, description string, props openapi3.Schemas) *openapi3.Responses {
	responses := openapi3.NewResponses()

	successDesc := description
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &successDesc,
			Content: openapi3.NewContentWithJSONSchemaRef(&openapi3.SchemaRef{
				Value: &openapi3.Schema{
					Type:       &openapi3.Types{"object"},
					Properties: props,
				},
			}),
		},
	})

	errorRef := openapi3.NewSchemaRef("#/components/schemas/ErrorResponse", nil)
	for code, desc := range map[string]string{
		"400": "Bad request",
		"401": "Unauthorized",
		"403": "Forbidden",
		"429": "Daily cap reached",
		"500": "Internal server error",
	} {
		d := desc
		responses.Set(code, &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &d,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}

	return responses
}
