package handlers

const (
	lineNumber = `{"type": "string", "pattern": "^[0-9]+$"}`

	readSchema = `{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"start": ` + lineNumber + `,
			"end": ` + lineNumber + `
		},
		"required": ["path"]
	}`

	listSchema = `{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"pattern": {"type": "string"},
			"limit": ` + lineNumber + `
		}
	}`

	searchSchema = `{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "minLength": 1},
			"path": {"type": "string"},
			"glob": {"type": "string"},
			"ignore_case": {"type": "string", "enum": ["true", "false"]}
		},
		"required": ["pattern"]
	}`

	writeSchema = `{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"content": {"type": "string"}
		},
		"required": ["path", "content"]
	}`

	replaceSchema = `{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"old": {"type": "string", "minLength": 1},
			"new": {"type": "string"},
			"replace_all": {"type": "string", "enum": ["true", "false"]}
		},
		"required": ["path", "old", "new"]
	}`

	commandSchema = `{
		"type": "object",
		"properties": {
			"command": {"type": "string", "minLength": 1},
			"timeout": {"type": "string", "pattern": "^[0-9]+(ms|s|m)?$"}
		},
		"required": ["command"]
	}`

	testsSchema = `{
		"type": "object",
		"properties": {
			"target": {"type": "string"},
			"run": {"type": "string"}
		}
	}`
)
