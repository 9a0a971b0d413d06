package gateway

// Params schemas of the built-in methods.
const (
	runParamsSchema = `{
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": {"type": "string"},
    "provider": {"type": "string", "enum": ["", "process", "sdk"]},
    "runId": {"type": "string", "maxLength": 128},
    "options": {
      "type": "object",
      "properties": {
        "sessionId": {"type": "string"},
        "cwd": {"type": "string"},
        "model": {"type": "string"},
        "permissionMode": {"type": "string", "enum": ["", "default", "acceptEdits", "plan", "bypassPermissions"]},
        "appendSystemPrompt": {"type": "string"},
        "toolsSettings": {
          "type": "object",
          "properties": {
            "allowedTools": {"type": "array", "items": {"type": "string"}},
            "disallowedTools": {"type": "array", "items": {"type": "string"}},
            "skipPermissions": {"type": "boolean"}
          }
        },
        "images": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["data"],
            "properties": {
              "name": {"type": "string"},
              "data": {"type": "string", "pattern": "^data:"}
            }
          }
        }
      }
    }
  }
}`

	abortParamsSchema = `{
  "type": "object",
  "required": ["sessionId"],
  "properties": {
    "sessionId": {"type": "string", "minLength": 1}
  }
}`

	approvalParamsSchema = `{
  "type": "object",
  "required": ["requestId", "decision"],
  "properties": {
    "requestId": {"type": "string", "minLength": 1},
    "decision": {
      "type": "object",
      "required": ["allow"],
      "properties": {
        "allow": {"type": "boolean"},
        "updatedInput": {"type": "object"},
        "rememberEntry": {"type": "string"},
        "message": {"type": "string"},
        "cancelled": {"type": "boolean"}
      }
    }
  }
}`

	approvalsListParamsSchema = `{
  "type": "object",
  "properties": {
    "sessionId": {"type": "string"}
  }
}`
)
