package plugin

// documentSchema is intentionally permissive: it pins the container shapes
// (objects vs arrays) without constraining every field, so new upstream
// keys keep validating.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "control":         { "type": "array", "items": { "type": "object" } },
    "theme":           { "type": "object" },
    "auto_install":    { "type": "array", "items": { "type": "object" } },
    "persistence":     { "type": "array", "items": { "type": "object" } },
    "injection":       { "type": "array", "items": { "type": "object" } },
    "conf_replace":    { "type": "array", "items": { "type": "object" } },
    "menu_alias":      { "type": "array", "items": { "type": "object" } },
    "menu_class":      { "type": "array", "items": { "type": "object" } },
    "menu_tip":        { "type": "array", "items": { "type": "object" } },
    "menu_password":   { "type": "array", "items": { "type": "object" } },
    "image_list":      { "type": "array", "items": { "type": "string" } },
    "image_blacklist": { "type": "array", "items": { "type": "string" } },
    "auto_memdisk":    { "type": "array", "items": { "type": "string" } },
    "dud":             { "type": "array", "items": { "type": "object" } },
    "custom_boot":     { "type": "array", "items": { "type": "object" } }
  }
}`
