package domain

import (
	"errors"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxTitleLength is counted in code points.
const MaxTitleLength = 255

const taskProperties = `{
	"title": {"type": "string", "pattern": "\\S", "maxLength": 255},
	"description": {"type": "string", "pattern": "\\S"},
	"status": {"enum": ["todo", "in_progress", "done"]}
}`

var (
	createSchema = jsonschema.MustCompileString("task-create.json",
		`{"type": "object", "required": ["title", "description", "status"], "properties": `+taskProperties+`}`)
	patchSchema = jsonschema.MustCompileString("task-patch.json",
		`{"type": "object", "properties": `+taskProperties+`}`)
)

var keywordMessages = map[string]string{
	"pattern":   "can't be blank",
	"maxLength": "is too long (maximum is 255 characters)",
	"enum":      "is not included in the list",
	"required":  "can't be blank",
}

// ValidateCreate checks a create request and returns it with defaults applied.
// A missing status becomes todo; title and description are required.
func ValidateCreate(in TaskInput) (TaskInput, error) {
	if in.Status == nil {
		s := StatusTodo
		in.Status = &s
	}
	doc := map[string]interface{}{
		"title":       derefOrEmpty(in.Title),
		"description": derefOrEmpty(in.Description),
		"status":      string(*in.Status),
	}
	if err := validateDoc(createSchema, doc); err != nil {
		return in, err
	}
	return in, nil
}

// ValidatePatch checks the fields present in a partial update.
func ValidatePatch(in TaskInput) error {
	doc := map[string]interface{}{}
	if in.Title != nil {
		doc["title"] = *in.Title
	}
	if in.Description != nil {
		doc["description"] = *in.Description
	}
	if in.Status != nil {
		doc["status"] = string(*in.Status)
	}
	return validateDoc(patchSchema, doc)
}

func validateDoc(schema *jsonschema.Schema, doc map[string]interface{}) error {
	err := schema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	out := &ValidationError{}
	collectFieldErrors(ve, out)
	if len(out.Fields) == 0 {
		out.Add("", ve.Message)
	}
	return out
}

func collectFieldErrors(ve *jsonschema.ValidationError, out *ValidationError) {
	if len(ve.Causes) > 0 {
		for _, c := range ve.Causes {
			collectFieldErrors(c, out)
		}
		return
	}
	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	keyword := ve.KeywordLocation[strings.LastIndex(ve.KeywordLocation, "/")+1:]
	msg, ok := keywordMessages[keyword]
	if !ok {
		msg = "is invalid"
	}
	for _, existing := range out.Fields[field] {
		if existing == msg {
			return
		}
	}
	out.Add(field, msg)
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
