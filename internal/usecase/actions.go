package usecase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"taskchat/internal/domain"
)

const defaultEmailSubject = "Message from your assistant"

// sendEmailSchema is shared by the assistant tool definition and payload
// validation so both sides agree on one contract.
const sendEmailSchema = `{
  "type": "object",
  "properties": {
    "to": {"type": "string", "format": "email", "description": "Recipient email address."},
    "subject": {"type": "string", "maxLength": 200, "description": "Subject line."},
    "body": {"type": "string", "minLength": 1, "description": "Plain text email body."}
  },
  "required": ["to", "body"],
  "additionalProperties": false
}`

// actionCatalog lists the description and argument schema of every action the
// bridge can delegate.
var actionCatalog = map[domain.ActionType]domain.ActionSpec{
	domain.ActionSendEmail: {
		Type:        domain.ActionSendEmail,
		Description: "Send an email on behalf of the user. Runs asynchronously in an external workflow and returns a task id.",
		Schema:      json.RawMessage(sendEmailSchema),
	},
}

// ActionSpecs returns the tool definitions for every supported action.
func ActionSpecs() []domain.ActionSpec {
	out := make([]domain.ActionSpec, 0, len(domain.SupportedActions))
	for _, t := range domain.SupportedActions {
		out = append(out, actionCatalog[t])
	}
	return out
}

// payloadValidator checks action arguments against their compiled schema.
type payloadValidator struct {
	schemas map[domain.ActionType]*jsonschema.Schema
}

func newPayloadValidator() (*payloadValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	v := &payloadValidator{schemas: make(map[domain.ActionType]*jsonschema.Schema, len(actionCatalog))}
	for t, spec := range actionCatalog {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(spec.Schema))
		if err != nil {
			return nil, fmt.Errorf("usecase: unmarshal %s schema: %w", t, err)
		}
		res := string(t) + ".json"
		if err := c.AddResource(res, doc); err != nil {
			return nil, fmt.Errorf("usecase: add %s schema: %w", t, err)
		}
		sch, err := c.Compile(res)
		if err != nil {
			return nil, fmt.Errorf("usecase: compile %s schema: %w", t, err)
		}
		v.schemas[t] = sch
	}
	return v, nil
}

func (v *payloadValidator) validate(t domain.ActionType, payload json.RawMessage) error {
	sch, ok := v.schemas[t]
	if !ok {
		return fmt.Errorf("no schema for action %s", t)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("payload does not match %s schema: %w", t, err)
	}
	return nil
}

// normalizeEmail decodes a validated send_email payload and fills defaults.
func normalizeEmail(payload json.RawMessage) (domain.SendEmailPayload, error) {
	var p domain.SendEmailPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.SendEmailPayload{}, fmt.Errorf("decode send_email payload: %w", err)
	}
	p.To = strings.TrimSpace(p.To)
	p.Subject = strings.TrimSpace(p.Subject)
	if p.Subject == "" {
		p.Subject = defaultEmailSubject
	}
	return p, nil
}
