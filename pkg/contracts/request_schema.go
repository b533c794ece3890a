package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/narval-xyz/armory-sub000/pkg/errs"
)

const requestBase = `"nonce": {"type": "string", "minLength": 1},
		"resourceId": {"type": "string", "minLength": 1}`

const quantity = `{"type": "string", "pattern": "^(0x[0-9a-fA-F]+|[0-9]+)$"}`

var requestSchemas = map[Action]string{
	ActionSignTransaction: `{
		"type": "object",
		"required": ["action", "nonce", "resourceId", "transactionRequest"],
		"properties": {
			"action": {"const": "signTransaction"},
			` + requestBase + `,
			"transactionRequest": {
				"type": "object",
				"required": ["chainId", "from"],
				"properties": {
					"chainId": {"type": "integer", "minimum": 1},
					"from": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
					"to": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
					"data": {"type": "string", "pattern": "^0x[0-9a-fA-F]*$"},
					"nonce": {"type": "integer", "minimum": 0},
					"value": ` + quantity + `,
					"gas": ` + quantity + `,
					"gasPrice": ` + quantity + `,
					"maxFeePerGas": ` + quantity + `,
					"maxPriorityFeePerGas": ` + quantity + `
				}
			}
		}
	}`,
	ActionSignMessage: `{
		"type": "object",
		"required": ["action", "nonce", "resourceId", "message"],
		"properties": {
			"action": {"const": "signMessage"},
			` + requestBase + `,
			"message": {"type": "string"}
		}
	}`,
	ActionSignRaw: `{
		"type": "object",
		"required": ["action", "nonce", "resourceId", "rawMessage"],
		"properties": {
			"action": {"const": "signRaw"},
			` + requestBase + `,
			"rawMessage": {"type": "string", "pattern": "^0x[0-9a-fA-F]*$"}
		}
	}`,
	ActionSignTypedData: `{
		"type": "object",
		"required": ["action", "nonce", "resourceId", "typedData"],
		"properties": {
			"action": {"const": "signTypedData"},
			` + requestBase + `,
			"typedData": {
				"type": "object",
				"required": ["domain", "types", "primaryType", "message"]
			}
		}
	}`,
	ActionSignUserOperation: `{
		"type": "object",
		"required": ["action", "nonce", "resourceId", "userOperation"],
		"properties": {
			"action": {"const": "signUserOperation"},
			` + requestBase + `,
			"userOperation": {
				"type": "object",
				"required": ["sender", "nonce", "callData"]
			}
		}
	}`,
	ActionGrantPermission: `{
		"type": "object",
		"required": ["action", "nonce", "resourceId", "permissions"],
		"properties": {
			"action": {"const": "grantPermission"},
			` + requestBase + `,
			"permissions": {"type": "array", "minItems": 1, "items": {"type": "string"}}
		}
	}`,
}

var (
	compileOnce     sync.Once
	compiledSchemas map[Action]*jsonschema.Schema
)

func schemas() map[Action]*jsonschema.Schema {
	compileOnce.Do(func() {
		compiledSchemas = make(map[Action]*jsonschema.Schema, len(requestSchemas))
		for action, src := range requestSchemas {
			compiledSchemas[action] = jsonschema.MustCompileString("armory://request/"+string(action)+".json", src)
		}
	})
	return compiledSchemas
}

func validateRequest(action Action, data []byte) []errs.Issue {
	schema, ok := schemas()[action]
	if !ok {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return []errs.Issue{{Message: err.Error()}}
	}

	err := schema.Validate(doc)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []errs.Issue{{Message: err.Error()}}
	}
	return collectIssues(verr, nil)
}

// collectIssues flattens the validation tree into its leaf causes.
func collectIssues(v *jsonschema.ValidationError, out []errs.Issue) []errs.Issue {
	if len(v.Causes) == 0 {
		return append(out, errs.Issue{Path: v.InstanceLocation, Message: v.Message})
	}
	for _, c := range v.Causes {
		out = collectIssues(c, out)
	}
	return out
}
