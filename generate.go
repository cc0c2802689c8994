package realtime

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/openai/openai-go/v3/packages/param"
	oairealtime "github.com/openai/openai-go/v3/realtime"
)

const GenerateToolName = "generate_document"

type OutputKind string

const (
	OutputPresentation OutputKind = "presentation"
	OutputDocument     OutputKind = "document"
	OutputSpreadsheet  OutputKind = "spreadsheet"
)

func (k OutputKind) Valid() bool {
	switch k {
	case OutputPresentation, OutputDocument, OutputSpreadsheet:
		return true
	}
	return false
}

// GenerateRequest is the argument payload of a generate_document call.
type GenerateRequest struct {
	Prompt       string     `json:"prompt"`
	Output       OutputKind `json:"output"`
	StyleGuideId string     `json:"style_guide_id,omitempty"`
	// Meta is forwarded as the model sent it.
	Meta any `json:"meta,omitempty"`
}

// ParseGenerateRequest decodes the argument payload only. Field checks are left
// to the host through Validate.
func ParseGenerateRequest(arguments string) (*GenerateRequest, error) {
	req := new(GenerateRequest)
	if err := sonic.UnmarshalString(arguments, req); err != nil {
		return nil, fmt.Errorf("decoding arguments: %w", err)
	}
	return req, nil
}

func (r *GenerateRequest) Validate() error {
	if r.Prompt == "" {
		return errors.New("prompt is required")
	}
	if !r.Output.Valid() {
		return fmt.Errorf("unknown output %q", r.Output)
	}
	return nil
}

var generateDocumentSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"prompt": map[string]any{
			"type":        "string",
			"description": "What to generate, in the user's words.",
		},
		"output": map[string]any{
			"type": "string",
			"enum": []string{
				string(OutputPresentation),
				string(OutputDocument),
				string(OutputSpreadsheet),
			},
		},
		"style_guide_id": map[string]any{
			"type":        "string",
			"description": "Style guide to apply, when the user picked one.",
		},
		"meta": map[string]any{
			"type": "object",
		},
	},
	"required": []string{"prompt", "output"},
}

func GenerateDocumentTool() oairealtime.RealtimeToolsConfigUnionParam {
	return oairealtime.RealtimeToolsConfigUnionParam{
		OfFunction: &oairealtime.RealtimeFunctionToolParam{
			Name:        param.NewOpt(GenerateToolName),
			Description: param.NewOpt("Generate a presentation, document or spreadsheet from the conversation."),
			Parameters:  generateDocumentSchema,
			Type:        oairealtime.RealtimeFunctionToolTypeFunction,
		},
	}
}
