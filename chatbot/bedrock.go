// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package chatbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

const (
	bedrockDefaultRegion = "us-east-1"
	bedrockDefaultModel  = "anthropic.claude-3-5-sonnet-20240620-v1:0"
)

// bedrockModelFamilies are the model vendors this provider can talk to.
var bedrockModelFamilies = []string{"anthropic", "amazon", "meta", "mistral"}

// inferenceProfilePrefixes are regional routing prefixes on model IDs,
// e.g. us.anthropic.claude-3-5-sonnet-20240620-v1:0.
var inferenceProfilePrefixes = []string{"us", "eu", "apac", "global"}

// bedrockAPI is the slice of the Bedrock runtime client this provider uses.
type bedrockAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockConfig configures the AWS Bedrock provider. Credentials come from
// the ambient AWS environment (IAM role, env vars, shared config).
type BedrockConfig struct {
	Region string // default us-east-1
	Model  string // default anthropic.claude-3-5-sonnet-20240620-v1:0
}

// BedrockProvider generates replies through bedrock-runtime InvokeModel,
// which carries AWS Signature V4 auth instead of API keys.
type BedrockProvider struct {
	client  bedrockAPI
	region  string
	model   string
	healthy atomic.Bool
}

// NewBedrockProvider loads the AWS config and returns the provider. The
// model ID must belong to a supported family.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = bedrockDefaultRegion
	}
	if cfg.Model == "" {
		cfg.Model = bedrockDefaultModel
	}
	if bedrockModelFamily(cfg.Model) == "" {
		return nil, fmt.Errorf("unsupported bedrock model %q (families: %s)", cfg.Model, strings.Join(bedrockModelFamilies, ", "))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for Bedrock (region %s): %w", cfg.Region, err)
	}

	p := &BedrockProvider{
		client: bedrockruntime.NewFromConfig(awsCfg),
		region: cfg.Region,
		model:  cfg.Model,
	}
	p.healthy.Store(true)
	log.Printf("Bedrock chatbot provider initialized (region: %s, model: %s)", cfg.Region, cfg.Model)
	return p, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) IsHealthy() bool { return p.healthy.Load() }

// Reply invokes the configured model. Only the Claude family receives the
// multi-turn history; the text-completion families get the current message.
func (p *BedrockProvider) Reply(ctx context.Context, req Request) (*Reply, error) {
	start := time.Now()

	body, err := buildBedrockBody(p.model, req)
	if err != nil {
		return nil, err
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		p.healthy.Store(false)
		return nil, fmt.Errorf("bedrock invoke failed: %w", err)
	}
	p.healthy.Store(true)

	content, tokens, err := parseBedrockBody(p.model, output.Body)
	if err != nil {
		return nil, err
	}

	return &Reply{
		Content:    content,
		Model:      p.model,
		TokensUsed: tokens,
		Latency:    time.Since(start),
	}, nil
}

// bedrockModelFamily extracts the vendor from a model or inference profile
// ID. Returns "" for unsupported IDs.
func bedrockModelFamily(modelID string) string {
	segments := strings.Split(modelID, ".")
	if len(segments) < 2 {
		return ""
	}

	first := segments[0]
	for _, prefix := range inferenceProfilePrefixes {
		if first == prefix {
			first = segments[1]
			break
		}
	}
	for _, family := range bedrockModelFamilies {
		if first == family {
			return family
		}
	}
	return ""
}

func buildBedrockBody(model string, req Request) ([]byte, error) {
	switch family := bedrockModelFamily(model); family {
	case "anthropic":
		msgs := make([]Turn, 0, len(req.History)+1)
		msgs = append(msgs, req.History...)
		msgs = append(msgs, Turn{Role: RoleUser, Content: req.Message})
		return json.Marshal(map[string]interface{}{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        defaultMaxTokens,
			"temperature":       defaultTemperature,
			"messages":          msgs,
		})
	case "amazon":
		return json.Marshal(map[string]interface{}{
			"inputText": req.Message,
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": defaultMaxTokens,
				"temperature":   defaultTemperature,
				"topP":          0.9,
			},
		})
	case "meta":
		return json.Marshal(map[string]interface{}{
			"prompt":      req.Message,
			"max_gen_len": defaultMaxTokens,
			"temperature": defaultTemperature,
			"top_p":       0.9,
		})
	case "mistral":
		return json.Marshal(map[string]interface{}{
			"prompt":      req.Message,
			"max_tokens":  defaultMaxTokens,
			"temperature": defaultTemperature,
			"top_p":       0.9,
		})
	default:
		return nil, fmt.Errorf("unsupported bedrock model family in %q", model)
	}
}

func parseBedrockBody(model string, body []byte) (content string, tokens int, err error) {
	switch family := bedrockModelFamily(model); family {
	case "anthropic":
		var resp struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", 0, fmt.Errorf("failed to parse bedrock response: %w", err)
		}
		if len(resp.Content) > 0 {
			content = resp.Content[0].Text
		}
		return content, resp.Usage.InputTokens + resp.Usage.OutputTokens, nil

	case "amazon":
		var resp struct {
			Results []struct {
				OutputText string `json:"outputText"`
				TokenCount int    `json:"tokenCount"`
			} `json:"results"`
			InputTextTokenCount int `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", 0, fmt.Errorf("failed to parse bedrock response: %w", err)
		}
		outputTokens := 0
		if len(resp.Results) > 0 {
			content = resp.Results[0].OutputText
			outputTokens = resp.Results[0].TokenCount
		}
		return content, resp.InputTextTokenCount + outputTokens, nil

	case "meta":
		var resp struct {
			Generation       string `json:"generation"`
			PromptTokenCount int    `json:"prompt_token_count"`
			GenTokenCount    int    `json:"generation_token_count"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", 0, fmt.Errorf("failed to parse bedrock response: %w", err)
		}
		return resp.Generation, resp.PromptTokenCount + resp.GenTokenCount, nil

	case "mistral":
		var resp struct {
			Outputs []struct {
				Text string `json:"text"`
			} `json:"outputs"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", 0, fmt.Errorf("failed to parse bedrock response: %w", err)
		}
		if len(resp.Outputs) > 0 {
			content = resp.Outputs[0].Text
		}
		return content, 0, nil

	default:
		return "", 0, fmt.Errorf("unsupported bedrock model family in %q", model)
	}
}
