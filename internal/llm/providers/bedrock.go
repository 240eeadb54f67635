package providers

import (
	"context"
	"encoding/json"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/internal/llm"
	"github.com/edgemind/edgemind/internal/llm/toolconv"
	"github.com/edgemind/edgemind/pkg/models"
)

// BedrockConfig configures the AWS Bedrock backend.
type BedrockConfig struct {
	// Region selects the AWS region (default us-east-1).
	Region string
	// Explicit credentials; the default chain (env, IAM role) is used
	// when empty.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// DefaultModel is used when a request names no model.
	DefaultModel string
}

// BedrockProvider streams responses over Bedrock's Converse API.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
}

// NewBedrockProvider creates the provider.
func NewBedrockProvider(cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	options := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		options = append(options, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), options...)
	if err != nil {
		return nil, errs.Configuration("bedrock: load aws config", err)
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

// Models lists commonly enabled Converse-capable models; actual
// availability depends on the account's model access.
func (p *BedrockProvider) Models() []llm.Model {
	return []llm.Model{
		{ID: "anthropic.claude-3-opus-20240229-v1:0", Name: "Claude 3 Opus (Bedrock)", ContextSize: 200000, SupportsVision: true},
		{ID: "anthropic.claude-3-sonnet-20240229-v1:0", Name: "Claude 3 Sonnet (Bedrock)", ContextSize: 200000, SupportsVision: true},
		{ID: "anthropic.claude-3-haiku-20240307-v1:0", Name: "Claude 3 Haiku (Bedrock)", ContextSize: 200000, SupportsVision: true},
		{ID: "meta.llama3-70b-instruct-v1:0", Name: "Llama 3 70B (Bedrock)", ContextSize: 8192},
		{ID: "mistral.mixtral-8x7b-instruct-v0:1", Name: "Mixtral 8x7B (Bedrock)", ContextSize: 32768},
	}
}

func (p *BedrockProvider) SupportsTools() bool { return true }

// Complete sends a ConverseStream request.
func (p *BedrockProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error) {
	if p.client == nil {
		return nil, errs.Configuration("bedrock: client not initialised", nil)
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: p.buildMessages(req.Messages),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		if maxTokens > math.MaxInt32 {
			maxTokens = math.MaxInt32
		}
		input.InferenceConfig = &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTokens)),
		}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = toolconv.ToBedrockTools(req.Tools)
	}

	stream, err := openStream(ctx, "bedrock", model, func() (*bedrockruntime.ConverseStreamOutput, error) {
		return p.client.ConverseStream(ctx, input)
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *llm.CompletionChunk)
	go p.stream(ctx, stream, chunks, model)
	return chunks, nil
}

// stream translates Converse events into chunks, assembling fragmented
// tool-use input until its block stops.
func (p *BedrockProvider) stream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, chunks chan<- *llm.CompletionChunk, model string) {
	defer close(chunks)

	events := stream.GetStream()
	defer events.Close()

	var pendingCall *models.ToolCall
	var pendingInput strings.Builder
	var inputTokens, outputTokens int

	flush := func() {
		if pendingCall == nil || pendingCall.ID == "" {
			pendingCall = nil
			return
		}
		args := pendingInput.String()
		if args == "" {
			args = "{}"
		}
		pendingCall.Arguments = json.RawMessage(args)
		chunks <- &llm.CompletionChunk{ToolCall: pendingCall}
		pendingCall = nil
	}

	for {
		select {
		case <-ctx.Done():
			fail(chunks, ctx.Err())
			return
		case event, ok := <-events.Events():
			if !ok {
				flush()
				if err := events.Err(); err != nil {
					fail(chunks, classify("bedrock", model, err))
					return
				}
				chunks <- &llm.CompletionChunk{
					Done:         true,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if use, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					pendingCall = &models.ToolCall{
						ID:   aws.ToString(use.Value.ToolUseId),
						Name: aws.ToString(use.Value.Name),
					}
					pendingInput.Reset()
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						chunks <- &llm.CompletionChunk{Text: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						pendingInput.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				flush()

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					inputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
					outputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				flush()
			}
		}
	}
}

// buildMessages converts the neutral conversation: tool results become
// toolResult blocks on the user side, assistant tool calls become
// toolUse blocks, and inline images become image blocks.
func (p *BedrockProvider) buildMessages(messages []llm.CompletionMessage) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []types.ContentBlock
		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}
		for _, att := range msg.Attachments {
			if block := bedrockImageBlock(att); block != nil {
				content = append(content, block)
			}
		}
		for _, tr := range msg.ToolResults {
			id := tr.ToolCallID
			status := types.ToolResultStatusSuccess
			if tr.IsError {
				status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: &id,
					Status:    status,
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: tr.Content},
					},
				},
			})
		}
		for _, tc := range msg.ToolCalls {
			id := tc.ID
			name := tc.Name
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: &id,
					Name:      &name,
					Input:     document.NewLazyDocument(toolconv.DecodeArguments(tc.Arguments)),
				},
			})
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{Role: role, Content: content})
	}
	return out
}

// bedrockImageBlock renders an inline image attachment; URL-only
// attachments are skipped since Converse takes raw bytes.
func bedrockImageBlock(att models.Attachment) types.ContentBlock {
	if att.Type != "image" || len(att.Data) == 0 {
		return nil
	}
	decoded, err := base64Decode(att.Data)
	if err != nil {
		return nil
	}
	format, ok := bedrockImageFormat(att.MimeType)
	if !ok {
		return nil
	}
	return &types.ContentBlockMemberImage{
		Value: types.ImageBlock{
			Format: format,
			Source: &types.ImageSourceMemberBytes{Value: decoded},
		},
	}
}

func bedrockImageFormat(mimeType string) (types.ImageFormat, bool) {
	switch strings.ToLower(mimeType) {
	case "image/png", "":
		return types.ImageFormatPng, true
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	default:
		return "", false
	}
}
