package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/raphaelgruber/annotator/internal/models"
)

// converser is the subset of the Bedrock runtime client used here.
type converser interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider invokes models through the Bedrock Converse API.
type BedrockProvider struct {
	client  converser
	pricing *Pricing
}

var _ Provider = (*BedrockProvider)(nil)

// NewBedrock loads the default AWS credential chain for region.
func NewBedrock(ctx context.Context, region string, pricing *Pricing) (*BedrockProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &BedrockProvider{client: bedrockruntime.NewFromConfig(cfg), pricing: pricing}, nil
}

func (p *BedrockProvider) Name() string { return NameBedrock }

// Invoke sends a single-turn conversation. Errors are returned as *Error.
func (p *BedrockProvider) Invoke(ctx context.Context, model, input string, opts Options) (Result, error) {
	req := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: input}},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			Temperature: aws.Float32(float32(opts.Temperature)),
		},
	}
	if opts.MaxTokens > 0 {
		req.InferenceConfig.MaxTokens = aws.Int32(int32(opts.MaxTokens))
	}
	if opts.SystemPrompt != "" {
		req.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: opts.SystemPrompt}}
	}

	start := time.Now()
	out, err := p.client.Converse(ctx, req)
	duration := time.Since(start)
	if err != nil {
		return Result{}, classifyBedrock(err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return Result{}, &Error{Kind: models.FailureInvalid, Message: "unexpected converse output"}
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		if t, ok := block.(*types.ContentBlockMemberText); ok {
			text.WriteString(t.Value)
		}
	}

	var in, outTokens int
	if out.Usage != nil {
		in = int(aws.ToInt32(out.Usage.InputTokens))
		outTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	return Result{
		Output:     text.String(),
		TokensUsed: in + outTokens,
		CostUSD:    p.pricing.Cost(model, in, outTokens),
		Duration:   duration,
		Provider:   NameBedrock,
	}, nil
}

// classifyBedrock maps modeled Bedrock exceptions onto failure kinds.
func classifyBedrock(err error) *Error {
	var (
		throttled   *types.ThrottlingException
		unavailable *types.ServiceUnavailableException
		timeout     *types.ModelTimeoutException
		denied      *types.AccessDeniedException
		invalid     *types.ValidationException
		notFound    *types.ResourceNotFoundException
	)
	switch {
	case errors.As(err, &throttled), errors.As(err, &unavailable):
		return &Error{Kind: models.FailureTransient, Message: err.Error(), Err: err}
	case errors.As(err, &timeout):
		return &Error{Kind: models.FailureTimeout, Message: err.Error(), Err: err}
	case errors.As(err, &denied):
		return &Error{Kind: models.FailureFatal, Message: err.Error(), Err: fmt.Errorf("%w: %w", ErrFatalAPI, err)}
	case errors.As(err, &invalid), errors.As(err, &notFound):
		return &Error{Kind: models.FailureInvalid, Message: err.Error(), Err: err}
	default:
		return Classify(err)
	}
}
